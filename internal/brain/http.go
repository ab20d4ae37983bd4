package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicegate/internal/credentials"
	"github.com/ent0n29/voicegate/internal/reliability"
)

const (
	httpMaxRetries   = 2
	httpBackoffBase  = 200 * time.Millisecond
	httpBackoffLimit = 2 * time.Second
)

// HTTPResponder calls an OpenAI-compatible chat completion endpoint.
type HTTPResponder struct {
	url          string
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	tokens       credentials.TokenSource
	client       *http.Client
}

func NewHTTPResponder(cfg Config) *HTTPResponder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPResponder{
		url:          strings.TrimSpace(cfg.HTTPURL),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		tokens:       cfg.Tokens,
		client:       &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Text string `json:"text"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("text generation http status %d: %s", e.code, e.body)
}

func (r *HTTPResponder) Respond(ctx context.Context, req Request) (string, error) {
	messages := make([]chatMessage, 0, len(req.History)+1)
	if strings.TrimSpace(r.systemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: r.systemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Text})
	}
	payload, err := json.Marshal(chatRequest{
		Model:       r.model,
		Messages:    messages,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= httpMaxRetries; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, httpBackoffBase, httpBackoffLimit)); err != nil {
				return "", err
			}
		}
		text, err := r.do(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var se *statusError
		if errors.As(err, &se) {
			if !reliability.IsRetryableHTTPStatus(se.code) {
				return "", err
			}
			continue
		}
		if !reliability.IsRetryableError(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (r *HTTPResponder) do(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.tokens != nil {
		token, err := r.tokens.Token(ctx)
		if err != nil && !errors.Is(err, credentials.ErrNoToken) {
			return "", fmt.Errorf("acquire token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	text := out.Text
	if len(out.Choices) > 0 {
		text = out.Choices[0].Message.Content
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

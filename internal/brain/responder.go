// Package brain wraps the text-generation capability: given a bounded,
// ordered message history it returns one reply string.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/credentials"
)

var ErrEmptyReply = errors.New("empty reply from text generation")

type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type Request struct {
	SessionID string
	History   []Message
}

// Responder produces the assistant reply for a conversation history whose
// last element is the newest user message.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Provider     string
	HTTPURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	GeminiAPIKey string
	GeminiModel  string
	Tokens       credentials.TokenSource
}

// NewResponder builds the responder for cfg.Provider. "auto" prefers the HTTP
// endpoint, then Gemini, falling back to the mock when neither is configured.
// Real providers in auto mode are wrapped with a mock fallback so a flaky
// upstream still yields a spoken reply.
func NewResponder(ctx context.Context, cfg Config, logger *zap.Logger) (Responder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return NewHTTPResponder(cfg), nil
	case "gemini":
		return NewGeminiResponder(ctx, cfg)
	case "mock":
		return NewMockResponder(), nil
	case "auto":
		switch {
		case strings.TrimSpace(cfg.HTTPURL) != "":
			return NewFallbackResponder(NewHTTPResponder(cfg), NewMockResponder(), logger), nil
		case strings.TrimSpace(cfg.GeminiAPIKey) != "":
			g, err := NewGeminiResponder(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return NewFallbackResponder(g, NewMockResponder(), logger), nil
		default:
			return NewMockResponder(), nil
		}
	default:
		return nil, fmt.Errorf("unsupported brain provider %q", cfg.Provider)
	}
}

func lastUserText(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return strings.TrimSpace(history[i].Text)
		}
	}
	return ""
}

package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiResponder generates replies with the Gemini API.
type GeminiResponder struct {
	models geminiModels
	model  string
	config *genai.GenerateContentConfig
}

func NewGeminiResponder(ctx context.Context, cfg Config) (*GeminiResponder, error) {
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiResponder(client.Models, cfg), nil
}

func newGeminiResponder(models geminiModels, cfg Config) *GeminiResponder {
	model := strings.TrimSpace(cfg.GeminiModel)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(cfg.Temperature)),
	}
	if cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(cfg.MaxTokens)
	}
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	return &GeminiResponder{models: models, model: model, config: gc}
}

func (g *GeminiResponder) Respond(ctx context.Context, req Request) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, geminiContents(req.History), g.config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func geminiContents(history []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Text, role))
	}
	return out
}

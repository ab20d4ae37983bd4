package brain

import (
	"context"
	"fmt"
)

// MockResponder provides deterministic local replies when no model is configured.
type MockResponder struct{}

func NewMockResponder() *MockResponder { return &MockResponder{} }

func (MockResponder) Respond(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := lastUserText(req.History)
	if text == "" {
		return "I am listening.", nil
	}
	return fmt.Sprintf("I heard you: %s", text), nil
}

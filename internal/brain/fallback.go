package brain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// FallbackResponder tries the primary responder and uses the fallback when
// the primary fails for any reason other than cancellation.
type FallbackResponder struct {
	primary  Responder
	fallback Responder
	logger   *zap.Logger
}

func NewFallbackResponder(primary, fallback Responder, logger *zap.Logger) *FallbackResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackResponder{primary: primary, fallback: fallback, logger: logger.With(zap.String("component", "brain"))}
}

func (f *FallbackResponder) Respond(ctx context.Context, req Request) (string, error) {
	if f.primary == nil {
		if f.fallback == nil {
			return "", errors.New("fallback responder misconfigured")
		}
		return f.fallback.Respond(ctx, req)
	}
	text, err := f.primary.Respond(ctx, req)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || f.fallback == nil {
		return "", err
	}
	f.logger.Warn("primary responder failed, using fallback",
		zap.String("session_id", req.SessionID), zap.Error(err))
	text, fbErr := f.fallback.Respond(ctx, req)
	if fbErr != nil {
		return "", fmt.Errorf("primary responder error: %w; fallback responder error: %v", err, fbErr)
	}
	return text, nil
}

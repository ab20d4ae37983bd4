package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const defaultFailoverCooldown = 2 * time.Minute

// FailoverConfig tunes NewFailoverProviderPair. Zero values pick defaults.
type FailoverConfig struct {
	FallbackVoiceID string
	FallbackModelID string
	Cooldown        time.Duration
	Now             func() time.Time
}

// NewFailoverProviderPair builds STT/TTS providers that prefer the primary
// backend. When a primary stream fails to open, the fallback serves that
// request and every later one until the cooldown expires; the primary is then
// tried again. A failing fallback sends traffic straight back to the primary.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	cfg FailoverConfig,
) (STTProvider, TTSProvider) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultFailoverCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	state := &failoverState{cooldown: cfg.Cooldown, now: cfg.Now}
	return &failoverSTTProvider{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverTTSProvider{
			state:           state,
			primary:         primaryTTS,
			fallback:        fallbackTTS,
			fallbackVoiceID: strings.TrimSpace(cfg.FallbackVoiceID),
			fallbackModelID: strings.TrimSpace(cfg.FallbackModelID),
		}
}

type failoverState struct {
	fallbackUntil atomic.Int64
	cooldown      time.Duration
	now           func() time.Time
}

func (s *failoverState) activateFallback() {
	s.fallbackUntil.Store(s.now().Add(s.cooldown).UnixNano())
}

func (s *failoverState) deactivateFallback() {
	s.fallbackUntil.Store(0)
}

func (s *failoverState) isFallbackActive() bool {
	until := s.fallbackUntil.Load()
	return until != 0 && s.now().UnixNano() < until
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) StartSession(ctx context.Context, sessionID string, cfg RecognitionConfig) (STTSession, <-chan STTEvent, error) {
	if p.state.isFallbackActive() {
		session, events, fbErr := p.fallback.StartSession(ctx, sessionID, cfg)
		if fbErr == nil {
			return session, events, nil
		}
		session, events, prErr := p.primary.StartSession(ctx, sessionID, cfg)
		if prErr == nil {
			p.state.deactivateFallback()
			return session, events, nil
		}
		return nil, nil, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	session, events, prErr := p.primary.StartSession(ctx, sessionID, cfg)
	if prErr == nil {
		p.state.deactivateFallback()
		return session, events, nil
	}

	session, events, fbErr := p.fallback.StartSession(ctx, sessionID, cfg)
	if fbErr != nil {
		return nil, nil, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return session, events, nil
}

type failoverTTSProvider struct {
	state           *failoverState
	primary         TTSProvider
	fallback        TTSProvider
	fallbackVoiceID string
	fallbackModelID string
}

func (p *failoverTTSProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if p.state.isFallbackActive() {
		stream, fbErr := p.startFallbackStream(ctx, settings)
		if fbErr == nil {
			return stream, nil
		}
		stream, prErr := p.primary.StartStream(ctx, voiceID, modelID, settings)
		if prErr == nil {
			p.state.deactivateFallback()
			return stream, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, voiceID, modelID, settings)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.startFallbackStream(ctx, settings)
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return stream, nil
}

// The fallback backend never shares voice or model ids with the primary.
func (p *failoverTTSProvider) startFallbackStream(ctx context.Context, settings TTSSettings) (TTSStream, error) {
	return p.fallback.StartStream(ctx, p.fallbackVoiceID, p.fallbackModelID, settings)
}

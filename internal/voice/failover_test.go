package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFailoverProviderPairSwitchesToFallbackAndSticks(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary unavailable")

	primarySTT := &stubSTTProvider{
		startSession: func(context.Context, string) (STTSession, <-chan STTEvent, error) {
			return nil, nil, primaryErr
		},
	}
	fallbackSTT := &stubSTTProvider{
		startSession: func(context.Context, string) (STTSession, <-chan STTEvent, error) {
			return &stubSTTSession{}, make(chan STTEvent), nil
		},
	}
	primaryTTS := &stubTTSProvider{
		startStream: func(context.Context, string, string, TTSSettings) (TTSStream, error) {
			return nil, primaryErr
		},
	}
	fallbackTTS := &stubTTSProvider{
		startStream: func(context.Context, string, string, TTSSettings) (TTSStream, error) {
			return &stubTTSStream{}, nil
		},
	}

	stt, tts := NewFailoverProviderPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS, FailoverConfig{})
	rc := DefaultRecognitionConfig()

	if _, _, err := stt.StartSession(ctx, "session-1", rc); err != nil {
		t.Fatalf("StartSession() unexpected error = %v", err)
	}
	if _, _, err := stt.StartSession(ctx, "session-2", rc); err != nil {
		t.Fatalf("StartSession() on fallback unexpected error = %v", err)
	}
	if _, err := tts.StartStream(ctx, "x", "y", TTSSettings{}); err != nil {
		t.Fatalf("StartStream() unexpected error = %v", err)
	}

	if primarySTT.calls != 1 {
		t.Fatalf("primary STT calls = %d, want 1", primarySTT.calls)
	}
	if fallbackSTT.calls != 2 {
		t.Fatalf("fallback STT calls = %d, want 2", fallbackSTT.calls)
	}
	if primaryTTS.calls != 0 {
		t.Fatalf("primary TTS calls = %d, want 0 once fallback active", primaryTTS.calls)
	}
}

func TestFailoverProviderPairRetriesPrimaryAfterCooldown(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	primaryUp := false

	primarySTT := &stubSTTProvider{
		startSession: func(context.Context, string) (STTSession, <-chan STTEvent, error) {
			if !primaryUp {
				return nil, nil, errors.New("down")
			}
			return &stubSTTSession{}, make(chan STTEvent), nil
		},
	}
	fallbackSTT := &stubSTTProvider{
		startSession: func(context.Context, string) (STTSession, <-chan STTEvent, error) {
			return &stubSTTSession{}, make(chan STTEvent), nil
		},
	}
	stt, _ := NewFailoverProviderPair(primarySTT, nil, fallbackSTT, nil, FailoverConfig{
		Cooldown: time.Minute,
		Now:      func() time.Time { return now },
	})
	rc := DefaultRecognitionConfig()

	if _, _, err := stt.StartSession(ctx, "a", rc); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	primaryUp = true
	now = now.Add(30 * time.Second)
	if _, _, err := stt.StartSession(ctx, "b", rc); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if primarySTT.calls != 1 {
		t.Fatalf("primary STT calls within cooldown = %d, want 1", primarySTT.calls)
	}

	now = now.Add(31 * time.Second)
	if _, _, err := stt.StartSession(ctx, "c", rc); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if primarySTT.calls != 2 {
		t.Fatalf("primary STT calls after cooldown = %d, want 2", primarySTT.calls)
	}
	if fallbackSTT.calls != 2 {
		t.Fatalf("fallback STT calls = %d, want 2", fallbackSTT.calls)
	}
}

func TestFailoverProviderPairMapsFallbackVoiceAndModel(t *testing.T) {
	ctx := context.Background()

	var seenVoice, seenModel string
	primaryTTS := &stubTTSProvider{
		startStream: func(context.Context, string, string, TTSSettings) (TTSStream, error) {
			return nil, errors.New("quota exceeded")
		},
	}
	fallbackTTS := &stubTTSProvider{
		startStream: func(_ context.Context, voiceID, modelID string, _ TTSSettings) (TTSStream, error) {
			seenVoice = voiceID
			seenModel = modelID
			return &stubTTSStream{}, nil
		},
	}

	_, tts := NewFailoverProviderPair(nil, primaryTTS, nil, fallbackTTS, FailoverConfig{
		FallbackVoiceID: "cartesia-voice",
		FallbackModelID: "sonic-2",
	})

	if _, err := tts.StartStream(ctx, "eleven_voice", "eleven_model", TTSSettings{}); err != nil {
		t.Fatalf("StartStream() unexpected error = %v", err)
	}
	if seenVoice != "cartesia-voice" {
		t.Fatalf("fallback voice = %q, want %q", seenVoice, "cartesia-voice")
	}
	if seenModel != "sonic-2" {
		t.Fatalf("fallback model = %q, want %q", seenModel, "sonic-2")
	}
}

func TestFailoverProviderPairReturnsCombinedErrorWhenBothFail(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary down")
	fallbackErr := errors.New("fallback down")

	primarySTT := &stubSTTProvider{
		startSession: func(context.Context, string) (STTSession, <-chan STTEvent, error) {
			return nil, nil, primaryErr
		},
	}
	fallbackSTT := &stubSTTProvider{
		startSession: func(context.Context, string) (STTSession, <-chan STTEvent, error) {
			return nil, nil, fallbackErr
		},
	}
	primaryTTS := &stubTTSProvider{
		startStream: func(context.Context, string, string, TTSSettings) (TTSStream, error) {
			return nil, primaryErr
		},
	}
	fallbackTTS := &stubTTSProvider{
		startStream: func(context.Context, string, string, TTSSettings) (TTSStream, error) {
			return nil, fallbackErr
		},
	}

	stt, tts := NewFailoverProviderPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS, FailoverConfig{})
	_, _, err := stt.StartSession(ctx, "session-1", DefaultRecognitionConfig())
	if !errors.Is(err, fallbackErr) {
		t.Fatalf("StartSession() error = %v, want wrapped fallback error", err)
	}
	if _, err := tts.StartStream(ctx, "voice", "model", TTSSettings{}); err == nil {
		t.Fatalf("StartStream() expected error when both providers fail")
	}
}

type stubSTTProvider struct {
	calls        int
	startSession func(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error)
}

func (p *stubSTTProvider) StartSession(ctx context.Context, sessionID string, _ RecognitionConfig) (STTSession, <-chan STTEvent, error) {
	p.calls++
	return p.startSession(ctx, sessionID)
}

type stubTTSProvider struct {
	calls       int
	startStream func(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error)
}

func (p *stubTTSProvider) StartStream(
	ctx context.Context,
	voiceID, modelID string,
	settings TTSSettings,
) (TTSStream, error) {
	p.calls++
	return p.startStream(ctx, voiceID, modelID, settings)
}

type stubSTTSession struct{}

func (s *stubSTTSession) SendAudio(context.Context, []byte) error { return nil }
func (s *stubSTTSession) Finalize(context.Context) error          { return nil }
func (s *stubSTTSession) Close() error                            { return nil }

type stubTTSStream struct{}

func (s *stubTTSStream) SendText(context.Context, string, bool) error { return nil }
func (s *stubTTSStream) CloseInput(context.Context) error             { return nil }
func (s *stubTTSStream) Events() <-chan TTSEvent                      { return make(chan TTSEvent) }
func (s *stubTTSStream) Close() error                                 { return nil }

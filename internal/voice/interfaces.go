package voice

import (
	"context"
	"time"

	"github.com/ent0n29/voicegate/internal/audio"
)

// RecognitionConfig is the one-time handshake sent when a recognition
// stream opens.
type RecognitionConfig struct {
	Encoding               string
	SampleRate             int
	Channels               int
	Languages              []string
	TextNormalization      bool
	ProfanityFilter        bool
	EndOfUtteranceMaxPause time.Duration
}

func DefaultRecognitionConfig() RecognitionConfig {
	return RecognitionConfig{
		Encoding:               "LINEAR16_PCM",
		SampleRate:             audio.SampleRate,
		Channels:               audio.Channels,
		Languages:              []string{"ru-RU"},
		TextNormalization:      true,
		EndOfUtteranceMaxPause: 700 * time.Millisecond,
	}
}

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

type STTEvent struct {
	Type      STTEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
}

// STTSession is one open recognition stream. Providers close the event
// channel returned alongside it when the stream ends.
type STTSession interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Finalize(ctx context.Context) error
	Close() error
}

type STTProvider interface {
	StartSession(ctx context.Context, sessionID string, cfg RecognitionConfig) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

type TTSSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

type TTSStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error)
}

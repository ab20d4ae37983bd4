package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicegate/internal/audio"
)

const (
	defaultMockTranscript = "Hello, I would like to book a haircut for tomorrow."
	defaultSpeechRMS      = 500
	mockPartialEvery      = 4
	mockTTSChunkBytes     = 3200
	mockTTSMaxChunks      = 8
	mockTTSQueue          = 256
)

type MockConfig struct {
	// Transcript is returned for every detected utterance.
	Transcript string
	// SpeechRMS is the energy above which a chunk counts as speech.
	SpeechRMS float64
}

// MockProvider emulates both speech capabilities locally. Recognition uses an
// energy detector: once speech has been heard, accumulated silence longer
// than the handshake's end-of-utterance pause yields a final transcript.
// Synthesis returns a deterministic tone proportional to the text length.
type MockProvider struct {
	cfg MockConfig
}

func NewMockProvider(cfg MockConfig) *MockProvider {
	if strings.TrimSpace(cfg.Transcript) == "" {
		cfg.Transcript = defaultMockTranscript
	}
	if cfg.SpeechRMS <= 0 {
		cfg.SpeechRMS = defaultSpeechRMS
	}
	return &MockProvider{cfg: cfg}
}

func (p *MockProvider) StartSession(_ context.Context, _ string, rc RecognitionConfig) (STTSession, <-chan STTEvent, error) {
	pause := rc.EndOfUtteranceMaxPause
	if pause <= 0 {
		pause = DefaultRecognitionConfig().EndOfUtteranceMaxPause
	}
	s := &mockSTTSession{
		events:     make(chan STTEvent, 64),
		done:       make(chan struct{}),
		pause:      pause,
		threshold:  p.cfg.SpeechRMS,
		transcript: strings.Fields(p.cfg.Transcript),
	}
	return s, s.events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string, _ TTSSettings) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, mockTTSQueue)}, nil
}

type mockSTTSession struct {
	mu         sync.Mutex
	events     chan STTEvent
	done       chan struct{}
	closeOnce  sync.Once
	closed     bool
	pause      time.Duration
	threshold  float64
	transcript []string

	speaking bool
	voiced   int
	silence  time.Duration
}

func (s *mockSTTSession) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if audio.RMS(pcm) >= s.threshold {
		s.speaking = true
		s.silence = 0
		s.voiced++
		if s.voiced%mockPartialEvery == 0 {
			n := min(s.voiced/mockPartialEvery, len(s.transcript))
			s.emit(STTEvent{Type: STTEventPartial, Text: strings.Join(s.transcript[:n], " ")})
		}
		return nil
	}
	if !s.speaking {
		return nil
	}
	s.silence += audio.Duration(len(pcm))
	if s.silence >= s.pause {
		s.commit()
	}
	return nil
}

func (s *mockSTTSession) Finalize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.speaking {
		return nil
	}
	s.commit()
	return nil
}

func (s *mockSTTSession) commit() {
	s.emit(STTEvent{Type: STTEventFinal, Text: strings.Join(s.transcript, " ")})
	s.speaking = false
	s.voiced = 0
	s.silence = 0
}

func (s *mockSTTSession) emit(ev STTEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *mockSTTSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
	sent   int
}

func (s *mockTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	n := min(1+len(text)/24, mockTTSMaxChunks)
	for i := 0; i < n; i++ {
		select {
		case s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: audio.EncodeChunk(mockTone(s.sent)), Format: "pcm_16000"}:
			s.sent++
		default:
			return errors.New("mock tts queue full")
		}
	}
	return nil
}

func (s *mockTTSStream) CloseInput(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.events <- TTSEvent{Type: TTSEventFinal}:
		return nil
	default:
		return errors.New("mock tts queue full")
	}
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// mockTone renders 100ms of a 440Hz sine starting where chunk i-1 ended.
func mockTone(i int) []byte {
	samples := mockTTSChunkBytes / audio.BytesPerSample
	out := make([]byte, mockTTSChunkBytes)
	for n := 0; n < samples; n++ {
		t := float64(i*samples+n) / audio.SampleRate
		v := int16(6000 * math.Sin(2*math.Pi*440*t))
		binary.LittleEndian.PutUint16(out[n*2:], uint16(v))
	}
	return out
}

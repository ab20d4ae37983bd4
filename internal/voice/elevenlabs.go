package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey              string
	WSBaseURL           string
	STTModelID          string
	DefaultOutputFormat string
}

type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.DefaultOutputFormat) == "" {
		cfg.DefaultOutputFormat = "mp3_44100_128"
	}
	return &ElevenLabsProvider{cfg: cfg, dialer: websocket.DefaultDialer}
}

// StartSession opens a realtime transcription stream. The handshake travels
// as query parameters; VAD commits use the end-of-utterance pause.
func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string, rc RecognitionConfig) (STTSession, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	sampleRate := rc.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("audio_format", "pcm_"+strconv.Itoa(sampleRate))
	q.Set("commit_strategy", "vad")
	if lang := primaryLanguage(rc.Languages); lang != "" {
		q.Set("language_code", lang)
	}
	if rc.EndOfUtteranceMaxPause > 0 {
		q.Set("vad_silence_threshold_secs", strconv.FormatFloat(rc.EndOfUtteranceMaxPause.Seconds(), 'f', -1, 64))
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	s := &elevenSTTSession{conn: conn, events: make(chan STTEvent, 256), done: make(chan struct{}), sampleRate: sampleRate}
	go s.readLoop()
	return s, s.events, nil
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_multilingual_v2"
	}

	stability := clampFloat(settings.Stability, 0.42, 0, 1)
	similarity := clampFloat(settings.SimilarityBoost, 0.85, 0, 1)
	speed := clampFloat(settings.Speed, 1.0, 0.7, 1.2)

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", p.cfg.DefaultOutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenTTSStream{conn: conn, events: make(chan TTSEvent, 512), done: make(chan struct{}), format: p.cfg.DefaultOutputFormat}
	go s.readLoop()
	// The first message primes the stream and carries voice settings.
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        stability,
			"similarity_boost": similarity,
			"speed":            speed,
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	return s, nil
}

type elevenSTTSession struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan STTEvent
	done       chan struct{}
	sampleRate int
}

func (s *elevenSTTSession) SendAudio(_ context.Context, pcm []byte) error {
	return s.writeChunk(base64.StdEncoding.EncodeToString(pcm), false)
}

// Finalize commits whatever audio the server has buffered.
func (s *elevenSTTSession) Finalize(context.Context) error {
	return s.writeChunk("", true)
}

func (s *elevenSTTSession) writeChunk(audioBase64 string, commit bool) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": audioBase64,
		"commit":        commit,
		"sample_rate":   s.sampleRate,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

// readLoop is the only writer and closer of s.events.
func (s *elevenSTTSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		var ev STTEvent
		switch messageType {
		case "partial_transcript":
			ev = STTEvent{Type: STTEventPartial, Text: asString(raw["text"])}
		case "committed_transcript", "committed_transcript_with_timestamps":
			ev = STTEvent{Type: STTEventFinal, Text: asString(raw["text"])}
		case "", "session_started", "input_audio_chunk":
			continue
		default:
			ev = STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableStreamCode(messageType),
			}
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *elevenSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

type elevenTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
	done      chan struct{}
	format    string
}

func (s *elevenTTSStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	// The stream-input API expects every text message to end with a space.
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	})
}

func (s *elevenTTSStream) CloseInput(context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		var out []TTSEvent
		if chunk := asString(raw["audio"]); chunk != "" {
			out = append(out, TTSEvent{Type: TTSEventAudio, AudioBase64: chunk, Format: s.format})
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			out = append(out, TTSEvent{Type: TTSEventError, Code: code, Detail: errMsg, Retryable: reliability.IsRetryableStreamCode(code)})
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			out = append(out, TTSEvent{Type: TTSEventFinal})
		}
		for _, ev := range out {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// primaryLanguage turns "ru-RU" into the ISO-639-1 code "ru".
func primaryLanguage(languages []string) string {
	if len(languages) == 0 {
		return ""
	}
	lang := strings.TrimSpace(languages[0])
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}

func clampFloat(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

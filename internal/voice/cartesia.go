package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/reliability"
)

const (
	defaultCartesiaVersion = "2025-04-16"
	defaultCartesiaVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

type CartesiaConfig struct {
	APIKey     string
	WSBaseURL  string
	STTModel   string
	TTSModel   string
	Version    string
	SampleRate int
}

// CartesiaProvider speaks the Cartesia streaming STT and TTS websockets.
type CartesiaProvider struct {
	cfg    CartesiaConfig
	dialer *websocket.Dialer
}

func NewCartesiaProvider(cfg CartesiaConfig) *CartesiaProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.cartesia.ai"
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = "ink-whisper"
	}
	if strings.TrimSpace(cfg.TTSModel) == "" {
		cfg.TTSModel = "sonic-2"
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = defaultCartesiaVersion
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	return &CartesiaProvider{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (p *CartesiaProvider) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + path)
	if err != nil {
		return nil, err
	}
	q.Set("cartesia_version", p.cfg.Version)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", p.cfg.APIKey)
	headers.Set("Cartesia-Version", p.cfg.Version)

	conn, _, err := p.dialer.DialContext(ctx, u.String(), headers)
	return conn, err
}

func (p *CartesiaProvider) StartSession(ctx context.Context, _ string, rc RecognitionConfig) (STTSession, <-chan STTEvent, error) {
	sampleRate := rc.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	q := url.Values{}
	q.Set("model", p.cfg.STTModel)
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	if lang := primaryLanguage(rc.Languages); lang != "" {
		q.Set("language", lang)
	}
	if rc.EndOfUtteranceMaxPause > 0 {
		q.Set("max_silence_duration_secs", strconv.FormatFloat(rc.EndOfUtteranceMaxPause.Seconds(), 'f', -1, 64))
	}

	conn, err := p.dial(ctx, "/stt/websocket", q)
	if err != nil {
		return nil, nil, fmt.Errorf("dial cartesia stt websocket: %w", err)
	}
	s := &cartesiaSTTSession{conn: conn, events: make(chan STTEvent, 256), done: make(chan struct{})}
	go s.readLoop()
	return s, s.events, nil
}

type cartesiaSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan STTEvent
	done      chan struct{}
}

func (s *cartesiaSTTSession) SendAudio(_ context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *cartesiaSTTSession) Finalize(context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
}

type cartesiaSTTMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (s *cartesiaSTTSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cartesiaSTTMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		var ev STTEvent
		switch msg.Type {
		case "transcript":
			if msg.IsFinal {
				ev = STTEvent{Type: STTEventFinal, Text: msg.Text}
			} else {
				ev = STTEvent{Type: STTEventPartial, Text: msg.Text}
			}
		case "done":
			return
		case "error":
			code := msg.Code
			if code == "" {
				code = "error"
			}
			ev = STTEvent{Type: STTEventError, Code: code, Detail: msg.Error, Retryable: reliability.IsRetryableStreamCode(code)}
		default:
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *cartesiaSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
		s.writeMu.Unlock()
		retErr = s.conn.Close()
	})
	return retErr
}

func (p *CartesiaProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = defaultCartesiaVoiceID
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = p.cfg.TTSModel
	}
	conn, err := p.dial(ctx, "/tts/websocket", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("dial cartesia tts websocket: %w", err)
	}
	s := &cartesiaTTSStream{
		conn:   conn,
		events: make(chan TTSEvent, 512),
		done:   make(chan struct{}),
		base: cartesiaTTSRequest{
			ModelID:   modelID,
			Voice:     cartesiaVoice{Mode: "id", ID: voiceID},
			ContextID: uuid.NewString(),
			OutputFormat: cartesiaOutputFormat{
				Container:  "raw",
				Encoding:   "pcm_s16le",
				SampleRate: p.cfg.SampleRate,
			},
		},
		format: "pcm_" + strconv.Itoa(p.cfg.SampleRate),
	}
	if settings.Speed > 0 {
		s.base.GenerationConfig = &cartesiaGenerationConfig{Speed: clampFloat(settings.Speed, 1, 0.7, 1.5)}
	}
	go s.readLoop()
	return s, nil
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoice             `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	ContextID        string                    `json:"context_id"`
	Continue         bool                      `json:"continue"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaTTSMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

type cartesiaTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
	done      chan struct{}
	base      cartesiaTTSRequest
	format    string
}

func (s *cartesiaTTSStream) SendText(_ context.Context, text string, _ bool) error {
	req := s.base
	req.Transcript = text
	req.Continue = true
	return s.writeJSON(req)
}

// CloseInput sends an empty, non-continuing transcript which tells the
// server no more text follows for this context.
func (s *cartesiaTTSStream) CloseInput(context.Context) error {
	req := s.base
	req.Transcript = ""
	req.Continue = false
	return s.writeJSON(req)
}

func (s *cartesiaTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *cartesiaTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *cartesiaTTSStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *cartesiaTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cartesiaTTSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		var ev TTSEvent
		switch msg.Type {
		case "chunk":
			if msg.Data == "" {
				continue
			}
			ev = TTSEvent{Type: TTSEventAudio, AudioBase64: msg.Data, Format: s.format}
		case "done":
			ev = TTSEvent{Type: TTSEventFinal}
		case "error":
			code := strconv.Itoa(msg.StatusCode)
			ev = TTSEvent{
				Type:      TTSEventError,
				Code:      code,
				Detail:    msg.Error,
				Retryable: msg.StatusCode == 0 || reliability.IsRetryableHTTPStatus(msg.StatusCode),
			}
		default:
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

package httpapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/brain"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/history"
	"github.com/ent0n29/voicegate/internal/journal"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/voice"
)

type gateway struct {
	srv      *Server
	ts       *httptest.Server
	sessions *session.Registry
	history  history.Store
	journal  *journal.InMemoryStore
}

func newGateway(t *testing.T, stt voice.STTProvider) *gateway {
	t.Helper()
	mock := voice.NewMockProvider(voice.MockConfig{Transcript: "I want a haircut"})
	if stt == nil {
		stt = mock
	}
	metrics := observability.NewMetrics("test_httpapi_" + strings.NewReplacer("/", "_", "-", "_").Replace(t.Name()) + "_" + time.Now().Format("150405000000"))
	sessions := session.NewRegistry(time.Hour, nil)
	hist := history.NewMemoryStore(history.DefaultLimit)
	turns := journal.NewInMemoryStore()

	orch := voice.NewOrchestrator(voice.Dependencies{
		STT:       stt,
		TTS:       mock,
		Responder: brain.NewMockResponder(),
		History:   hist,
		Journal:   turns,
		Registry:  sessions,
		Metrics:   metrics,
	}, voice.OrchestratorConfig{
		MinUtteranceChunks: 5,
		FinalRefractory:    time.Nanosecond,
		SettleDelay:        1500 * time.Millisecond,
	}, nil)

	cfg := config.Config{Gateway: config.GatewayConfig{AudioChunksPerSecond: 1000, AudioBurst: 1000}}
	srv := New(cfg, sessions, orch, hist, turns, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &gateway{srv: srv, ts: ts, sessions: sessions, history: hist, journal: turns}
}

func (g *gateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/v1/voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write %T: %v", v, err)
	}
}

func readServer(t *testing.T, conn *websocket.Conn, timeout time.Duration) (any, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("parse server message %s: %v", data, err)
	}
	return msg, nil
}

// expectType skips stt_partial frames and returns the next other message.
func expectType(t *testing.T, conn *websocket.Conn, want protocol.MessageType) any {
	t.Helper()
	for {
		msg, err := readServer(t, conn, 3*time.Second)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		got := protocol.TypeOf(msg)
		if got == protocol.TypeSTTPartial && want != protocol.TypeSTTPartial {
			continue
		}
		if got != want {
			t.Fatalf("message = %s (%+v), want %s", got, msg, want)
		}
		return msg
	}
}

func tone(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

// speak streams n loud 4096-sample chunks followed by 900ms of silence.
func speak(t *testing.T, conn *websocket.Conn, n int) {
	t.Helper()
	loud := audio.EncodeChunk(tone(audio.DefaultChunkSamples))
	for i := 0; i < n; i++ {
		writeJSON(t, conn, protocol.NewAudioChunk(loud))
	}
	quiet := audio.EncodeChunk(make([]byte, audio.ChunkBytes(1600)))
	for i := 0; i < 9; i++ {
		writeJSON(t, conn, protocol.NewAudioChunk(quiet))
	}
}

func initSession(t *testing.T, conn *websocket.Conn, id string) string {
	t.Helper()
	writeJSON(t, conn, protocol.NewInit(id))
	msg := expectType(t, conn, protocol.TypeInitSuccess)
	ok := msg.(protocol.InitSuccess)
	if id != "" && ok.SessionID != id {
		t.Fatalf("init_success session = %q, want %q", ok.SessionID, id)
	}
	return ok.SessionID
}

func TestVoiceTurnEndToEnd(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t)
	id := initSession(t, conn, "e2e-1")

	speak(t, conn, 20)

	results, replies, ends := 0, 0, 0
	lastSeq := -1
	chunks := 0
	for ends == 0 {
		msg, err := readServer(t, conn, 3*time.Second)
		if err != nil {
			t.Fatalf("read during turn: %v", err)
		}
		switch m := msg.(type) {
		case protocol.STTPartial:
		case protocol.STTResult:
			results++
			if m.Text != "I want a haircut" {
				t.Fatalf("stt_result = %q", m.Text)
			}
		case protocol.GPTResponse:
			replies++
			if chunks > 0 {
				t.Fatalf("gpt_response arrived after tts_chunk")
			}
			if m.Text != "I heard you: I want a haircut" {
				t.Fatalf("gpt_response = %q", m.Text)
			}
		case protocol.TTSChunk:
			if m.Seq <= lastSeq {
				t.Fatalf("tts_chunk seq %d after %d", m.Seq, lastSeq)
			}
			lastSeq = m.Seq
			chunks++
		case protocol.TTSEnd:
			ends++
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}
	if results != 1 || replies != 1 || chunks == 0 {
		t.Fatalf("results=%d replies=%d chunks=%d", results, replies, chunks)
	}

	// Playback echo arriving during the settle window must not start a turn.
	speak(t, conn, 10)
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		msg, err := readServer(t, conn, time.Until(deadline))
		if err != nil {
			break
		}
		if _, ok := msg.(protocol.STTResult); ok {
			t.Fatalf("echo produced stt_result")
		}
	}

	res, err := http.Get(g.ts.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET session status = %d", res.StatusCode)
	}
	var body sessionResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if body.Turns != 1 || len(body.History) != 2 {
		t.Fatalf("session = %+v, want 1 turn and 2 history messages", body)
	}
	if body.History[0].Role != history.RoleUser || body.History[1].Role != history.RoleAssistant {
		t.Fatalf("history roles = %+v", body.History)
	}
}

func TestProtocolViolationsKeepConnectionOpen(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	writeJSON(t, conn, map[string]string{"type": "bogus"})
	writeJSON(t, conn, map[string]string{"type": "audio_chunk"})
	writeJSON(t, conn, protocol.NewAudioChunk(audio.EncodeChunk(tone(1600))))
	writeJSON(t, conn, protocol.NewAudioEnd())

	initSession(t, conn, "after-garbage")

	writeJSON(t, conn, protocol.NewAudioChunk("!!!not base64!!!"))
	writeJSON(t, conn, protocol.NewAudioChunk(audio.EncodeChunk([]byte{1, 2, 3})))

	// The read loop is still serving this connection.
	initSession(t, conn, "still-open")
	if _, err := g.sessions.Get("still-open"); err != nil {
		t.Fatalf("session missing after invalid audio: %v", err)
	}
}

type flakySTT struct {
	failures atomic.Int32
	next     voice.STTProvider
}

func (f *flakySTT) StartSession(ctx context.Context, id string, cfg voice.RecognitionConfig) (voice.STTSession, <-chan voice.STTEvent, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, nil, errors.New("dial refused")
	}
	return f.next.StartSession(ctx, id, cfg)
}

func TestInitFailureKeepsSessionForRetry(t *testing.T) {
	stt := &flakySTT{next: voice.NewMockProvider(voice.MockConfig{})}
	stt.failures.Store(1)
	g := newGateway(t, stt)
	conn := g.dial(t)

	writeJSON(t, conn, protocol.NewInit("retry-me"))
	msg := expectType(t, conn, protocol.TypeError)
	if code := msg.(protocol.ErrorEvent).Code; code != "stt_setup_failed" {
		t.Fatalf("error code = %q, want stt_setup_failed", code)
	}
	if _, err := g.sessions.Get("retry-me"); err != nil {
		t.Fatalf("session not kept after setup failure: %v", err)
	}

	initSession(t, conn, "retry-me")
	if n := g.sessions.ActiveCount(); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}
}

// dyingSTT hands out one stream that fails on its first audio chunk and
// refuses every later StartSession.
type dyingSTT struct {
	starts atomic.Int32
}

func (d *dyingSTT) StartSession(context.Context, string, voice.RecognitionConfig) (voice.STTSession, <-chan voice.STTEvent, error) {
	if d.starts.Add(1) > 1 {
		return nil, nil, errors.New("dial refused")
	}
	s := &dyingSession{events: make(chan voice.STTEvent, 1)}
	return s, s.events, nil
}

type dyingSession struct {
	once   sync.Once
	closed sync.Once
	events chan voice.STTEvent
}

func (s *dyingSession) SendAudio(context.Context, []byte) error {
	s.once.Do(func() {
		s.events <- voice.STTEvent{Type: voice.STTEventError, Code: "internal_error", Detail: "socket reset"}
	})
	return nil
}

func (s *dyingSession) Finalize(context.Context) error { return nil }

func (s *dyingSession) Close() error {
	s.closed.Do(func() { close(s.events) })
	return nil
}

func TestLostRecognitionClosesConnection(t *testing.T) {
	g := newGateway(t, &dyingSTT{})
	conn := g.dial(t)
	initSession(t, conn, "deaf")

	chunk := protocol.NewAudioChunk(audio.EncodeChunk(tone(1600)))
	writeJSON(t, conn, chunk)
	if code := expectType(t, conn, protocol.TypeError).(protocol.ErrorEvent).Code; code != "stt_stream_failed" {
		t.Fatalf("first error code = %q, want stt_stream_failed", code)
	}
	if code := expectType(t, conn, protocol.TypeError).(protocol.ErrorEvent).Code; code != "stt_setup_failed" {
		t.Fatalf("second error code = %q, want stt_setup_failed", code)
	}

	writeJSON(t, conn, chunk)
	assertClosed(t, conn)
	waitUntil(t, func() bool {
		_, err := g.sessions.Get("deaf")
		return errors.Is(err, session.ErrNotFound)
	})
}

func TestReinitReplacesSession(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t)
	initSession(t, conn, "first")
	initSession(t, conn, "second")

	if _, err := g.sessions.Get("first"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("first session still registered, err = %v", err)
	}
	if _, err := g.sessions.Get("second"); err != nil {
		t.Fatalf("second session missing: %v", err)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	g := newGateway(t, nil)
	first := g.dial(t)
	initSession(t, first, "shared")

	second := g.dial(t)
	writeJSON(t, second, protocol.NewInit("shared"))
	msg := expectType(t, second, protocol.TypeError)
	if code := msg.(protocol.ErrorEvent).Code; code != "session_in_use" {
		t.Fatalf("error code = %q, want session_in_use", code)
	}
}

func TestDisconnectReleasesSession(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t)
	initSession(t, conn, "bye")
	_ = g.history.Append(context.Background(), "bye", history.Message{Role: history.RoleUser, Text: "hi"})

	_ = conn.Close()
	waitUntil(t, func() bool {
		_, err := g.sessions.Get("bye")
		return errors.Is(err, session.ErrNotFound)
	})
	msgs, _ := g.history.Messages(context.Background(), "bye")
	if len(msgs) != 0 {
		t.Fatalf("history not cleared: %+v", msgs)
	}
}

func TestDeleteSessionClosesConnection(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t)
	initSession(t, conn, "kick")

	req, _ := http.NewRequest(http.MethodDelete, g.ts.URL+"/v1/sessions/kick", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", res.StatusCode)
	}
	assertClosed(t, conn)

	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want 404", res.StatusCode)
	}
}

func TestExpiredSessionClosesConnection(t *testing.T) {
	g := newGateway(t, nil)
	conn := g.dial(t)
	initSession(t, conn, "idle")

	expired := g.sessions.Sweep(time.Now().Add(2 * time.Hour))
	if len(expired) != 1 || expired[0].ID != "idle" {
		t.Fatalf("expired = %+v", expired)
	}
	assertClosed(t, conn)
}

func TestRESTRoutes(t *testing.T) {
	g := newGateway(t, nil)
	_ = g.journal.SaveTurn(context.Background(), journal.TurnRecord{ID: "t1", SessionID: "s1", Outcome: journal.OutcomeCompleted})

	cases := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/v1/voice/stats", http.StatusOK},
		{"/v1/status", http.StatusOK},
		{"/v1/sessions/missing", http.StatusNotFound},
		{"/v1/sessions/s1/turns", http.StatusOK},
		{"/v1/sessions/s1/turns?limit=zero", http.StatusBadRequest},
	}
	for _, tc := range cases {
		res, err := http.Get(g.ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s error = %v", tc.path, err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("GET %s status = %d, want %d", tc.path, res.StatusCode, tc.want)
		}
	}

	res, err := http.Get(g.ts.URL + "/v1/sessions/s1/turns?limit=5")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Turns []journal.TurnRecord `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode turns: %v", err)
	}
	if len(body.Turns) != 1 || body.Turns[0].ID != "t1" {
		t.Fatalf("turns = %+v", body.Turns)
	}
}

func TestStatusReportsFallbackBackends(t *testing.T) {
	cfg := config.Config{}
	cfg.Voice.Provider = "auto"
	cfg.Voice.CartesiaAPIKey = "secret"
	cfg.Brain.Provider = "mock"
	srv := New(cfg, session.NewRegistry(time.Hour, nil), nil, nil, nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET status error = %v", err)
	}
	defer res.Body.Close()
	var body statusResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	byID := map[string]statusCheck{}
	for _, c := range body.Checks {
		byID[c.ID] = c
	}
	if got := byID["voice_provider"]; got.Status != "ok" || got.Detail != "cartesia with mock failover" {
		t.Fatalf("voice check = %+v", got)
	}
	if got := byID["brain_provider"]; got.Status != "warn" {
		t.Fatalf("brain check = %+v", got)
	}
	if got := byID["turn_journal"]; got.Status != "warn" {
		t.Fatalf("journal check = %+v", got)
	}
	if strings.Contains(fmt.Sprint(body), "secret") {
		t.Fatalf("status leaked a secret: %+v", body)
	}

	ready, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET readyz error = %v", err)
	}
	ready.Body.Close()
	if ready.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz without orchestrator = %d, want 503", ready.StatusCode)
	}
}

func TestSessionRoutesWithoutRegistry(t *testing.T) {
	srv := New(config.Config{}, nil, nil, nil, nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req, _ := http.NewRequest(method, ts.URL+"/v1/sessions/anything", nil)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s session error = %v", method, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s session without registry = %d, want 503", method, res.StatusCode)
		}
	}
}

func TestCrossOriginUpgradeRejected(t *testing.T) {
	g := newGateway(t, nil)
	url := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/v1/voice/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("cross-origin dial succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin response = %+v, want 403", res)
	}
}

func assertClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := readServer(t, conn, time.Until(deadline)); err != nil {
			return
		}
	}
	t.Fatalf("connection still open")
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

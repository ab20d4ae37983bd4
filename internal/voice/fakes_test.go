package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicegate/internal/brain"
)

type fakeSTT struct {
	mu       sync.Mutex
	startErr error
	starts   int
	started  chan *fakeSTTSession
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{started: make(chan *fakeSTTSession, 8)}
}

func (p *fakeSTT) StartSession(_ context.Context, _ string, rc RecognitionConfig) (STTSession, <-chan STTEvent, error) {
	p.mu.Lock()
	p.starts++
	err := p.startErr
	p.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	s := &fakeSTTSession{events: make(chan STTEvent, 32), config: rc}
	p.started <- s
	return s, s.events, nil
}

func (p *fakeSTT) failStarts(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

func (p *fakeSTT) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *fakeSTT) session(t *testing.T) *fakeSTTSession {
	t.Helper()
	select {
	case s := <-p.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("recognition session was not started")
		return nil
	}
}

type fakeSTTSession struct {
	mu     sync.Mutex
	config RecognitionConfig
	ops    []string
	chunks [][]byte
	events chan STTEvent
	closed bool
}

func (s *fakeSTTSession) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), pcm...))
	s.ops = append(s.ops, "audio")
	return nil
}

func (s *fakeSTTSession) Finalize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "finalize")
	return nil
}

func (s *fakeSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSTTSession) emit(ev STTEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (s *fakeSTTSession) end() { _ = s.Close() }

func (s *fakeSTTSession) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func (s *fakeSTTSession) operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *fakeSTTSession) waitOps(t *testing.T, n int) {
	t.Helper()
	waitFor(t, func() bool { return len(s.operations()) >= n })
}

// fakeTTS replays a scripted event list on every stream. When gate is set,
// events are only released after it is closed.
type fakeTTS struct {
	startErr error
	script   []TTSEvent
	gate     chan struct{}

	mu    sync.Mutex
	texts []string
}

func (p *fakeTTS) StartStream(context.Context, string, string, TTSSettings) (TTSStream, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	return &fakeTTSStream{p: p, events: make(chan TTSEvent, len(p.script)+1), done: make(chan struct{})}, nil
}

type fakeTTSStream struct {
	p         *fakeTTS
	events    chan TTSEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *fakeTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.p.mu.Lock()
	s.p.texts = append(s.p.texts, text)
	s.p.mu.Unlock()
	return nil
}

func (s *fakeTTSStream) CloseInput(context.Context) error {
	go func() {
		if s.p.gate != nil {
			select {
			case <-s.p.gate:
			case <-s.done:
				return
			}
		}
		for _, ev := range s.p.script {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *fakeTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *fakeTTSStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func audioScript(n int) []TTSEvent {
	out := make([]TTSEvent, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, TTSEvent{Type: TTSEventAudio, AudioBase64: "AAAA", Format: "pcm_16000"})
	}
	return append(out, TTSEvent{Type: TTSEventFinal})
}

type gatedResponder struct {
	gate  chan struct{}
	reply string
	err   error
}

func (r *gatedResponder) Respond(ctx context.Context, req brain.Request) (string, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	if r.reply != "" {
		return r.reply, nil
	}
	return "reply to " + req.History[len(req.History)-1].Text, nil
}

var errUpstream = errors.New("upstream unavailable")

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pcmChunk(n int) []byte {
	return make([]byte, n*2)
}

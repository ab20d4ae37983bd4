package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/observability"
)

type RecognitionEventKind int

const (
	EventPartial RecognitionEventKind = iota
	EventFinal
	// EventEnded is delivered once when the provider stream stops; Err is
	// set when it stopped because of a transport failure.
	EventEnded
)

func (k RecognitionEventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type RecognitionEvent struct {
	Kind   RecognitionEventKind
	Text   string
	Chunks int
	Err    error
}

type RecognizerConfig struct {
	Recognition        RecognitionConfig
	FinalRefractory    time.Duration
	MinUtteranceChunks int
	// VoicedRMS is the energy a chunk needs to count toward
	// MinUtteranceChunks. Zero counts every chunk.
	VoicedRMS          float64
	QueueSize          int
	Now                func() time.Time
}

const (
	defaultFeedQueue       = 64
	defaultFinalRefractory = 200 * time.Millisecond
	defaultMinChunks       = 5
	chunkLogEvery          = 10
)

type feedItem struct {
	pcm      []byte
	finalize bool
}

// Recognizer owns one continuous recognition stream for a session. Audio is
// queued in a bounded FIFO and forwarded by a single writer goroutine, so the
// provider sees chunks in exactly the order Feed accepted them.
type Recognizer struct {
	sessionID string
	cfg       RecognizerConfig
	session   STTSession
	upstream  <-chan STTEvent
	logger    *zap.Logger
	metrics   *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	feed   chan feedItem
	events chan RecognitionEvent
	done   chan struct{}

	utteranceChunks atomic.Int64
	closeOnce       sync.Once
	closeErr        error
	wg              sync.WaitGroup

	// writer-owned
	totalChunks int64
	totalBytes  int64
	sendFailed  bool

	// reader-owned
	lastFinalAt time.Time
}

// StartRecognizer opens the provider stream with the handshake in cfg and
// starts forwarding.
func StartRecognizer(
	ctx context.Context,
	provider STTProvider,
	sessionID string,
	cfg RecognizerConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*Recognizer, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultFeedQueue
	}
	if cfg.FinalRefractory <= 0 {
		cfg.FinalRefractory = defaultFinalRefractory
	}
	if cfg.MinUtteranceChunks < 0 {
		cfg.MinUtteranceChunks = defaultMinChunks
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	session, upstream, err := provider.StartSession(ctx, sessionID, cfg.Recognition)
	if err != nil {
		metrics.ProviderError("stt", "start_failed")
		return nil, &TurnError{Class: ClassSetup, Op: opStartRecognition, Err: fmt.Errorf("%w: %w", ErrSetupFailed, err)}
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Recognizer{
		sessionID: sessionID,
		cfg:       cfg,
		session:   session,
		upstream:  upstream,
		logger:    logger.With(zap.String("component", "recognizer"), zap.String("session_id", sessionID)),
		metrics:   metrics,
		ctx:       rctx,
		cancel:    cancel,
		feed:      make(chan feedItem, cfg.QueueSize),
		events:    make(chan RecognitionEvent, 32),
		done:      make(chan struct{}),
	}
	r.wg.Add(2)
	go r.writeLoop()
	go r.readLoop()
	return r, nil
}

// Feed queues one PCM chunk. It blocks only while the queue is full.
func (r *Recognizer) Feed(ctx context.Context, pcm []byte) error {
	return r.enqueue(ctx, feedItem{pcm: pcm})
}

// Finalize asks the provider to close the current utterance once every chunk
// queued before it has been forwarded.
func (r *Recognizer) Finalize(ctx context.Context) error {
	return r.enqueue(ctx, feedItem{finalize: true})
}

func (r *Recognizer) enqueue(ctx context.Context, item feedItem) error {
	select {
	case <-r.done:
		return ErrRecognizerClosed
	default:
	}
	select {
	case r.feed <- item:
		return nil
	case <-r.done:
		return ErrRecognizerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is closed after the stream ends or the recognizer is closed.
func (r *Recognizer) Events() <-chan RecognitionEvent { return r.events }

// Close ends the provider stream and waits for both goroutines to exit.
func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.cancel()
		r.closeErr = r.session.Close()
		r.wg.Wait()
	})
	return r.closeErr
}

func (r *Recognizer) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case item := <-r.feed:
			r.forward(item)
		}
	}
}

func (r *Recognizer) forward(item feedItem) {
	if r.sendFailed {
		return
	}
	var err error
	if item.finalize {
		err = r.session.Finalize(r.ctx)
	} else {
		if r.cfg.VoicedRMS <= 0 || audio.RMS(item.pcm) >= r.cfg.VoicedRMS {
			r.utteranceChunks.Add(1)
		}
		r.totalChunks++
		r.totalBytes += int64(len(item.pcm))
		if r.totalChunks%chunkLogEvery == 0 {
			r.logger.Debug("audio forwarded",
				zap.Int64("chunks", r.totalChunks),
				zap.Int64("bytes", r.totalBytes))
		}
		err = r.session.SendAudio(r.ctx, item.pcm)
	}
	if err != nil && r.ctx.Err() == nil {
		r.sendFailed = true
		r.metrics.ProviderError("stt", "send_failed")
		r.logger.Warn("recognition send failed, dropping further audio", zap.Error(err))
	}
}

func (r *Recognizer) readLoop() {
	defer r.wg.Done()
	defer close(r.events)
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.upstream:
			if !ok {
				r.emit(RecognitionEvent{Kind: EventEnded})
				return
			}
			switch ev.Type {
			case STTEventPartial:
				if text := strings.TrimSpace(ev.Text); text != "" {
					r.emit(RecognitionEvent{Kind: EventPartial, Text: text})
				}
			case STTEventFinal:
				r.handleFinal(ev.Text)
			case STTEventError:
				r.metrics.ProviderError("stt", ev.Code)
				r.logger.Warn("recognition stream error",
					zap.String("code", ev.Code),
					zap.String("detail", ev.Detail))
				r.emit(RecognitionEvent{Kind: EventEnded, Err: &TurnError{
					Class: ClassTransport,
					Op:    opRecognitionStream,
					Err:   fmt.Errorf("%s: %s", ev.Code, ev.Detail),
				}})
				return
			}
		}
	}
}

// handleFinal applies the refractory window and the noise filter to a raw
// final transcript.
func (r *Recognizer) handleFinal(raw string) {
	now := r.cfg.Now()
	if !r.lastFinalAt.IsZero() && now.Sub(r.lastFinalAt) < r.cfg.FinalRefractory {
		r.metrics.Dropped("duplicate")
		r.logger.Debug("duplicate final suppressed", zap.String("text", raw))
		return
	}
	r.lastFinalAt = now

	chunks := int(r.utteranceChunks.Swap(0))
	text := strings.TrimSpace(raw)
	switch {
	case text == "":
		r.metrics.Dropped("empty")
		r.logger.Debug("empty final dropped", zap.Int("chunks", chunks))
		return
	case chunks < r.cfg.MinUtteranceChunks:
		r.metrics.Dropped("noise")
		r.logger.Debug("short utterance dropped", zap.Int("chunks", chunks), zap.String("text", text))
		return
	}
	r.emit(RecognitionEvent{Kind: EventFinal, Text: text, Chunks: chunks})
}

func (r *Recognizer) emit(ev RecognitionEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

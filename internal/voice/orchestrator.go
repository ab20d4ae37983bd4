package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/brain"
	"github.com/ent0n29/voicegate/internal/history"
	"github.com/ent0n29/voicegate/internal/journal"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/session"
)

type State string

const (
	StateListening    State = "listening"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
)

const (
	defaultSettleDelay = 500 * time.Millisecond
	journalSaveTimeout = 2 * time.Second

	// A recognition stream that dies is reopened; after this many
	// consecutive failed reopen attempts the conversation gives up.
	maxRecognitionRestarts = 3
	recognitionRetryDelay  = time.Second
)

type OrchestratorConfig struct {
	Recognition        RecognitionConfig
	FinalRefractory    time.Duration
	MinUtteranceChunks int
	VoicedRMS          float64
	FeedQueue          int
	SettleDelay        time.Duration
	Synthesis          SynthesisOptions

	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

type Dependencies struct {
	STT       STTProvider
	TTS       TTSProvider
	Responder brain.Responder
	History   history.Store
	Journal   journal.Store
	Registry  *session.Registry
	Metrics   *observability.Metrics
}

// Orchestrator holds the dependencies shared by every conversation.
type Orchestrator struct {
	deps   Dependencies
	cfg    OrchestratorConfig
	logger *zap.Logger
}

func NewOrchestrator(deps Dependencies, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.Recognition.SampleRate == 0 {
		cfg.Recognition = DefaultRecognitionConfig()
	}
	if deps.Responder == nil {
		deps.Responder = brain.NewMockResponder()
	}
	if deps.History == nil {
		deps.History = history.NewMemoryStore(history.DefaultLimit)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.With(zap.String("component", "orchestrator"))}
}

// Status is a point-in-time view of a conversation's state machine.
type Status struct {
	State          State `json:"state"`
	EchoSuppressed bool  `json:"echo_suppressed"`
	Turns          int   `json:"turns"`
}

type turn struct {
	id           string
	userText     string
	reply        string
	finalAt      time.Time
	generatedAt  time.Time
	firstAudioAt time.Time
	chunks       int
}

type generationResult struct {
	turn  *turn
	reply string
	err   error
}

type synthesisResult struct {
	turn *turn
	res  SynthesisResult
	err  error
}

// Conversation is the per-session turn state machine. A single actor
// goroutine owns State, EchoSuppressed and the in-flight turn; recognition
// events, turn results and the settle timer are all serialized through it.
type Conversation struct {
	id       string
	o        *Orchestrator
	outbound chan<- any
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	results chan any
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	// actor-owned
	state          State
	echoSuppressed bool
	current        *turn
	turnCancel     context.CancelFunc
	settle         <-chan time.Time
	turns          int
	events         <-chan RecognitionEvent
	restarts       int
	retry          <-chan time.Time

	recMu sync.Mutex
	rec   *Recognizer
	lost  bool

	mu     sync.Mutex
	status Status
}

func (o *Orchestrator) recognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		Recognition:        o.cfg.Recognition,
		FinalRefractory:    o.cfg.FinalRefractory,
		MinUtteranceChunks: o.cfg.MinUtteranceChunks,
		VoicedRMS:          o.cfg.VoicedRMS,
		QueueSize:          o.cfg.FeedQueue,
		Now:                o.cfg.Now,
	}
}

// Start opens the recognition stream for sessionID and starts its
// conversation actor. Server events are written to outbound.
func (o *Orchestrator) Start(ctx context.Context, sessionID string, outbound chan<- any) (*Conversation, error) {
	rec, err := StartRecognizer(ctx, o.deps.STT, sessionID, o.recognizerConfig(), o.logger, o.deps.Metrics)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Conversation{
		id:       sessionID,
		o:        o,
		rec:      rec,
		outbound: outbound,
		logger:   o.logger.With(zap.String("session_id", sessionID)),
		ctx:      cctx,
		cancel:   cancel,
		results:  make(chan any, 2),
		events:   rec.Events(),
		state:    StateListening,
		status:   Status{State: StateListening},
	}
	c.wg.Add(1)
	go c.run()
	o.deps.Metrics.Event("conversation_started")
	return c, nil
}

func (c *Conversation) SessionID() string { return c.id }

// Feed forwards one inbound PCM chunk to the recognition stream. Recognition
// keeps running while a reply is synthesized. Audio arriving while a failed
// stream is being reopened is dropped with ErrRecognizerClosed; once reopening
// is abandoned Feed returns ErrRecognitionLost.
func (c *Conversation) Feed(ctx context.Context, pcm []byte) error {
	return c.withRecognizer(func(r *Recognizer) error { return r.Feed(ctx, pcm) })
}

func (c *Conversation) Finalize(ctx context.Context) error {
	return c.withRecognizer(func(r *Recognizer) error { return r.Finalize(ctx) })
}

func (c *Conversation) withRecognizer(fn func(*Recognizer) error) error {
	c.recMu.Lock()
	rec, lost := c.rec, c.lost
	c.recMu.Unlock()
	if lost {
		return ErrRecognitionLost
	}
	err := fn(rec)
	if !errors.Is(err, ErrRecognizerClosed) {
		return err
	}
	// The stream may have been swapped while we were queueing.
	c.recMu.Lock()
	next, lost := c.rec, c.lost
	c.recMu.Unlock()
	switch {
	case lost:
		return ErrRecognitionLost
	case next != rec:
		return fn(next)
	}
	return err
}

func (c *Conversation) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close abandons any in-flight turn, ends the recognition stream and waits
// for every conversation goroutine. Nothing is written to outbound after
// Close returns.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.recMu.Lock()
		rec := c.rec
		c.recMu.Unlock()
		c.closeErr = rec.Close()
		c.o.deps.Metrics.Event("conversation_closed")
	})
	return c.closeErr
}

func (c *Conversation) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			if c.current != nil {
				c.finishTurn(journal.OutcomeCancelled)
			}
			return
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.handleRecognition(ev)
		case res := <-c.results:
			switch r := res.(type) {
			case generationResult:
				c.handleGeneration(r)
			case synthesisResult:
				c.handleSynthesis(r)
			}
		case <-c.settle:
			c.settle = nil
			c.setState(StateListening, false)
		case <-c.retry:
			c.retry = nil
			c.restartRecognition()
		}
	}
}

func (c *Conversation) handleRecognition(ev RecognitionEvent) {
	switch ev.Kind {
	case EventPartial:
		if c.echoSuppressed {
			return
		}
		c.send(protocol.NewSTTPartial(ev.Text))
	case EventFinal:
		c.handleFinal(ev)
	case EventEnded:
		if ev.Err != nil {
			c.logger.Warn("recognition stream ended", zap.Error(ev.Err))
			c.send(protocol.NewError(ErrorCode(ev.Err), UserMessage(ev.Err)))
		} else {
			c.logger.Info("recognition stream ended by provider")
		}
		c.restartRecognition()
	}
}

// restartRecognition replaces a failed recognition stream with a new one
// opened with the same handshake. Failed attempts are retried after
// recognitionRetryDelay until maxRecognitionRestarts is reached.
func (c *Conversation) restartRecognition() {
	c.recMu.Lock()
	old := c.rec
	c.recMu.Unlock()
	if err := old.Close(); err != nil {
		c.logger.Debug("failed recognition stream close", zap.Error(err))
	}
	c.events = nil

	rec, err := StartRecognizer(c.ctx, c.o.deps.STT, c.id, c.o.recognizerConfig(), c.o.logger, c.o.deps.Metrics)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.restarts++
		if c.restarts >= maxRecognitionRestarts {
			c.logger.Error("recognition stream lost", zap.Int("attempts", c.restarts), zap.Error(err))
			c.recMu.Lock()
			c.lost = true
			c.recMu.Unlock()
			c.o.deps.Metrics.Event("recognition_lost")
			c.send(protocol.NewError(ErrorCode(err), UserMessage(err)))
			return
		}
		c.logger.Warn("recognition restart failed", zap.Int("attempt", c.restarts), zap.Error(err))
		c.retry = c.o.cfg.After(recognitionRetryDelay)
		return
	}

	c.restarts = 0
	c.recMu.Lock()
	c.rec = rec
	c.recMu.Unlock()
	c.events = rec.Events()
	c.o.deps.Metrics.Event("recognition_restarted")
	c.logger.Info("recognition stream reopened")
}

func (c *Conversation) handleFinal(ev RecognitionEvent) {
	switch {
	case c.echoSuppressed:
		c.o.deps.Metrics.Dropped("echo")
		c.logger.Debug("final ignored during playback", zap.String("text", ev.Text))
		return
	case c.state != StateListening:
		c.o.deps.Metrics.Dropped("busy")
		c.logger.Debug("final ignored while generating", zap.String("text", ev.Text))
		return
	}

	t := &turn{id: uuid.NewString(), userText: ev.Text, finalAt: c.o.cfg.Now()}
	c.current = t
	c.turns++
	c.setState(StateGenerating, false)
	c.send(protocol.NewSTTResult(ev.Text))
	if c.o.deps.Registry != nil {
		_ = c.o.deps.Registry.MarkTurn(c.id)
	}
	c.o.deps.Metrics.Event("turn_started")

	turnCtx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.wg.Add(1)
	go c.generate(turnCtx, t)
}

// generate records the user message, asks the responder for a reply over the
// bounded history and records the reply on success.
func (c *Conversation) generate(ctx context.Context, t *turn) {
	defer c.wg.Done()
	reply, err := c.respond(ctx, t)
	c.post(generationResult{turn: t, reply: reply, err: err})
}

func (c *Conversation) respond(ctx context.Context, t *turn) (string, error) {
	store := c.o.deps.History
	if err := store.Append(ctx, c.id, history.Message{Role: history.RoleUser, Text: t.userText}); err != nil {
		return "", &TurnError{Class: ClassUpstream, Op: opGenerate, Err: err}
	}
	msgs, err := store.Messages(ctx, c.id)
	if err != nil {
		return "", &TurnError{Class: ClassUpstream, Op: opGenerate, Err: err}
	}
	req := brain.Request{SessionID: c.id, History: make([]brain.Message, 0, len(msgs))}
	for _, m := range msgs {
		req.History = append(req.History, brain.Message{Role: string(m.Role), Text: m.Text})
	}
	reply, err := c.o.deps.Responder.Respond(ctx, req)
	if err != nil {
		return "", &TurnError{Class: ClassUpstream, Op: opGenerate, Err: err}
	}
	if err := store.Append(ctx, c.id, history.Message{Role: history.RoleAssistant, Text: reply}); err != nil {
		return "", &TurnError{Class: ClassUpstream, Op: opGenerate, Err: err}
	}
	return reply, nil
}

func (c *Conversation) handleGeneration(r generationResult) {
	t := r.turn
	if t != c.current {
		return
	}
	t.generatedAt = c.o.cfg.Now()
	c.o.deps.Metrics.ObserveStage(observability.StageGeneration, t.generatedAt.Sub(t.finalAt))

	if r.err != nil {
		c.o.deps.Metrics.ProviderError("brain", ErrorCode(r.err))
		c.logger.Warn("reply generation failed", zap.String("turn_id", t.id), zap.Error(r.err))
		c.send(protocol.NewError(ErrorCode(r.err), UserMessage(r.err)))
		c.finishTurn(journal.OutcomeGenerationFailed)
		c.setState(StateListening, false)
		return
	}

	t.reply = r.reply
	c.send(protocol.NewGPTResponse(r.reply))
	c.setState(StateSynthesizing, true)

	turnCtx, cancel := context.WithCancel(c.ctx)
	c.turnCancel()
	c.turnCancel = cancel
	c.wg.Add(1)
	go c.synthesize(turnCtx, t)
}

func (c *Conversation) synthesize(ctx context.Context, t *turn) {
	defer c.wg.Done()
	res, err := Synthesize(ctx, c.o.deps.TTS, t.reply, c.o.cfg.Synthesis, func(chunk AudioChunk) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.send(protocol.NewTTSChunk(chunk.Data, chunk.Seq))
		return nil
	})
	c.post(synthesisResult{turn: t, res: res, err: err})
}

func (c *Conversation) handleSynthesis(r synthesisResult) {
	t := r.turn
	if t != c.current {
		return
	}
	t.chunks = r.res.Chunks
	t.firstAudioAt = r.res.FirstChunkAt
	if !t.firstAudioAt.IsZero() {
		c.o.deps.Metrics.ObserveStage(observability.StageFirstAudio, t.firstAudioAt.Sub(t.finalAt))
	}

	outcome := journal.OutcomeCompleted
	if r.err != nil {
		outcome = journal.OutcomeSynthesisFailed
		c.o.deps.Metrics.ProviderError("tts", ErrorCode(r.err))
		c.logger.Warn("synthesis failed", zap.String("turn_id", t.id), zap.Int("chunks", t.chunks), zap.Error(r.err))
		c.send(protocol.NewError(ErrorCode(r.err), UserMessage(r.err)))
	}
	c.send(protocol.NewTTSEnd())
	c.finishTurn(outcome)

	// Playback echo keeps arriving for a while after the last chunk; keep
	// suppressing until the settle delay has passed.
	c.settle = c.o.cfg.After(c.o.cfg.SettleDelay)
}

func (c *Conversation) finishTurn(outcome journal.Outcome) {
	t := c.current
	c.current = nil
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	if t == nil {
		return
	}
	now := c.o.cfg.Now()
	c.o.deps.Metrics.ObserveStage(observability.StageTotal, now.Sub(t.finalAt))
	c.o.deps.Metrics.Event("turn_" + string(outcome))

	record := journal.TurnRecord{
		ID:          t.id,
		SessionID:   c.id,
		Outcome:     outcome,
		UserChars:   len([]rune(t.userText)),
		ReplyChars:  len([]rune(t.reply)),
		AudioChunks: t.chunks,
		TotalMS:     now.Sub(t.finalAt).Milliseconds(),
		CreatedAt:   now.UTC(),
	}
	if !t.generatedAt.IsZero() {
		record.GenerationMS = t.generatedAt.Sub(t.finalAt).Milliseconds()
	}
	if !t.firstAudioAt.IsZero() {
		record.FirstAudioMS = t.firstAudioAt.Sub(t.finalAt).Milliseconds()
	}
	c.saveTurnBestEffort(record)
}

func (c *Conversation) saveTurnBestEffort(record journal.TurnRecord) {
	store := c.o.deps.Journal
	if store == nil {
		return
	}
	go func(r journal.TurnRecord) {
		saveCtx, cancel := context.WithTimeout(context.Background(), journalSaveTimeout)
		defer cancel()
		if err := store.SaveTurn(saveCtx, r); err != nil {
			c.o.deps.Metrics.Event("journal_save_failed")
			c.logger.Warn("journal save failed", zap.String("turn_id", r.ID), zap.Error(err))
		}
	}(record)
}

func (c *Conversation) setState(state State, echo bool) {
	if c.state != state {
		c.logger.Debug("state transition", zap.String("from", string(c.state)), zap.String("to", string(state)))
	}
	c.state = state
	c.echoSuppressed = echo
	c.mu.Lock()
	c.status = Status{State: state, EchoSuppressed: echo, Turns: c.turns}
	c.mu.Unlock()
}

func (c *Conversation) post(res any) {
	select {
	case c.results <- res:
	case <-c.ctx.Done():
	}
}

// send writes msg to the connection queue. Partial transcripts are dropped
// when the queue is full; everything else waits for room or cancellation.
func (c *Conversation) send(msg any) {
	if c.ctx.Err() != nil {
		return
	}
	msgType := string(protocol.TypeOf(msg))
	if _, partial := msg.(protocol.STTPartial); partial {
		select {
		case c.outbound <- msg:
		default:
			c.o.deps.Metrics.Event("outbound_drop")
			return
		}
	} else {
		select {
		case c.outbound <- msg:
		case <-c.ctx.Done():
			return
		}
	}
	c.o.deps.Metrics.Message("out", msgType)
}

// Package client is the caller side of the voice gateway: it keeps one
// session open, streams microphone PCM to it and reconnects with a fresh
// session when the transport drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/reliability"
)

const (
	DefaultReconnectBackoff = 3 * time.Second
	defaultInitTimeout      = 10 * time.Second
	defaultEventBuffer      = 256
	writeTimeout            = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("client: no active session")
	ErrClosed       = errors.New("client: closed")
)

type Config struct {
	// URL is the gateway websocket endpoint, e.g. ws://host:8080/v1/voice/ws.
	URL              string
	Header           http.Header
	ReconnectBackoff time.Duration
	InitTimeout      time.Duration
	ChunkSamples     int
	EventBuffer      int
	Dialer           *websocket.Dialer
	NewSessionID     func() string
	Logger           *zap.Logger
}

// Connected is delivered on Events each time a session is established.
type Connected struct {
	SessionID string
}

// Disconnected is delivered on Events when a session's transport is lost.
type Disconnected struct {
	SessionID string
	Err       error
}

// Client supervises one gateway session at a time. Events must be drained by
// the caller; the read loop blocks while the event buffer is full.
type Client struct {
	cfg    Config
	logger *zap.Logger
	events chan any

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	ready     chan struct{}
	closed    bool

	writeMu sync.Mutex
	chunker *audio.Chunker

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config) *Client {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = audio.DefaultChunkSamples
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = NewSessionID
	}
	return &Client{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).With(zap.String("component", "voice_client")),
		events:  make(chan any, cfg.EventBuffer),
		ready:   make(chan struct{}),
		chunker: audio.NewChunker(cfg.ChunkSamples),
	}
}

// NewSessionID returns an id of the form session_<unixms>_<8 hex chars>.
func NewSessionID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Events carries server messages (protocol values) interleaved with
// Connected and Disconnected notices. It is closed once the client stops.
func (c *Client) Events() <-chan any { return c.events }

// Start launches the connection supervisor. It returns immediately; use
// WaitReady to block until the first session is up.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()

	g.Go(func() error {
		defer close(c.events)
		return c.supervise(gctx)
	})
}

// Close stops reconnecting, closes the transport and waits for the
// supervisor to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel, g := c.cancel, c.group
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
	if g == nil {
		return nil
	}
	return g.Wait()
}

// SessionID returns the current session id, or "" while disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// WaitReady blocks until a session is established and returns its id.
func (c *Client) WaitReady(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return "", ErrClosed
		}
		id, ready := c.sessionID, c.ready
		c.mu.Unlock()
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ready:
		}
	}
}

func (c *Client) supervise(ctx context.Context) error {
	attempt := 0
	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		attempt++
		c.logger.Warn("voice session lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", c.cfg.ReconnectBackoff),
		)
		if err := reliability.Sleep(ctx, c.cfg.ReconnectBackoff); err != nil {
			return nil
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// runSession dials, initialises a fresh session and pumps server messages
// until the transport fails or ctx ends.
func (c *Client) runSession(ctx context.Context) error {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	id := c.cfg.NewSessionID()
	if err := c.handshake(conn, id); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = id
	close(c.ready)
	c.mu.Unlock()
	c.logger.Info("voice session ready", zap.String("session_id", id))
	c.emit(ctx, Connected{SessionID: id})

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	c.sessionID = ""
	c.ready = make(chan struct{})
	c.mu.Unlock()
	c.writeMu.Lock()
	c.chunker.Flush()
	c.writeMu.Unlock()

	c.emit(ctx, Disconnected{SessionID: id, Err: err})
	return err
}

func (c *Client) handshake(conn *websocket.Conn, id string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(protocol.NewInit(id)); err != nil {
		return fmt.Errorf("send init: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.InitTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await init_success: %w", err)
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.logger.Debug("ignoring server message during init", zap.Error(err))
			continue
		}
		switch m := msg.(type) {
		case protocol.InitSuccess:
			if m.SessionID != id {
				return fmt.Errorf("init_success for %q, want %q", m.SessionID, id)
			}
			return nil
		case protocol.ErrorEvent:
			return fmt.Errorf("init rejected: %s (%s)", m.Message, m.Code)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.logger.Debug("ignoring server message", zap.Error(err))
			continue
		}
		if !c.emit(ctx, msg) {
			return ctx.Err()
		}
	}
}

func (c *Client) emit(ctx context.Context, ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// SendAudio streams PCM16 mono 16 kHz audio. Input is cut into fixed-size
// chunks; a trailing partial chunk is held until more audio or EndUtterance.
func (c *Client) SendAudio(pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn, err := c.currentConn()
	if err != nil {
		return err
	}
	for _, chunk := range c.chunker.Write(pcm) {
		if err := writeJSON(conn, protocol.NewAudioChunk(audio.EncodeChunk(chunk))); err != nil {
			return err
		}
	}
	return nil
}

// EndUtterance flushes buffered audio and sends audio_end.
func (c *Client) EndUtterance() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn, err := c.currentConn()
	if err != nil {
		return err
	}
	if rest := c.chunker.Flush(); len(rest) > 0 {
		if err := writeJSON(conn, protocol.NewAudioChunk(audio.EncodeChunk(rest))); err != nil {
			return err
		}
	}
	return writeJSON(conn, protocol.NewAudioEnd())
}

func (c *Client) currentConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/voice"
)

const (
	outboundQueue = 256
	readLimit     = 2 << 20
	readTimeout   = 120 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	storeTimeout  = 2 * time.Second
)

// wsConn is one client connection. Only the read loop goroutine touches conv
// and sessionID; the writer goroutine owns the socket for writes.
type wsConn struct {
	s        *Server
	conn     *websocket.Conn
	base     *zap.Logger
	logger   *zap.Logger
	outbound chan any
	limiter  *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	sessionID string
	conv      *voice.Conversation
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil || s.sessions == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	logger := s.logger.With(zap.String("remote", r.RemoteAddr))
	c := &wsConn{
		s:        s,
		conn:     conn,
		base:     logger,
		logger:   logger,
		outbound: make(chan any, outboundQueue),
		limiter:  newAudioLimiter(s.cfg.Gateway.AudioChunksPerSecond, s.cfg.Gateway.AudioBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.metrics.Event("ws_connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	// Disconnect releases the recognition stream synchronously.
	c.endSession()
	c.shutdown()
	<-writerDone
	s.metrics.Event("ws_disconnected")
}

func newAudioLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.shutdown()
				return
			}
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.s.metrics.Event("ws_write_error")
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.logger.Warn("ignoring invalid client message", zap.Error(err))
			c.s.metrics.Event("protocol_violation")
			continue
		}
		c.s.metrics.Message("in", string(protocol.TypeOf(parsed)))

		switch m := parsed.(type) {
		case protocol.Init:
			c.handleInit(m)
		case protocol.AudioChunk:
			c.handleAudio(m)
		case protocol.AudioEnd:
			c.handleAudioEnd()
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *wsConn) handleInit(m protocol.Init) {
	// A live conversation or a different id replaces the current session. A
	// retry with the same id after a failed setup reuses the registered one.
	if c.sessionID != "" && (c.conv != nil || c.sessionID != m.SessionID) {
		c.endSession()
	}

	var (
		sess session.Session
		err  error
	)
	if c.sessionID != "" {
		sess, err = c.s.sessions.Get(c.sessionID)
	} else {
		sess, err = c.s.sessions.Create(m.SessionID)
	}
	if err != nil {
		code := "internal_error"
		msg := "Could not create the session."
		if errors.Is(err, session.ErrDuplicate) {
			code = "session_in_use"
			msg = "This session is already connected."
		}
		c.logger.Warn("init rejected", zap.String("session_id", m.SessionID), zap.Error(err))
		c.send(protocol.NewError(code, msg))
		return
	}
	if c.sessionID == "" {
		c.sessionID = sess.ID
		c.logger = c.base.With(zap.String("session_id", sess.ID))
		c.s.bind(sess.ID, c)
		c.s.metrics.Event("session_created")
		c.s.updateActiveSessions()
	}

	conv, err := c.s.orchestrator.Start(c.ctx, sess.ID, c.outbound)
	if err != nil {
		c.logger.Error("recognition setup failed", zap.Error(err))
		c.s.metrics.Event("init_failed")
		c.send(protocol.NewError(voice.ErrorCode(err), voice.UserMessage(err)))
		return
	}
	c.conv = conv
	c.send(protocol.NewInitSuccess(sess.ID))
	c.logger.Info("session initialised")
}

func (c *wsConn) handleAudio(m protocol.AudioChunk) {
	if !c.limiter.Allow() {
		c.s.metrics.Event("audio_rate_limited")
		return
	}
	if c.conv == nil {
		c.logger.Warn("audio chunk before init, dropping")
		c.s.metrics.Event("audio_without_session")
		return
	}
	pcm, err := audio.DecodeChunk(m.Data)
	if err != nil {
		c.logger.Warn("ignoring invalid audio chunk", zap.Error(err))
		c.s.metrics.Event("protocol_violation")
		return
	}
	_ = c.s.sessions.Touch(c.sessionID)
	c.checkFeed("audio feed failed", c.conv.Feed(c.ctx, pcm))
}

func (c *wsConn) handleAudioEnd() {
	if c.conv == nil {
		return
	}
	c.checkFeed("finalize failed", c.conv.Finalize(c.ctx))
}

// checkFeed drops the connection once recognition cannot be reopened, so the
// client reconnects with a fresh session.
func (c *wsConn) checkFeed(msg string, err error) {
	switch {
	case err == nil || c.ctx.Err() != nil:
	case errors.Is(err, voice.ErrRecognitionLost):
		c.logger.Warn("recognition lost, closing connection")
		c.s.metrics.Event("recognition_lost_disconnect")
		c.shutdown()
	case errors.Is(err, voice.ErrRecognizerClosed):
		c.logger.Debug(msg, zap.Error(err))
	default:
		c.logger.Warn(msg, zap.Error(err))
	}
}

// send queues a gateway-originated message, giving up when the connection is
// going away.
func (c *wsConn) send(msg any) {
	select {
	case c.outbound <- msg:
		c.s.metrics.Message("out", string(protocol.TypeOf(msg)))
	case <-c.ctx.Done():
	}
}

// endSession closes the conversation and forgets the session. Called from
// the read loop only.
func (c *wsConn) endSession() {
	if c.conv != nil {
		if err := c.conv.Close(); err != nil {
			c.logger.Debug("conversation close", zap.Error(err))
		}
		c.conv = nil
	}
	if c.sessionID == "" {
		return
	}
	if _, err := c.s.sessions.End(c.sessionID); err == nil {
		c.s.metrics.Event("session_ended")
	}
	c.s.clearHistory(c.sessionID)
	c.s.unbind(c.sessionID, c)
	c.s.updateActiveSessions()
	c.sessionID = ""
	c.logger = c.base
}

// shutdown stops the writer and unblocks the read loop. Safe from any goroutine.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/history"
	"github.com/ent0n29/voicegate/internal/journal"
	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/voice"
)

type Server struct {
	cfg          config.Config
	sessions     *session.Registry
	orchestrator *voice.Orchestrator
	history      history.Store
	journal      journal.Store
	metrics      *observability.Metrics
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn
}

func New(
	cfg config.Config,
	sessions *session.Registry,
	orchestrator *voice.Orchestrator,
	historyStore history.Store,
	journalStore journal.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		history:      historyStore,
		journal:      journalStore,
		metrics:      metrics,
		logger:       logging.OrNop(logger),
		conns:        make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if sessions != nil {
		sessions.SetExpireHook(func(sess session.Session) {
			s.logger.Info("session expired", zap.String("session_id", sess.ID))
			s.metrics.Event("session_expired")
			s.disconnect(sess.ID)
		})
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/voice/stats", s.handleVoiceStats)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/turns", s.handleListTurns)
	r.Delete("/v1/sessions/{id}", s.handleEndSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil || s.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "voice pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

// bind records c as the connection owning sessionID.
func (s *Server) bind(sessionID string, c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sessionID] = c
}

func (s *Server) unbind(sessionID string, c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[sessionID] == c {
		delete(s.conns, sessionID)
	}
}

// disconnect closes the connection owning sessionID, if any. The connection's
// own teardown releases the conversation and the session record.
func (s *Server) disconnect(sessionID string) bool {
	s.mu.Lock()
	c := s.conns[sessionID]
	s.mu.Unlock()
	if c == nil {
		return false
	}
	c.shutdown()
	return true
}

// CloseConnections drops every live websocket. http.Server.Shutdown does not
// track hijacked connections.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

func (s *Server) updateActiveSessions() {
	if s.metrics == nil || s.sessions == nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// clearHistory drops the stored messages of a finished session.
func (s *Server) clearHistory(sessionID string) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.history.Clear(ctx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("history clear failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

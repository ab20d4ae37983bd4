package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/history"
	"github.com/ent0n29/voicegate/internal/journal"
	"github.com/ent0n29/voicegate/internal/session"
)

const (
	defaultTurnsLimit = 20
	maxTurnsLimit     = 200
)

type sessionResponse struct {
	session.Session
	History []history.Message `json:"history"`
}

// requireSessions answers 503 when the server runs without a session registry.
func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "session registry not configured")
		return false
	}
	return true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	msgs := []history.Message{}
	if s.history != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		stored, err := s.history.Messages(ctx, id)
		if err != nil {
			s.logger.Warn("history read failed", zap.String("session_id", id), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "history_unavailable", "could not read history")
			return
		}
		if stored != nil {
			msgs = stored
		}
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess, History: msgs})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	limit := defaultTurnsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTurnsLimit)
	}
	if s.journal == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": []journal.TurnRecord{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	turns, err := s.journal.RecentTurns(ctx, id, limit)
	if err != nil {
		s.logger.Warn("journal read failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "journal_unavailable", "could not read turns")
		return
	}
	if turns == nil {
		turns = []journal.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

// handleEndSession ends a session. A connected session is ended by closing its
// connection, whose teardown releases the streams and the record.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	if !s.disconnect(id) {
		if _, err := s.sessions.End(id); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		s.clearHistory(id)
		s.updateActiveSessions()
		s.metrics.Event("session_ended")
	}
	sess.Status = session.StatusEnded
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleVoiceStats(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.sessions != nil {
		active = s.sessions.ActiveCount()
	}
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"active_sessions": active,
			"window_size":     0,
			"stages":          []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": active,
		"latency":         s.metrics.Window.Snapshot(),
	})
}

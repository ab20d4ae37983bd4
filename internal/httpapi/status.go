package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	VoiceProvider  string        `json:"voice_provider"`
	BrainProvider  string        `json:"brain_provider"`
	HistoryBackend string        `json:"history_backend"`
	JournalBackend string        `json:"journal_backend"`
	ActiveSessions int           `json:"active_sessions"`
	Checks         []statusCheck `json:"checks"`
}

// handleStatus reports how the gateway is wired and what is missing for a
// production setup. It never exposes secrets, only whether they are set.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	voiceProvider := strings.ToLower(strings.TrimSpace(s.cfg.Voice.Provider))
	if voiceProvider == "" {
		voiceProvider = "auto"
	}
	brainProvider := strings.ToLower(strings.TrimSpace(s.cfg.Brain.Provider))
	if brainProvider == "" {
		brainProvider = "auto"
	}
	historyBackend := strings.ToLower(strings.TrimSpace(s.cfg.History.Backend))
	if historyBackend == "" {
		historyBackend = "memory"
	}
	journalBackend := "in-memory"
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		journalBackend = "postgres"
	}

	checks := make([]statusCheck, 0, 8)
	checks = append(checks, s.voiceChecks(voiceProvider)...)
	checks = append(checks, s.brainChecks(brainProvider)...)

	if historyBackend == "redis" {
		checks = append(checks, statusCheck{ID: "history_store", Status: "ok", Label: "Conversation history", Detail: "redis"})
	} else {
		checks = append(checks, statusCheck{
			ID:     "history_store",
			Status: "ok",
			Label:  "Conversation history",
			Detail: "in-memory",
		})
	}
	if journalBackend == "postgres" {
		checks = append(checks, statusCheck{ID: "turn_journal", Status: "ok", Label: "Turn journal", Detail: "postgres"})
	} else {
		checks = append(checks, statusCheck{
			ID:     "turn_journal",
			Status: "warn",
			Label:  "Turn journal",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep turn records across restarts.",
		})
	}

	active := 0
	if s.sessions != nil {
		active = s.sessions.ActiveCount()
	}
	respondJSON(w, http.StatusOK, statusResponse{
		VoiceProvider:  voiceProvider,
		BrainProvider:  brainProvider,
		HistoryBackend: historyBackend,
		JournalBackend: journalBackend,
		ActiveSessions: active,
		Checks:         checks,
	})
}

func (s *Server) voiceChecks(provider string) []statusCheck {
	elevenlabs := strings.TrimSpace(s.cfg.Voice.ElevenLabsAPIKey) != ""
	cartesia := strings.TrimSpace(s.cfg.Voice.CartesiaAPIKey) != ""

	switch provider {
	case "mock":
		return []statusCheck{{
			ID:     "voice_provider",
			Status: "warn",
			Label:  "Voice backend is mock",
			Detail: "Recognition returns a fixed transcript and synthesis a test tone.",
			Fix:    "Set ELEVENLABS_API_KEY or CARTESIA_API_KEY and VOICE_PROVIDER=auto.",
		}}
	case "elevenlabs", "cartesia":
		return []statusCheck{{ID: "voice_provider", Status: "ok", Label: "Voice backend", Detail: provider}}
	}

	switch {
	case elevenlabs && cartesia:
		return []statusCheck{{ID: "voice_provider", Status: "ok", Label: "Voice backend", Detail: "elevenlabs with cartesia failover"}}
	case elevenlabs:
		return []statusCheck{{ID: "voice_provider", Status: "ok", Label: "Voice backend", Detail: "elevenlabs with mock failover"}}
	case cartesia:
		return []statusCheck{{ID: "voice_provider", Status: "ok", Label: "Voice backend", Detail: "cartesia with mock failover"}}
	default:
		return []statusCheck{{
			ID:     "voice_provider",
			Status: "warn",
			Label:  "Voice backend",
			Detail: "no provider key set, using mock",
			Fix:    "Set ELEVENLABS_API_KEY or CARTESIA_API_KEY.",
		}}
	}
}

func (s *Server) brainChecks(provider string) []statusCheck {
	httpURL := strings.TrimSpace(s.cfg.Brain.HTTPURL)
	gemini := strings.TrimSpace(s.cfg.Brain.GeminiAPIKey) != ""
	creds := strings.TrimSpace(s.cfg.Credentials.Token) != "" || strings.TrimSpace(s.cfg.Credentials.KeyFile) != ""

	var checks []statusCheck
	switch {
	case provider == "mock":
		checks = append(checks, statusCheck{
			ID:     "brain_provider",
			Status: "warn",
			Label:  "Reply generator is mock",
			Detail: "Replies echo the user transcript.",
			Fix:    "Set BRAIN_HTTP_URL or GEMINI_API_KEY.",
		})
	case provider == "http" || (provider == "auto" && httpURL != ""):
		checks = append(checks, statusCheck{ID: "brain_provider", Status: "ok", Label: "Reply generator", Detail: "http " + httpURL})
		if !creds {
			checks = append(checks, statusCheck{
				ID:     "brain_credentials",
				Status: "warn",
				Label:  "Reply generator credentials",
				Detail: "no token configured",
				Fix:    "Set CREDENTIALS_TOKEN or CREDENTIALS_KEY_FILE if the endpoint requires auth.",
			})
		}
	case provider == "gemini" || (provider == "auto" && gemini):
		checks = append(checks, statusCheck{ID: "brain_provider", Status: "ok", Label: "Reply generator", Detail: "gemini " + s.cfg.Brain.GeminiModel})
	default:
		checks = append(checks, statusCheck{
			ID:     "brain_provider",
			Status: "warn",
			Label:  "Reply generator",
			Detail: "no endpoint configured, using mock",
			Fix:    "Set BRAIN_HTTP_URL or GEMINI_API_KEY.",
		})
	}
	return checks
}

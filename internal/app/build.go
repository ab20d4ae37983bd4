package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/brain"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/credentials"
	"github.com/ent0n29/voicegate/internal/history"
	"github.com/ent0n29/voicegate/internal/httpapi"
	"github.com/ent0n29/voicegate/internal/journal"
	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
	VoiceID  string
	ModelID  string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Registry
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Voice        VoiceInfo

	// Cleanup should be called on shutdown to release external resources (Redis, Postgres).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		return nil, err
	}

	tokens, err := tokenSource(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("credentials init failed: %w", err)
	}
	responder, err := brain.NewResponder(ctx, brain.Config{
		Provider:     cfg.Brain.Provider,
		HTTPURL:      cfg.Brain.HTTPURL,
		Model:        cfg.Brain.Model,
		SystemPrompt: cfg.Brain.SystemPrompt,
		Temperature:  cfg.Brain.Temperature,
		MaxTokens:    cfg.Brain.MaxTokens,
		Timeout:      cfg.Brain.Timeout,
		GeminiAPIKey: cfg.Brain.GeminiAPIKey,
		GeminiModel:  cfg.Brain.GeminiModel,
		Tokens:       tokens,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("brain init failed: %w", err)
	}

	historyStore, closeHistory, err := history.NewStore(ctx, cfg.History.Backend, cfg.History.RedisURL, cfg.History.MaxMessages, cfg.Session.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	journalStore, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = closeHistory()
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}

	sessions := session.NewRegistry(cfg.Session.IdleTimeout, nil)

	recognition := voice.DefaultRecognitionConfig()
	if lang := strings.TrimSpace(cfg.STT.Language); lang != "" {
		recognition.Languages = []string{lang}
	}
	recognition.TextNormalization = cfg.STT.TextNormalization
	recognition.ProfanityFilter = cfg.STT.ProfanityFilter
	if cfg.STT.EOUMaxPause > 0 {
		recognition.EndOfUtteranceMaxPause = cfg.STT.EOUMaxPause
	}

	orchestrator := voice.NewOrchestrator(voice.Dependencies{
		STT:       voiceSetup.sttProvider,
		TTS:       voiceSetup.ttsProvider,
		Responder: responder,
		History:   historyStore,
		Journal:   journalStore,
		Registry:  sessions,
		Metrics:   metrics,
	}, voice.OrchestratorConfig{
		Recognition:        recognition,
		FinalRefractory:    cfg.STT.FinalRefractory,
		MinUtteranceChunks: cfg.STT.MinUtteranceChunks,
		VoicedRMS:          cfg.STT.VoicedRMS,
		FeedQueue:          cfg.STT.FeedQueue,
		SettleDelay:        cfg.TTS.SettleDelay,
		Synthesis: voice.SynthesisOptions{
			VoiceID: voiceSetup.voiceID,
			ModelID: voiceSetup.modelID,
		},
	}, logger)

	cfg.Voice.Provider = voiceSetup.resolvedProvider
	api := httpapi.New(cfg, sessions, orchestrator, historyStore, journalStore, metrics, logger)

	cleanup := func() error {
		return errors.Join(journalStore.Close(), closeHistory())
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
			VoiceID:  voiceSetup.voiceID,
			ModelID:  voiceSetup.modelID,
		},
		Cleanup: cleanup,
	}, nil
}

// tokenSource returns the bearer source for the reply endpoint: a service
// account exchange when a key file is configured, else a static token, else nil.
func tokenSource(cfg config.CredentialsConfig) (credentials.TokenSource, error) {
	if path := strings.TrimSpace(cfg.KeyFile); path != "" {
		key, err := credentials.LoadServiceAccountKey(path)
		if err != nil {
			return nil, err
		}
		src, err := credentials.NewServiceAccountSource(credentials.ServiceAccountConfig{
			Key:         key,
			ExchangeURL: cfg.ExchangeURL,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return credentials.StaticToken(token), nil
	}
	return nil, nil
}

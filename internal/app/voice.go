package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	voiceID          string
	modelID          string
	detail           string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.Voice.Provider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.Voice.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:              cfg.Voice.ElevenLabsAPIKey,
			WSBaseURL:           cfg.Voice.ElevenLabsWSBaseURL,
			STTModelID:          cfg.Voice.ElevenLabsSTTModel,
			DefaultOutputFormat: cfg.TTS.OutputFormat,
		})
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "elevenlabs",
			voiceID:          cfg.TTS.VoiceID,
			modelID:          cfg.Voice.ElevenLabsTTSModel,
			detail:           "elevenlabs realtime",
		}, true
	}

	tryCartesia := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.Voice.CartesiaAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewCartesiaProvider(voice.CartesiaConfig{
			APIKey:    cfg.Voice.CartesiaAPIKey,
			WSBaseURL: cfg.Voice.CartesiaWSBaseURL,
			STTModel:  cfg.Voice.CartesiaSTTModel,
			TTSModel:  cfg.Voice.CartesiaTTSModel,
			Version:   cfg.Voice.CartesiaVersion,
		})
		voiceID := strings.TrimSpace(cfg.Voice.CartesiaVoiceID)
		if voiceID == "" {
			voiceID = cfg.TTS.VoiceID
		}
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "cartesia",
			voiceID:          voiceID,
			modelID:          cfg.Voice.CartesiaTTSModel,
			detail:           "cartesia",
		}, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider(voice.MockConfig{})
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "cartesia":
		if setup, ok := tryCartesia(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=cartesia but CARTESIA_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		eleven, hasEleven := tryElevenLabs()
		cartesia, hasCartesia := tryCartesia()
		switch {
		case hasEleven && hasCartesia:
			return withFailover(eleven, cartesia, "elevenlabs realtime (automatic cartesia fallback)"), nil
		case hasEleven:
			return withFailover(eleven, mock(""), "elevenlabs realtime (automatic mock fallback)"), nil
		case hasCartesia:
			return withFailover(cartesia, mock(""), "cartesia (automatic mock fallback)"), nil
		default:
			return mock("mock (no elevenlabs or cartesia key)"), nil
		}
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|cartesia|mock)", cfg.Voice.Provider)
	}
}

func withFailover(primary, fallback voiceSetup, detail string) voiceSetup {
	stt, tts := voice.NewFailoverProviderPair(
		primary.sttProvider,
		primary.ttsProvider,
		fallback.sttProvider,
		fallback.ttsProvider,
		voice.FailoverConfig{
			FallbackVoiceID: fallback.voiceID,
			FallbackModelID: fallback.modelID,
		},
	)
	return voiceSetup{
		sttProvider:      stt,
		ttsProvider:      tts,
		resolvedProvider: primary.resolvedProvider,
		voiceID:          primary.voiceID,
		modelID:          primary.modelID,
		detail:           detail,
	}
}

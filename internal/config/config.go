package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice gateway.
//
// Precedence: built-in defaults, then the optional YAML file named by
// APP_CONFIG_FILE, then environment variables.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	Log         LogConfig         `yaml:"log"`
	Session     SessionConfig     `yaml:"session"`
	STT         STTConfig         `yaml:"stt"`
	TTS         TTSConfig         `yaml:"tts"`
	History     HistoryConfig     `yaml:"history"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Voice       VoiceConfig       `yaml:"voice"`
	Brain       BrainConfig       `yaml:"brain"`
	Credentials CredentialsConfig `yaml:"credentials"`

	DatabaseURL string `yaml:"database_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// STTConfig holds the recognition handshake and the utterance heuristics.
type STTConfig struct {
	Language           string        `yaml:"language"`
	TextNormalization  bool          `yaml:"text_normalization"`
	ProfanityFilter    bool          `yaml:"profanity_filter"`
	EOUMaxPause        time.Duration `yaml:"eou_max_pause"`
	FinalRefractory    time.Duration `yaml:"final_refractory"`
	MinUtteranceChunks int           `yaml:"min_utterance_chunks"`
	// VoicedRMS is the chunk energy that counts toward MinUtteranceChunks;
	// 0 counts every chunk.
	VoicedRMS          float64       `yaml:"voiced_rms"`
	FeedQueue          int           `yaml:"feed_queue"`
}

type TTSConfig struct {
	SettleDelay  time.Duration `yaml:"settle_delay"`
	VoiceID      string        `yaml:"voice_id"`
	OutputFormat string        `yaml:"output_format"`
}

type HistoryConfig struct {
	Backend     string `yaml:"backend"`
	MaxMessages int    `yaml:"max_messages"`
	RedisURL    string `yaml:"redis_url"`
}

type GatewayConfig struct {
	AudioChunksPerSecond float64 `yaml:"audio_chunks_per_second"`
	AudioBurst           int     `yaml:"audio_burst"`
}

type VoiceConfig struct {
	Provider string `yaml:"provider"`

	ElevenLabsAPIKey    string `yaml:"elevenlabs_api_key"`
	ElevenLabsWSBaseURL string `yaml:"elevenlabs_ws_base_url"`
	ElevenLabsSTTModel  string `yaml:"elevenlabs_stt_model_id"`
	ElevenLabsTTSModel  string `yaml:"elevenlabs_tts_model_id"`

	CartesiaAPIKey    string `yaml:"cartesia_api_key"`
	CartesiaWSBaseURL string `yaml:"cartesia_ws_base_url"`
	CartesiaSTTModel  string `yaml:"cartesia_stt_model"`
	CartesiaTTSModel  string `yaml:"cartesia_tts_model"`
	CartesiaVersion   string `yaml:"cartesia_version"`
	CartesiaVoiceID   string `yaml:"cartesia_voice_id"`
}

type BrainConfig struct {
	Provider     string        `yaml:"provider"`
	HTTPURL      string        `yaml:"http_url"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  float64       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
	GeminiAPIKey string        `yaml:"gemini_api_key"`
	GeminiModel  string        `yaml:"gemini_model"`
}

type CredentialsConfig struct {
	Token       string `yaml:"token"`
	KeyFile     string `yaml:"key_file"`
	ExchangeURL string `yaml:"exchange_url"`
}

const DefaultSystemPrompt = "You are the administrator of a beauty salon. Answer politely and briefly, " +
	"in one or two sentences, because your reply will be spoken aloud."

func defaults() Config {
	return Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: "voicegate",
		Log:              LogConfig{Level: "info", Format: "json"},
		Session: SessionConfig{
			IdleTimeout:   time.Hour,
			SweepInterval: 30 * time.Minute,
		},
		STT: STTConfig{
			Language:           "ru-RU",
			TextNormalization:  true,
			EOUMaxPause:        700 * time.Millisecond,
			FinalRefractory:    200 * time.Millisecond,
			MinUtteranceChunks: 5,
			VoicedRMS:          500,
			FeedQueue:          64,
		},
		TTS: TTSConfig{
			SettleDelay:  500 * time.Millisecond,
			OutputFormat: "mp3_44100_128",
		},
		History: HistoryConfig{Backend: "memory", MaxMessages: 10},
		Gateway: GatewayConfig{AudioChunksPerSecond: 50, AudioBurst: 100},
		Voice: VoiceConfig{
			Provider:            "auto",
			ElevenLabsWSBaseURL: "wss://api.elevenlabs.io",
			ElevenLabsSTTModel:  "scribe_v2_realtime",
			ElevenLabsTTSModel:  "eleven_multilingual_v2",
			CartesiaWSBaseURL:   "wss://api.cartesia.ai",
			CartesiaSTTModel:    "ink-whisper",
			CartesiaTTSModel:    "sonic-3",
			CartesiaVersion:     "2025-04-16",
		},
		Brain: BrainConfig{
			Provider:     "auto",
			Model:        "gpt-4o-mini",
			SystemPrompt: DefaultSystemPrompt,
			Temperature:  0.3,
			MaxTokens:    70,
			Timeout:      20 * time.Second,
			GeminiModel:  "gemini-2.5-flash",
		},
	}
}

// Load reads the optional YAML file and environment variables and applies
// safe defaults.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.Log.Level = strings.ToLower(envOrDefault("APP_LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(envOrDefault("APP_LOG_FORMAT", cfg.Log.Format))
	cfg.STT.Language = envOrDefault("STT_LANGUAGE", cfg.STT.Language)
	cfg.TTS.VoiceID = envOrDefault("TTS_VOICE_ID", cfg.TTS.VoiceID)
	cfg.TTS.OutputFormat = envOrDefault("TTS_OUTPUT_FORMAT", cfg.TTS.OutputFormat)
	cfg.History.Backend = strings.ToLower(envOrDefault("HISTORY_BACKEND", cfg.History.Backend))
	cfg.History.RedisURL = envOrDefault("REDIS_URL", cfg.History.RedisURL)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)

	cfg.Voice.Provider = strings.ToLower(envOrDefault("VOICE_PROVIDER", cfg.Voice.Provider))
	cfg.Voice.ElevenLabsAPIKey = envOrDefault("ELEVENLABS_API_KEY", cfg.Voice.ElevenLabsAPIKey)
	cfg.Voice.ElevenLabsWSBaseURL = envOrDefault("ELEVENLABS_WS_BASE_URL", cfg.Voice.ElevenLabsWSBaseURL)
	cfg.Voice.ElevenLabsSTTModel = envOrDefault("ELEVENLABS_STT_MODEL_ID", cfg.Voice.ElevenLabsSTTModel)
	cfg.Voice.ElevenLabsTTSModel = envOrDefault("ELEVENLABS_TTS_MODEL_ID", cfg.Voice.ElevenLabsTTSModel)
	cfg.Voice.CartesiaAPIKey = envOrDefault("CARTESIA_API_KEY", cfg.Voice.CartesiaAPIKey)
	cfg.Voice.CartesiaWSBaseURL = envOrDefault("CARTESIA_WS_BASE_URL", cfg.Voice.CartesiaWSBaseURL)
	cfg.Voice.CartesiaSTTModel = envOrDefault("CARTESIA_STT_MODEL", cfg.Voice.CartesiaSTTModel)
	cfg.Voice.CartesiaTTSModel = envOrDefault("CARTESIA_TTS_MODEL", cfg.Voice.CartesiaTTSModel)
	cfg.Voice.CartesiaVersion = envOrDefault("CARTESIA_VERSION", cfg.Voice.CartesiaVersion)
	cfg.Voice.CartesiaVoiceID = envOrDefault("CARTESIA_VOICE_ID", cfg.Voice.CartesiaVoiceID)

	cfg.Brain.Provider = strings.ToLower(envOrDefault("BRAIN_PROVIDER", cfg.Brain.Provider))
	cfg.Brain.HTTPURL = envOrDefault("BRAIN_HTTP_URL", cfg.Brain.HTTPURL)
	cfg.Brain.Model = envOrDefault("BRAIN_MODEL", cfg.Brain.Model)
	cfg.Brain.SystemPrompt = envOrDefault("BRAIN_SYSTEM_PROMPT", cfg.Brain.SystemPrompt)
	cfg.Brain.GeminiAPIKey = envOrDefault("GEMINI_API_KEY", cfg.Brain.GeminiAPIKey)
	cfg.Brain.GeminiModel = envOrDefault("GEMINI_MODEL", cfg.Brain.GeminiModel)

	cfg.Credentials.Token = envOrDefault("CREDENTIALS_TOKEN", cfg.Credentials.Token)
	cfg.Credentials.KeyFile = envOrDefault("CREDENTIALS_KEY_FILE", cfg.Credentials.KeyFile)
	cfg.Credentials.ExchangeURL = envOrDefault("CREDENTIALS_EXCHANGE_URL", cfg.Credentials.ExchangeURL)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout},
		{"SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval},
		{"STT_EOU_MAX_PAUSE", &cfg.STT.EOUMaxPause},
		{"STT_FINAL_REFRACTORY", &cfg.STT.FinalRefractory},
		{"TTS_SETTLE_DELAY", &cfg.TTS.SettleDelay},
		{"BRAIN_TIMEOUT", &cfg.Brain.Timeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"STT_MIN_UTTERANCE_CHUNKS", &cfg.STT.MinUtteranceChunks},
		{"STT_FEED_QUEUE", &cfg.STT.FeedQueue},
		{"HISTORY_MAX_MESSAGES", &cfg.History.MaxMessages},
		{"BRAIN_MAX_TOKENS", &cfg.Brain.MaxTokens},
		{"WS_AUDIO_BURST", &cfg.Gateway.AudioBurst},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.STT.TextNormalization, err = boolFromEnv("STT_TEXT_NORMALIZATION", cfg.STT.TextNormalization); err != nil {
		return Config{}, err
	}
	if cfg.STT.ProfanityFilter, err = boolFromEnv("STT_PROFANITY_FILTER", cfg.STT.ProfanityFilter); err != nil {
		return Config{}, err
	}
	if cfg.STT.VoicedRMS, err = floatFromEnv("STT_VOICED_RMS", cfg.STT.VoicedRMS); err != nil {
		return Config{}, err
	}
	if cfg.Brain.Temperature, err = floatFromEnv("BRAIN_TEMPERATURE", cfg.Brain.Temperature); err != nil {
		return Config{}, err
	}
	if cfg.Gateway.AudioChunksPerSecond, err = floatFromEnv("WS_AUDIO_CHUNKS_PER_SECOND", cfg.Gateway.AudioChunksPerSecond); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.Session.IdleTimeout < time.Minute {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 1m")
	}
	if cfg.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.STT.EOUMaxPause <= 0 {
		return fmt.Errorf("STT_EOU_MAX_PAUSE must be positive")
	}
	if cfg.STT.FinalRefractory < 0 {
		return fmt.Errorf("STT_FINAL_REFRACTORY must be >= 0")
	}
	if cfg.STT.MinUtteranceChunks < 0 {
		return fmt.Errorf("STT_MIN_UTTERANCE_CHUNKS must be >= 0")
	}
	if cfg.STT.VoicedRMS < 0 {
		return fmt.Errorf("STT_VOICED_RMS must be >= 0")
	}
	if cfg.STT.FeedQueue <= 0 {
		return fmt.Errorf("STT_FEED_QUEUE must be positive")
	}
	if cfg.TTS.SettleDelay < 0 {
		return fmt.Errorf("TTS_SETTLE_DELAY must be >= 0")
	}
	if cfg.History.MaxMessages < 1 {
		return fmt.Errorf("HISTORY_MAX_MESSAGES must be at least 1")
	}
	switch cfg.History.Backend {
	case "memory":
	case "redis":
		if cfg.History.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when HISTORY_BACKEND=redis")
		}
	default:
		return fmt.Errorf("HISTORY_BACKEND must be memory or redis, got %q", cfg.History.Backend)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or console, got %q", cfg.Log.Format)
	}
	switch cfg.Voice.Provider {
	case "auto", "mock":
	case "elevenlabs":
		if cfg.Voice.ElevenLabsAPIKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when VOICE_PROVIDER=elevenlabs")
		}
	case "cartesia":
		if cfg.Voice.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required when VOICE_PROVIDER=cartesia")
		}
	default:
		return fmt.Errorf("VOICE_PROVIDER must be auto, elevenlabs, cartesia or mock, got %q", cfg.Voice.Provider)
	}
	switch cfg.Brain.Provider {
	case "auto", "mock":
	case "http":
		if cfg.Brain.HTTPURL == "" {
			return fmt.Errorf("BRAIN_HTTP_URL is required when BRAIN_PROVIDER=http")
		}
	case "gemini":
		if cfg.Brain.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when BRAIN_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("BRAIN_PROVIDER must be auto, http, gemini or mock, got %q", cfg.Brain.Provider)
	}
	if cfg.Brain.MaxTokens <= 0 {
		return fmt.Errorf("BRAIN_MAX_TOKENS must be positive")
	}
	if cfg.Brain.Timeout <= 0 {
		return fmt.Errorf("BRAIN_TIMEOUT must be positive")
	}
	if cfg.Credentials.KeyFile != "" && cfg.Credentials.ExchangeURL == "" {
		return fmt.Errorf("CREDENTIALS_EXCHANGE_URL is required with CREDENTIALS_KEY_FILE")
	}
	if cfg.Gateway.AudioChunksPerSecond < 0 || cfg.Gateway.AudioBurst < 0 {
		return fmt.Errorf("WS_AUDIO_CHUNKS_PER_SECOND and WS_AUDIO_BURST must be >= 0")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

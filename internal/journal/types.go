// Package journal records per-turn outcome and latency metadata. It never
// stores transcript or reply text.
package journal

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeGenerationFailed Outcome = "generation_failed"
	OutcomeSynthesisFailed  Outcome = "synthesis_failed"
	OutcomeCancelled        Outcome = "cancelled"
)

// TurnRecord describes one finished turn.
type TurnRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Outcome      Outcome   `json:"outcome"`
	UserChars    int       `json:"user_chars"`
	ReplyChars   int       `json:"reply_chars"`
	AudioChunks  int       `json:"audio_chunks"`
	GenerationMS int64     `json:"generation_ms"`
	FirstAudioMS int64     `json:"first_audio_ms"`
	TotalMS      int64     `json:"total_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is the subset of *pgxpool.Pool the store uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists the turn journal in PostgreSQL.
type PostgresStore struct {
	db    dbtx
	close func()
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func initSchema(ctx context.Context, db dbtx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			user_chars INTEGER NOT NULL DEFAULT 0,
			reply_chars INTEGER NOT NULL DEFAULT 0,
			audio_chunks INTEGER NOT NULL DEFAULT 0,
			generation_ms BIGINT NOT NULL DEFAULT 0,
			first_audio_ms BIGINT NOT NULL DEFAULT 0,
			total_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_turns_session_created ON voice_turns (session_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO voice_turns (id, session_id, outcome, user_chars, reply_chars, audio_chunks,
			generation_ms, first_audio_ms, total_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID,
		record.SessionID,
		string(record.Outcome),
		record.UserChars,
		record.ReplyChars,
		record.AudioChunks,
		record.GenerationMS,
		record.FirstAudioMS,
		record.TotalMS,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, outcome, user_chars, reply_chars, audio_chunks,
			generation_ms, first_audio_ms, total_ms, created_at
		 FROM voice_turns WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			r       TurnRecord
			outcome string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &outcome, &r.UserChars, &r.ReplyChars, &r.AudioChunks,
			&r.GenerationMS, &r.FirstAudioMS, &r.TotalMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Outcome = Outcome(outcome)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

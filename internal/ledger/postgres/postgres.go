package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/focusdeck/chat-relay/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. Selected when the
// configured ledger path is a postgres:// DSN.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS stream_entries (
	id BIGSERIAL PRIMARY KEY,
	stream_id UUID NOT NULL UNIQUE,
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	outcome TEXT NOT NULL CHECK(outcome IN ('done','error','canceled')),
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_stream_entries_created ON stream_entries(created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new stream entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.StreamID == "" {
		return errors.New("ledger record requires stream id")
	}
	if !entry.Outcome.Valid() {
		return fmt.Errorf("invalid outcome %q", entry.Outcome)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stream_entries(stream_id, model, prompt_tokens, completion_tokens, outcome, duration_ms, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)`,
		entry.StreamID,
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		string(entry.Outcome),
		entry.DurationMS,
		created,
	)
	return err
}

// Summary returns aggregated usage across all recorded streams.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
FROM stream_entries`)

	var summary ledger.Summary
	if err := row.Scan(&summary.Streams, &summary.PromptTokens, &summary.CompletionTokens); err != nil {
		return ledger.Summary{}, err
	}
	return summary, nil
}

// ListRecent returns the latest entries.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, stream_id, model, prompt_tokens, completion_tokens, outcome, duration_ms, created_at
FROM stream_entries
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var outcome string
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Model, &e.PromptTokens, &e.CompletionTokens, &outcome, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = ledger.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

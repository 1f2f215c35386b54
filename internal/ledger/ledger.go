package ledger

import (
	"context"
	"time"
)

// Outcome records how a relayed stream ended.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeError    Outcome = "error"
	OutcomeCanceled Outcome = "canceled"
)

// Valid reports whether the outcome is one of the known values.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeDone, OutcomeError, OutcomeCanceled:
		return true
	}
	return false
}

// Entry is one relayed stream's usage record. Token counts are the relay's
// 4-chars-per-token estimate, not provider-reported usage.
type Entry struct {
	ID               int64     `json:"id"`
	StreamID         string    `json:"stream_id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Outcome          Outcome   `json:"outcome"`
	DurationMS       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates usage across recorded streams.
type Summary struct {
	Streams          int64 `json:"streams"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

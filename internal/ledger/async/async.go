// Package async wraps a ledger.Store with buffered background writes so the
// relay's stream handlers never block on the database.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/focusdeck/chat-relay/internal/ledger"
)

// Store queues entries in memory and flushes them from a background worker.
// Entries may be lost if the process dies before Close.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
}

// Config tunes the async behaviour. Zero values pick sane defaults.
type Config struct {
	FlushInterval time.Duration
	Buffer        int
	Logger        *log.Logger
}

// New wraps an existing ledger store with background writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.Buffer),
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

func (s *Store) writer() {
	defer s.wg.Done()

	var pending []ledger.Entry
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx := context.Background()
		for _, entry := range pending {
			if err := s.underlying.Record(ctx, entry); err != nil && s.logger != nil {
				s.logger.Printf("ledger.async: write entry stream=%s: %v", entry.StreamID, err)
			}
		}
		pending = pending[:0]
	}

	for {
		select {
		case entry := <-s.entryChan:
			pending = append(pending, entry)
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			// Drain whatever is buffered without closing entryChan; a late
			// Record must never hit a closed channel.
			for {
				select {
				case entry := <-s.entryChan:
					pending = append(pending, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Record queues an entry without blocking. When the buffer is full, or the
// store is already closed, the entry is dropped; usage accounting is
// best-effort.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	select {
	case <-s.stopChan:
		return nil
	default:
	}
	select {
	case s.entryChan <- entry:
	default:
		if s.logger != nil {
			s.logger.Printf("ledger.async: buffer full, dropping entry stream=%s", entry.StreamID)
		}
	}
	return nil
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	return s.underlying.Summary(ctx)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, limit)
}

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.underlying.Close()
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store is the interface for rate limit storage backends, keyed by client
// identity (the relay uses the caller's IP address).
type Store interface {
	Allow(ctx context.Context, client string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	Remaining(ctx context.Context, client string, capacity, refillRate float64) (float64, error)
	Reset(ctx context.Context, client string) error
	Close() error
}

// MemoryStore keeps one token bucket per client in memory. Suitable for a
// single relay instance; idle buckets are dropped by a background sweep.
type MemoryStore struct {
	buckets map[string]*bucketEntry
	mu      sync.Mutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

type bucketEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewMemoryStore creates an in-memory store with a 5 minute sweep interval.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates an in-memory store with a custom sweep
// interval.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*bucketEntry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Allow consumes one token from the client's bucket.
func (s *MemoryStore) Allow(ctx context.Context, client string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.getBucket(client, capacity, refillRate)
	return bucket.Allow(), bucket.Remaining(), nil
}

// Remaining returns the tokens left for the client.
func (s *MemoryStore) Remaining(ctx context.Context, client string, capacity, refillRate float64) (float64, error) {
	return s.getBucket(client, capacity, refillRate).Remaining(), nil
}

// Reset refills the client's bucket.
func (s *MemoryStore) Reset(ctx context.Context, client string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, exists := s.buckets[client]; exists {
		entry.bucket.Reset()
	}
	return nil
}

// Close stops the sweep loop.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	return nil
}

func (s *MemoryStore) getBucket(client string, capacity, refillRate float64) *TokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.buckets[client]
	if !exists {
		entry = &bucketEntry{bucket: NewTokenBucket(capacity, refillRate)}
		s.buckets[client] = entry
	}
	entry.lastSeen = time.Now()
	return entry.bucket
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

// sweep drops buckets that have been idle for two sweep intervals.
func (s *MemoryStore) sweep() {
	cutoff := time.Now().Add(-2 * s.cleanupInterval)
	s.mu.Lock()
	defer s.mu.Unlock()
	for client, entry := range s.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(s.buckets, client)
		}
	}
}

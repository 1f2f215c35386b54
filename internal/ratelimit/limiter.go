package ratelimit

import (
	"context"
)

// Limiter applies per-client request limits using a pluggable storage
// backend. For single-instance deployments use MemoryStore (the default).
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	// Per-client limits
	RequestsPerSecond float64 // sustained rate
	BurstSize         float64 // burst capacity
}

// DefaultConfig returns sensible defaults for a public relay endpoint:
// 5 req/sec sustained with bursts of 10 per client.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		BurstSize:         10,
	}
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
	}
}

// Allow checks whether a request from the given client should proceed.
// Unidentifiable clients and backend errors fail open.
func (l *Limiter) Allow(ctx context.Context, client string) bool {
	if client == "" {
		return true
	}
	allowed, _, err := l.store.Allow(ctx, client, l.capacity, l.refillRate)
	if err != nil {
		return true
	}
	return allowed
}

// Remaining returns the tokens left for the client.
func (l *Limiter) Remaining(client string) float64 {
	if client == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(context.Background(), client, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Burst returns the configured burst capacity.
func (l *Limiter) Burst() float64 {
	return l.capacity
}

// Reset clears the limit state for a client.
func (l *Limiter) Reset(client string) error {
	return l.store.Reset(context.Background(), client)
}

// Close releases backend resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}

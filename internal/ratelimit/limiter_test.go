package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 10,
		BurstSize:         10,
	})
	defer limiter.Close()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !limiter.Allow(ctx, "10.0.0.1") {
			t.Errorf("request %d should be allowed", i)
		}
	}

	if limiter.Allow(ctx, "10.0.0.1") {
		t.Error("11th request should be denied")
	}

	// Different client has a separate bucket
	if !limiter.Allow(ctx, "10.0.0.2") {
		t.Error("different client should be allowed")
	}
}

func TestLimiterReset(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 10,
		BurstSize:         10,
	})
	defer limiter.Close()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		limiter.Allow(ctx, "10.0.0.1")
	}
	if limiter.Allow(ctx, "10.0.0.1") {
		t.Error("should be denied before reset")
	}

	if err := limiter.Reset("10.0.0.1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if !limiter.Allow(ctx, "10.0.0.1") {
		t.Error("should be allowed after reset")
	}
}

func TestLimiterRemaining(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 100,
		BurstSize:         100,
	})
	defer limiter.Close()

	ctx := context.Background()

	if remaining := limiter.Remaining("10.0.0.1"); remaining != 100 {
		t.Errorf("expected 100 remaining, got %f", remaining)
	}

	for i := 0; i < 30; i++ {
		limiter.Allow(ctx, "10.0.0.1")
	}

	remaining := limiter.Remaining("10.0.0.1")
	if remaining < 69.9 || remaining > 70.1 {
		t.Errorf("expected ~70 remaining, got %f", remaining)
	}
}

func TestLimiterEmptyClient(t *testing.T) {
	limiter := NewLimiter(DefaultConfig())
	defer limiter.Close()

	// Unidentifiable clients are never limited
	if !limiter.Allow(context.Background(), "") {
		t.Error("empty client should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerSecond != 5 {
		t.Errorf("expected RequestsPerSecond=5, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("expected BurstSize=10, got %f", cfg.BurstSize)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStoreWithCleanup(50 * time.Millisecond)
	defer store.Close()

	ctx := context.Background()
	store.Allow(ctx, "10.0.0.1", 100, 100)

	store.mu.Lock()
	count := len(store.buckets)
	store.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 bucket, got %d", count)
	}

	// Idle buckets are dropped after two sweep intervals
	time.Sleep(200 * time.Millisecond)

	store.mu.Lock()
	count = len(store.buckets)
	store.mu.Unlock()
	if count != 0 {
		t.Errorf("expected 0 buckets after sweep, got %d", count)
	}
}

func TestMiddlewareLimitsPerClient(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 1,
		BurstSize:         2,
	})
	defer limiter.Close()

	mw := NewMiddleware(limiter, true, nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}
	if rec := do("10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Fatalf("second request: got %d", rec.Code)
	}

	rec := do("10.0.0.1:1234")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("expected X-RateLimit-Limit=2, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset to be set")
	}

	// Other clients are unaffected
	if rec := do("10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("other client: got %d", rec.Code)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})
	defer limiter.Close()

	mw := NewMiddleware(limiter, false, nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d with limiting disabled", i, rec.Code)
		}
	}
}

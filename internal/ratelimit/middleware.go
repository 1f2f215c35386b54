package ratelimit

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Middleware wraps an HTTP handler with per-client rate limiting. Clients
// are keyed by remote IP, so this should sit after any real-IP resolution
// in the middleware chain.
type Middleware struct {
	limiter *Limiter
	enabled bool
	logger  *log.Logger
}

// NewMiddleware creates a new rate limiting middleware.
func NewMiddleware(limiter *Limiter, enabled bool, logger *log.Logger) *Middleware {
	return &Middleware{
		limiter: limiter,
		enabled: enabled,
		logger:  logger,
	}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)

		if !m.limiter.Allow(r.Context(), client) {
			m.addRateLimitHeaders(w, client)

			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: client=%s path=%s", client, r.URL.Path)
			}

			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		m.addRateLimitHeaders(w, client)
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller. RemoteAddr is already rewritten by the
// real-IP middleware when the relay runs behind a proxy.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// addRateLimitHeaders adds standard rate limit headers to the response.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, client string) {
	limit := m.limiter.Burst()
	remaining := m.limiter.Remaining(client)

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	// Reset time: when the bucket will be full again
	if remaining < limit {
		resetTime := time.Now().Add(m.resetDuration(remaining, limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	}
}

func (m *Middleware) resetDuration(remaining, limit float64) time.Duration {
	secondsNeeded := (limit - remaining) / m.limiter.refillRate
	return time.Duration(secondsNeeded * float64(time.Second))
}

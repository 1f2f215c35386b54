package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/focusdeck/chat-relay/internal/ledger"
	"github.com/focusdeck/chat-relay/internal/ratelimit"
	"github.com/focusdeck/chat-relay/internal/upstream"
	"github.com/focusdeck/chat-relay/internal/version"
)

// Server exposes the streaming relay over HTTP.
type Server struct {
	// nil when the relay is started without an API key or upstream URL;
	// the stream endpoint then answers 500 without touching the network.
	upstream *upstream.Client
	ledger   ledger.Store
	limiter  *ratelimit.Middleware
	logger   *log.Logger
	logLevel string
}

// Option customizes a Server.
type Option func(*Server)

// WithLedger records per-stream usage to the given store.
func WithLedger(store ledger.Store) Option {
	return func(s *Server) { s.ledger = store }
}

// WithRateLimit wraps the stream endpoint with per-client limiting.
func WithRateLimit(mw *ratelimit.Middleware) Option {
	return func(s *Server) { s.limiter = mw }
}

// WithLogLevel sets the log level ("debug" enables debugf output).
func WithLogLevel(level string) Option {
	return func(s *Server) { s.logLevel = level }
}

// New creates a relay server. up may be nil for an unconfigured relay.
func New(up *upstream.Client, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		upstream: up,
		logger:   logger,
		logLevel: "info",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Any verb other than POST (or the OPTIONS preflight) on the stream
	// path must yield a bare 405.
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	stream := http.Handler(http.HandlerFunc(s.handleChatStream))
	if s.limiter != nil {
		stream = s.limiter.Wrap(stream)
	}
	r.Method(http.MethodPost, "/v1/chat/stream", stream)
	r.Options("/v1/chat/stream", s.handlePreflight)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/usage/summary", s.handleUsageSummary)
	r.Get("/v1/usage/recent", s.handleUsageRecent)

	return r
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"version":             version.Info(),
		"upstream_configured": s.upstream != nil,
	})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotFound, errors.New("usage ledger not enabled"))
		return
	}
	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotFound, errors.New("usage ledger not enabled"))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	entries, err := s.ledger.ListRecent(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

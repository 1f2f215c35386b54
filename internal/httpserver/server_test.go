package httpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/focusdeck/chat-relay/internal/ledger"
	"github.com/focusdeck/chat-relay/internal/ledger/sqlite"
	"github.com/focusdeck/chat-relay/internal/ratelimit"
	"github.com/focusdeck/chat-relay/internal/testutil"
	"github.com/focusdeck/chat-relay/internal/upstream"
)

func newTestServer(t *testing.T, upstreamHandler http.Handler, opts ...Option) (*Server, *testutil.IPv4Server) {
	t.Helper()
	up := testutil.NewIPv4Server(t, upstreamHandler)
	t.Cleanup(up.Close)
	client, err := upstream.New(upstream.Config{
		APIKey:  "test-key",
		BaseURL: up.URL + "/v1/chat/completions",
	})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}
	return New(client, nil, opts...), up
}

func postStream(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const helloBody = `{"messages":[{"role":"user","content":"hi"}]}`

func sseFrame(payload string) string {
	return "data: " + payload + "\n\n"
}

func chunkJSON(delta string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"content": delta}}},
	})
	return string(b)
}

func TestStreamHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t,
		sseFrame(chunkJSON("Hello")),
		sseFrame(chunkJSON(" there")),
		sseFrame("[DONE]"),
	))

	rec := postStream(t, srv.Router(), helloBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Errorf("unexpected cache control %q", cc)
	}
	if ao := rec.Header().Get("Access-Control-Allow-Origin"); ao != "*" {
		t.Errorf("unexpected allow origin %q", ao)
	}

	want := "data: Hello\n\ndata:  there\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body:\n%q\nwant:\n%q", rec.Body.String(), want)
	}
}

func TestStreamUnconfigured(t *testing.T) {
	var upstreamCalls atomic.Int64
	up := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer up.Close()

	srv := New(nil, nil)
	rec := postStream(t, srv.Router(), helloBody)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Server not configured" {
		t.Fatalf("unexpected body %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected plain text body, got %q", ct)
	}
	if upstreamCalls.Load() != 0 {
		t.Fatal("unconfigured relay must not contact the upstream")
	}
}

func TestStreamMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t, sseFrame("[DONE]")))
	router := srv.Router()

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/v1/chat/stream", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rec.Code)
		}
	}
}

func TestStreamPreflight(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t, sseFrame("[DONE]")))

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/stream", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Error("missing POST in allowed methods")
	}
}

func TestStreamBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t, sseFrame("[DONE]")))

	rec := postStream(t, srv.Router(), "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rec.Code)
	}

	rec = postStream(t, srv.Router(), `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d", rec.Code)
	}
}

func TestStreamMirrorsUpstreamRejection(t *testing.T) {
	srv, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "model overloaded")
	}))

	rec := postStream(t, srv.Router(), helloBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected mirrored 503, got %d", rec.Code)
	}
	if rec.Body.String() != "model overloaded" {
		t.Fatalf("expected mirrored body, got %q", rec.Body.String())
	}
	if strings.Contains(rec.Header().Get("Content-Type"), "text/event-stream") {
		t.Error("rejection must not carry SSE headers")
	}
}

func TestStreamEOFWithoutDone(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t,
		sseFrame(chunkJSON("partial")),
	))

	rec := postStream(t, srv.Router(), helloBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := "data: partial\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body %q, want %q", rec.Body.String(), want)
	}
}

func TestStreamRawPassthrough(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t,
		sseFrame("plain words"),
		sseFrame("[DONE]"),
	))

	rec := postStream(t, srv.Router(), helloBody)
	want := "data: plain words\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestStreamSkipsUnmatchedJSON(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t,
		sseFrame(`{"choices":[{"delta":{"role":"assistant"}}]}`),
		sseFrame(chunkJSON("visible")),
		sseFrame("[DONE]"),
	))

	rec := postStream(t, srv.Router(), helloBody)
	want := "data: visible\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestStreamLedgerRecordsOutcome(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	defer store.Close()

	srv, _ := newTestServer(t, testutil.SSEHandler(t,
		sseFrame(chunkJSON("Hello there!")),
		sseFrame("[DONE]"),
	), WithLedger(store))

	rec := postStream(t, srv.Router(), helloBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// ledger write happens after the stream loop in the same handler, which
	// has returned by now
	entries, err := store.ListRecent(t.Context(), 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Outcome != ledger.OutcomeDone {
		t.Errorf("expected done outcome, got %s", e.Outcome)
	}
	if e.Model != "grok-2" {
		t.Errorf("expected default model recorded, got %q", e.Model)
	}
	if e.CompletionTokens != int64(len("Hello there!")/4) {
		t.Errorf("unexpected completion tokens %d", e.CompletionTokens)
	}
	if e.StreamID == "" {
		t.Error("expected a stream id")
	}
}

func TestStreamRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 1, BurstSize: 1})
	defer limiter.Close()
	mw := ratelimit.NewMiddleware(limiter, true, nil)

	srv, _ := newTestServer(t, testutil.SSEHandler(t,
		sseFrame("[DONE]"),
	), WithRateLimit(mw))
	router := srv.Router()

	first := postStream(t, router, helloBody)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: got %d", first.Code)
	}
	second := postStream(t, router, helloBody)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t, sseFrame("[DONE]")))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("unexpected status %v", payload["status"])
	}
	if payload["upstream_configured"] != true {
		t.Errorf("expected upstream_configured=true")
	}
}

func TestStreamLiveEOFCompletion(t *testing.T) {
	// Relay and upstream on real sockets: the upstream closes after one
	// delta without [DONE], and the client still observes a done marker.
	up := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, sseFrame(chunkJSON("first")))
		flusher.Flush()
	}))
	defer up.Close()

	client, err := upstream.New(upstream.Config{APIKey: "k", BaseURL: up.URL})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}
	srv := New(client, nil)

	resp, err := postStreamLive(t, srv, helloBody)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var payloads []string
	for {
		line, err := reader.ReadString('\n')
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimRight(strings.TrimPrefix(line, "data: "), "\r\n"))
		}
		if err != nil {
			break
		}
	}
	if len(payloads) != 2 || payloads[0] != "first" || payloads[1] != "[DONE]" {
		t.Fatalf("unexpected payloads %v", payloads)
	}
}

// postStreamLive runs the relay on a real listener so response streaming and
// flushing behave as in production.
func postStreamLive(t *testing.T, srv *Server, body string) (*http.Response, error) {
	t.Helper()
	relay := testutil.NewIPv4Server(t, srv.Router())
	t.Cleanup(relay.Close)
	req, err := http.NewRequest(http.MethodPost, relay.URL+"/v1/chat/stream", bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return relay.Client().Do(req)
}

func TestUsageSummaryEndpoint(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	defer store.Close()

	srv, _ := newTestServer(t, testutil.SSEHandler(t,
		sseFrame(chunkJSON("Hello")),
		sseFrame("[DONE]"),
	), WithLedger(store))
	router := srv.Router()

	if rec := postStream(t, router, helloBody); rec.Code != http.StatusOK {
		t.Fatalf("stream: got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/v1/usage/summary", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("summary: got %d", rec.Code)
		}
		var summary ledger.Summary
		if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
			t.Fatalf("decode summary: %v", err)
		}
		if summary.Streams == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("summary never reached 1 stream: %+v", summary)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUsageEndpointsWithoutLedger(t *testing.T) {
	srv, _ := newTestServer(t, testutil.SSEHandler(t, sseFrame("[DONE]")))
	router := srv.Router()

	for _, path := range []string{"/v1/usage/summary", "/v1/usage/recent"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

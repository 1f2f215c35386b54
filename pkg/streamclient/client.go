// Package streamclient consumes a chat-relay SSE stream. It accumulates
// deltas client-side and reports completion with the full text, so callers
// never reassemble responses from shared state.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/focusdeck/chat-relay/internal/chat"
	"github.com/focusdeck/chat-relay/internal/sse"
)

// Request is one conversation turn sent to the relay.
type Request struct {
	Messages    []chat.Message
	Model       string
	Temperature *float64
}

// Callbacks receive stream progress. Either may be nil.
type Callbacks struct {
	// OnToken fires for every delta in arrival order.
	OnToken func(token string)
	// OnDone fires exactly once per completed stream with the full
	// accumulated text.
	OnDone func(full string)
}

// Client is a streaming chat client for a relay endpoint. A client runs at
// most one logical session: a new Send supersedes the previous one, and a
// superseded session stops invoking callbacks even if its socket is still
// draining.
type Client struct {
	endpoint string
	httpc    *http.Client

	mu        sync.Mutex
	cancel    context.CancelFunc
	session   uint64
	streaming bool
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New creates a client for the given relay stream endpoint, e.g.
// "http://localhost:8787/v1/chat/stream".
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		// No timeout: streams are open-ended, cancellation is explicit
		httpc: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsStreaming reports whether a session is currently active.
func (c *Client) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Cancel aborts the in-flight session. No-op when idle. The aborted Send
// returns context.Canceled; treat that as deliberate, not a failure.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		// Retire the session id too so a read loop that drains buffered
		// payloads or hits EOF after this point stops invoking callbacks.
		c.session++
		c.cancel()
		c.cancel = nil
	}
	c.streaming = false
}

// begin registers a new session, superseding any active one.
func (c *Client) begin(cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.session++
	c.cancel = cancel
	c.streaming = true
	return c.session
}

// finish clears session state unless a newer Send has taken over.
func (c *Client) finish(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		return
	}
	c.cancel = nil
	c.streaming = false
}

// live reports whether the session is still the active one.
func (c *Client) live(session uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == session
}

// Send posts the request and streams the response, returning the full
// accumulated text. Completion is either an explicit done marker or a clean
// end of stream; both fire OnDone exactly once.
func (c *Client) Send(ctx context.Context, req Request, cb Callbacks) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	session := c.begin(cancel)
	defer c.finish(session)

	body, err := json.Marshal(chat.CompletionRequest{
		Messages:    req.Messages,
		Model:       req.Model,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("streamclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("streamclient: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("streamclient: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = "request failed"
		}
		return "", fmt.Errorf("streamclient: relay status %d: %s", resp.StatusCode, msg)
	}

	return c.readStream(ctx, session, resp.Body, cb)
}

func (c *Client) readStream(ctx context.Context, session uint64, body io.Reader, cb Callbacks) (string, error) {
	var full strings.Builder
	decoder := &sse.Decoder{}
	buf := make([]byte, 4096)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, payload := range decoder.Feed(buf[:n]) {
				if !c.live(session) {
					return full.String(), context.Canceled
				}
				if sse.IsDone(payload) {
					if cb.OnDone != nil {
						cb.OnDone(full.String())
					}
					return full.String(), nil
				}
				if msg, ok := sse.ErrorMessage(payload); ok {
					if msg == "" {
						msg = "stream error"
					}
					return full.String(), errors.New("streamclient: " + msg)
				}
				full.WriteString(payload)
				if cb.OnToken != nil {
					cb.OnToken(payload)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				// Natural stream end counts as completion, unless the
				// session was canceled or superseded while reading.
				if !c.live(session) {
					return full.String(), context.Canceled
				}
				if cb.OnDone != nil {
					cb.OnDone(full.String())
				}
				return full.String(), nil
			}
			if ctx.Err() != nil {
				return full.String(), ctx.Err()
			}
			return full.String(), fmt.Errorf("streamclient: read stream: %w", readErr)
		}
	}
}

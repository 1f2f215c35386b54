// Package upstream talks to the completion provider and re-frames its SSE
// stream into provider-agnostic text deltas.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/focusdeck/chat-relay/internal/chat"
	"github.com/focusdeck/chat-relay/internal/extract"
	"github.com/focusdeck/chat-relay/internal/sse"
)

const (
	defaultModel       = "grok-2"
	defaultTemperature = 0.7
	readBufSize        = 8192
)

// Config holds connection settings for the provider.
type Config struct {
	APIKey  string
	BaseURL string
	// Model used when the caller supplies none.
	DefaultModel string
	// Temperature used when the caller supplies none.
	DefaultTemperature float64
	// IdleTimeout aborts a stream when the provider goes silent for this long.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
	// Extractors overrides the delta extraction table. Nil uses the default.
	Extractors *extract.Table
}

// Client issues streaming completion requests.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	idleTimeout time.Duration
	extractors  *extract.Table
	httpClient  *http.Client
}

// Event is one normalized occurrence on a completion stream. Exactly one of
// the fields is meaningful; Done and Err are terminal.
type Event struct {
	Delta string
	Done  bool
	Err   error
}

// StatusError reports an upstream rejection that happened before any
// streaming began. The relay mirrors Status and Body to its own caller.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// New creates a Client. Both the API key and the endpoint URL are required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("upstream: api key required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("upstream: endpoint url required")
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = defaultModel
	}
	temperature := cfg.DefaultTemperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	extractors := cfg.Extractors
	if extractors == nil {
		extractors = extract.Default()
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSpace(cfg.BaseURL),
		model:       model,
		temperature: temperature,
		idleTimeout: cfg.IdleTimeout,
		extractors:  extractors,
		// No overall timeout: streams stay open as long as the provider
		// keeps sending. Stalls are handled by the idle watchdog.
		httpClient: &http.Client{},
	}, nil
}

// ResolveModel returns the model a request will be sent with: the requested
// model, or the configured default when blank.
func (c *Client) ResolveModel(requested string) string {
	if strings.TrimSpace(requested) == "" {
		return c.model
	}
	return requested
}

// StreamCompletion opens a streaming completion and returns a channel of
// normalized events in upstream emission order. The channel is closed after a
// terminal event (Done or Err). Errors before streaming begins are returned
// directly; a non-2xx response surfaces as *StatusError.
func (c *Client) StreamCompletion(ctx context.Context, req chat.CompletionRequest) (<-chan Event, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("upstream: no messages provided")
	}

	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	// stream is forced regardless of caller input.
	payload := map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"temperature": temperature,
		"stream":      true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.Body == nil {
		defer cancel()
		var data []byte
		if resp.Body != nil {
			defer resp.Body.Close()
			data, _ = io.ReadAll(resp.Body)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return nil, &StatusError{Status: status, Body: data}
	}

	ch := make(chan Event, 10)
	go c.readLoop(ctx, cancel, resp.Body, ch)
	return ch, nil
}

// readLoop pumps the response body through the SSE decoder and the extractor
// table. It owns the channel and always closes it after a terminal event.
func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()
	defer cancel()

	var idleFired atomic.Bool
	var watchdog *time.Timer
	if c.idleTimeout > 0 {
		watchdog = time.AfterFunc(c.idleTimeout, func() {
			idleFired.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	var dec sse.Decoder
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			if idleFired.Load() {
				ch <- Event{Err: fmt.Errorf("upstream: idle for longer than %s", c.idleTimeout)}
			} else {
				ch <- Event{Err: ctx.Err()}
			}
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if watchdog != nil {
				watchdog.Reset(c.idleTimeout)
			}
			for _, payload := range dec.Feed(buf[:n]) {
				if sse.IsDone(payload) {
					// Close out immediately; pending buffered bytes are
					// intentionally dropped.
					ch <- Event{Done: true}
					return
				}
				delta, isJSON := c.extractors.Delta([]byte(payload))
				if !isJSON {
					if payload != "" {
						ch <- Event{Delta: payload}
					}
					continue
				}
				if delta != "" {
					ch <- Event{Delta: delta}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Provider ended the stream without the sentinel; treat as
				// normal completion.
				ch <- Event{Done: true}
				return
			}
			if idleFired.Load() {
				ch <- Event{Err: fmt.Errorf("upstream: idle for longer than %s", c.idleTimeout)}
				return
			}
			if ctx.Err() != nil {
				ch <- Event{Err: ctx.Err()}
				return
			}
			ch <- Event{Err: fmt.Errorf("upstream: read stream: %w", err)}
			return
		}
	}
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/focusdeck/chat-relay/internal/chat"
	"github.com/focusdeck/chat-relay/internal/ledger"
	"github.com/focusdeck/chat-relay/internal/sse"
	"github.com/focusdeck/chat-relay/internal/upstream"
)

// handleChatStream relays one completion request as a server-sent event
// stream. Once the 200 is written, failures become in-band error events.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()

	if s.upstream == nil {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		http.Error(w, "Server not configured", http.StatusInternalServerError)
		return
	}

	var req chat.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("messages must not be empty"))
		return
	}

	events, err := s.upstream.StreamCompletion(r.Context(), req)
	if err != nil {
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			// Pre-stream rejection: mirror the upstream verdict
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.WriteHeader(statusErr.Status)
			_, _ = w.Write(statusErr.Body)
			return
		}
		s.respondError(w, http.StatusBadGateway, err)
		return
	}

	sse.PrepareHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sw := sse.NewWriter(w)

	streamID := uuid.New().String()
	outcome := ledger.OutcomeDone
	completionChars := 0
	var firstDeltaAt time.Time

	for ev := range events {
		switch {
		case ev.Err != nil:
			s.debugf("stream %s upstream error: %v", streamID, ev.Err)
			if errors.Is(ev.Err, context.Canceled) {
				outcome = ledger.OutcomeCanceled
			} else {
				outcome = ledger.OutcomeError
				_ = sw.WriteError(ev.Err.Error())
			}
		case ev.Done:
			_ = sw.WriteDone()
		default:
			if firstDeltaAt.IsZero() {
				firstDeltaAt = time.Now()
			}
			completionChars += len(ev.Delta)
			if werr := sw.WriteData(ev.Delta); werr != nil {
				// Client went away; the request context cancellation
				// tears down the upstream read loop.
				outcome = ledger.OutcomeCanceled
			}
		}
	}

	total := time.Since(reqStart)
	s.recordStream(req, streamID, outcome, completionChars, total)
	if s.logger != nil {
		ttfb := int64(-1)
		if !firstDeltaAt.IsZero() {
			ttfb = firstDeltaAt.Sub(reqStart).Milliseconds()
		}
		s.logger.Printf("chat.stream id=%s outcome=%s total_ms=%d ttfb_ms=%d completion_chars=%d",
			streamID, outcome, total.Milliseconds(), ttfb, completionChars)
	}
}

// recordStream writes a usage entry. Token counts are estimated at 4 chars
// per token; the relay never sees provider-reported usage.
func (s *Server) recordStream(req chat.CompletionRequest, streamID string, outcome ledger.Outcome, completionChars int, total time.Duration) {
	if s.ledger == nil {
		return
	}
	entry := ledger.Entry{
		StreamID:         streamID,
		Model:            s.upstream.ResolveModel(req.Model),
		PromptTokens:     int64(req.PromptChars() / 4),
		CompletionTokens: int64(completionChars / 4),
		Outcome:          outcome,
		DurationMS:       total.Milliseconds(),
	}
	// Detached context: the request context is often already canceled here
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Record(ctx, entry); err != nil && s.logger != nil {
		s.logger.Printf("ledger record failed for stream %s: %v", streamID, err)
	}
}

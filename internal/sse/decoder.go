package sse

import "strings"

// Sentinel payloads shared by the relay and its clients.
const (
	DoneSentinel = "[DONE]"
	ErrorPrefix  = "__error__:"
)

// IsDone reports whether payload is the completion sentinel. Providers pad
// the sentinel inconsistently, so surrounding whitespace is tolerated here
// even though delta payloads are taken verbatim.
func IsDone(payload string) bool {
	return strings.TrimSpace(payload) == DoneSentinel
}

// ErrorMessage extracts the message from an in-band error payload. The second
// return is false when payload is not an error frame.
func ErrorMessage(payload string) (string, bool) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, ErrorPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, ErrorPrefix)), true
}

// Decoder incrementally splits an SSE byte stream into data payloads. Feed may
// be called with arbitrarily fragmented chunks; a trailing incomplete event is
// buffered until the blank-line boundary that terminates it arrives, so the
// emitted payload sequence does not depend on chunk boundaries.
type Decoder struct {
	buf strings.Builder
}

// Feed appends a chunk and returns the data payloads of every event completed
// by it, in stream order. Only `data:` lines carry payload; other fields and
// comment lines are ignored.
func (d *Decoder) Feed(p []byte) []string {
	d.buf.WriteString(string(p))
	rest := d.buf.String()

	var payloads []string
	for {
		event, tail, ok := splitEvent(rest)
		if !ok {
			break
		}
		rest = tail
		payloads = append(payloads, eventPayloads(event)...)
	}

	d.buf.Reset()
	d.buf.WriteString(rest)
	return payloads
}

// Pending reports whether an incomplete event remains buffered.
func (d *Decoder) Pending() bool {
	return strings.TrimSpace(d.buf.String()) != ""
}

// splitEvent cuts buf at the first blank-line boundary (two consecutive
// newlines, tolerant of carriage returns) and returns the event text before it
// and the remainder after it.
func splitEvent(buf string) (event, rest string, ok bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(buf) && buf[j] == '\r' {
			j++
		}
		if j < len(buf) && buf[j] == '\n' {
			return buf[:i], buf[j+1:], true
		}
	}
	return "", buf, false
}

// eventPayloads scans an event's lines and returns the payload of each data
// line. Only the single space conventionally following the colon is stripped;
// interior whitespace is payload (deltas often start with a space).
func eventPayloads(event string) []string {
	var out []string
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimPrefix(payload, " ")
		out = append(out, payload)
	}
	return out
}

// Package extract pulls text deltas out of heterogeneous upstream stream
// payloads. Providers disagree on where the incremental text lives, so the
// table applies a priority-ordered list of pure extractor functions and takes
// the first non-empty match.
package extract

import "encoding/json"

// Extractor inspects a decoded JSON payload and returns a text delta when the
// shape it knows is present.
type Extractor struct {
	Name string
	Fn   func(v map[string]any) (string, bool)
}

// Table is an ordered first-match-wins extractor list.
type Table struct {
	extractors []Extractor
}

// Default returns the built-in table. Priority order: chat-completion
// incremental delta, chat-completion full message, then the generic field
// names some providers use for plain payloads.
func Default() *Table {
	t := &Table{extractors: []Extractor{
		{Name: "chat.delta", Fn: chatDelta},
		{Name: "chat.message", Fn: chatMessage},
	}}
	t.AddFields("text", "content", "delta")
	return t
}

// AddFields appends generic top-level string fields to the table, in order.
func (t *Table) AddFields(names ...string) {
	for _, name := range names {
		t.extractors = append(t.extractors, Extractor{
			Name: "field." + name,
			Fn:   stringField(name),
		})
	}
}

// Delta attempts to parse payload as JSON and extract a text delta.
// The second return is false when the payload is not JSON at all; callers
// forward such payloads verbatim. Any parsed payload without a matching field
// yields ("", true): valid, just nothing to emit. That covers role-only
// deltas and usage frames, and also non-object values (scalars, arrays,
// null), which are JSON and therefore never forwarded as raw text.
func (t *Table) Delta(payload []byte) (delta string, isJSON bool) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", true
	}
	for _, ex := range t.extractors {
		if s, ok := ex.Fn(obj); ok && s != "" {
			return s, true
		}
	}
	return "", true
}

func chatDelta(v map[string]any) (string, bool) {
	return choiceField(v, "delta")
}

func chatMessage(v map[string]any) (string, bool) {
	return choiceField(v, "message")
}

// choiceField digs choices[0].<key>.content.
func choiceField(v map[string]any, key string) (string, bool) {
	choices, ok := v["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	inner, ok := first[key].(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := inner["content"].(string)
	return s, ok
}

func stringField(name string) func(map[string]any) (string, bool) {
	return func(v map[string]any) (string, bool) {
		s, ok := v[name].(string)
		return s, ok
	}
}

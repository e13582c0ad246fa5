package vecstore

import "fmt"

// EventNone is the event reported for results whose source does not mark an
// explicit memory event, such as search responses.
const EventNone = "NONE"

// Result is the normalized form of one vector-store record.
type Result struct {
	// ID is the vector id.
	ID string

	// Text is the stored memory text.
	Text string

	// Event is the memory event reported by an add response ("ADD", "UPDATE",
	// "DELETE") or [EventNone] when the source carries no event.
	Event string

	// Score is the similarity score from a search response; zero when absent.
	Score float64

	// Metadata holds any extra fields the store attached to the record.
	Metadata map[string]any
}

// Normalize reconciles the two wire shapes a vector store may return, a
// wrapped object {"results": [...]} or a bare list [...], into an ordered
// []Result.
//
// It never panics on missing or oddly typed fields: the memory text is taken
// from "memory", "text", or "data" in that order, unknown value types degrade
// to their string form, and a missing event defaults to [EventNone]. Raw
// responses from any Store implementation must pass through here; no other
// code recognises the wire shapes.
func Normalize(raw any) []Result {
	var items []any

	switch v := raw.(type) {
	case nil:
		return []Result{}
	case map[string]any:
		wrapped, ok := v["results"].([]any)
		if !ok {
			return []Result{}
		}
		items = wrapped
	case []any:
		items = v
	case []Result:
		out := make([]Result, len(v))
		copy(out, v)
		return out
	default:
		return []Result{}
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			results = append(results, Result{
				Text:     stringify(item),
				Event:    EventNone,
				Metadata: map[string]any{},
			})
			continue
		}
		results = append(results, normalizeRecord(record))
	}
	return results
}

// normalizeRecord maps one raw record into a Result.
func normalizeRecord(record map[string]any) Result {
	r := Result{
		ID:       stringField(record, "id"),
		Event:    EventNone,
		Metadata: map[string]any{},
	}

	for _, key := range []string{"memory", "text", "data"} {
		if v, ok := record[key]; ok && v != nil {
			r.Text = stringify(v)
			break
		}
	}

	if ev := stringField(record, "event"); ev != "" {
		r.Event = ev
	}

	switch s := record["score"].(type) {
	case float64:
		r.Score = s
	case int:
		r.Score = float64(s)
	}

	if md, ok := record["metadata"].(map[string]any); ok {
		r.Metadata = md
	}

	return r
}

// stringField returns record[key] as a string, or "" when absent or not a
// string.
func stringField(record map[string]any, key string) string {
	if s, ok := record[key].(string); ok {
		return s
	}
	return ""
}

// stringify renders any value as text. Strings pass through unchanged.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

package event

import (
	"encoding/json"
	"strconv"
)

// FeedEvent is one frame received from the change feed. Data is the raw
// payload exactly as the feed sent it; ResumeToken is the frame's id field
// and is empty when the frame carried none.
type FeedEvent struct {
	ResumeToken string
	Data        []byte
}

// NaturalKey extracts a stable deduplication key from a feed payload.
// Change-feed payloads carry their identity under meta.id; some sources put
// it at the top level instead. Returns "" when neither is present or the
// payload is not JSON, in which case persistence falls back to plain
// append-only inserts.
func NaturalKey(payload []byte) string {
	var probe struct {
		ID   any `json:"id"` // string for most feeds, numeric for some
		Meta struct {
			ID string `json:"id"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.Meta.ID != "" {
		return probe.Meta.ID
	}
	switch id := probe.ID.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}

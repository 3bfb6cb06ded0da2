package bus

import (
	"context"
	"encoding/json"
	"errors"
)

// Event types emitted by the feed.
const (
	EventNewPost  = "new_post"
	EventNewReply = "new_reply"
)

// Event is the JSON object delivered to transports: {type, data, topics}.
type Event struct {
	Type   string   `json:"type"`
	Data   any      `json:"data"`
	Topics []string `json:"topics"`
}

// Transport is a live sink for delivered events, such as an open WebSocket.
// Implementations must be comparable (pointer types) because the bus keys
// registrations by transport. A Transport that also implements io.Closer is
// closed when the bus drops it as dead.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
}

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("bus closed")

	// ErrSendTimeout marks a transport that did not accept a message within
	// the configured send timeout.
	ErrSendTimeout = errors.New("transport send timed out")
)

// envelope is the broker wire format. ID lets receivers drop the copies that
// arrive on each of the event's topic channels; Origin lets an instance skip
// its own messages.
type envelope struct {
	ID     string          `json:"id"`
	Origin string          `json:"origin"`
	Topics []string        `json:"topics"`
	Event  json.RawMessage `json:"event"`
}

// dedupTopics drops blanks and repeats while keeping first-seen order.
func dedupTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

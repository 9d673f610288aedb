// Package sse delivers task progress as server-sent events. Producers push
// into per-task channels without blocking; one consumer per channel drains
// them as a stream, with heartbeats filling the gaps.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event kinds, in the order a consumer typically sees them.
const (
	KindConnected = "connected"
	KindProgress  = "progress"
	KindComplete  = "complete"
	KindError     = "error"
	KindHeartbeat = "heartbeat"
	KindClose     = "close"
)

// RetryMS is the reconnect hint carried by connected events, in
// milliseconds.
const RetryMS = 3000

// Event is one message on a progress stream. ID is assigned at delivery:
// per stream, ids start at 1 and strictly increase.
type Event struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Retry     int            `json:"retry,omitempty"`
}

// Encode renders the event as a text/event-stream block, terminated by the
// required blank line. Zero ID and Retry fields are omitted.
func (e Event) Encode() string {
	var b strings.Builder
	if e.ID > 0 {
		fmt.Fprintf(&b, "id: %d\n", e.ID)
	}
	if e.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", e.Retry)
	}
	fmt.Fprintf(&b, "event: %s\n", e.Kind)
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

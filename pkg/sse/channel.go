package sse

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultQueueSize    = 256
	DefaultPollInterval = 30 * time.Second
	DefaultIdleTimeout  = 300 * time.Second
)

// Channel buffers events for one task or batch job. Producers never block:
// when the buffer is full the event is dropped and Send reports false.
// Exactly one consumer is expected to call Stream.
type Channel struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	active       bool
	lastActivity time.Time
	events       chan Event
}

// NewChannel builds an active channel with the given buffer size.
func NewChannel(id string, queueSize int) *Channel {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	now := time.Now()
	return &Channel{
		ID:           id,
		CreatedAt:    now,
		active:       true,
		lastActivity: now,
		events:       make(chan Event, queueSize),
	}
}

// Send enqueues an event. It reports false when the channel is closed or
// the buffer is full.
func (c *Channel) Send(kind string, data map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	return c.enqueueLocked(Event{Kind: kind, Data: data, Timestamp: time.Now()})
}

// SendProgress reports progress as a percentage with a short message.
func (c *Channel) SendProgress(progress int, message string) bool {
	return c.Send(KindProgress, map[string]any{
		"progress":  progress,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// SendComplete delivers the final result.
func (c *Channel) SendComplete(result map[string]any) bool {
	return c.Send(KindComplete, result)
}

// SendError delivers a terminal error.
func (c *Channel) SendError(message string) bool {
	return c.Send(KindError, map[string]any{"error": message, "code": "ERROR"})
}

// Close marks the channel inactive and enqueues the final close event.
// Later sends are dropped. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	c.enqueueLocked(Event{Kind: KindClose, Data: map[string]any{"reason": "channel_closed"}, Timestamp: time.Now()})
}

// Active reports whether the channel still accepts events.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Channel) enqueueLocked(ev Event) bool {
	select {
	case c.events <- ev:
		c.lastActivity = ev.Timestamp
		return true
	default:
		return false
	}
}

func (c *Channel) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Stream drains the channel as an ordered event sequence. The first event
// is connected, carrying the reconnect hint. Quiet stretches produce a
// heartbeat every pollInterval; once nothing has been sent for idleTimeout
// the channel closes itself and the stream ends. A delivered close event
// ends the stream, as does cancelling ctx. Ids are assigned here, so they
// strictly increase in delivery order.
func (c *Channel) Stream(ctx context.Context, pollInterval, idleTimeout time.Duration) <-chan Event {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		var seq int64
		emit := func(ev Event) bool {
			seq++
			ev.ID = seq
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		connected := Event{
			Kind:      KindConnected,
			Data:      map[string]any{"channel_id": c.ID},
			Timestamp: time.Now(),
			Retry:     RetryMS,
		}
		if !emit(connected) {
			return
		}

		for {
			select {
			case ev := <-c.events:
				if !emit(ev) {
					return
				}
				if ev.Kind == KindClose {
					return
				}
			case <-time.After(pollInterval):
				heartbeat := Event{
					Kind:      KindHeartbeat,
					Data:      map[string]any{"time": time.Now().UTC().Format(time.RFC3339)},
					Timestamp: time.Now(),
				}
				if !emit(heartbeat) {
					return
				}
				if c.idle() >= idleTimeout {
					c.Close()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

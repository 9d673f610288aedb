package sse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slideforge/pkg/logger"
)

const DefaultMaxChannels = 1000

// ErrChannelNotFound is returned by Subscribe for unknown channel ids.
var ErrChannelNotFound = errors.New("channel not found")

// Config sizes the manager and the channels it creates.
type Config struct {
	MaxChannels  int
	QueueSize    int
	PollInterval time.Duration
	IdleTimeout  time.Duration
}

// Manager tracks the live channels, capping how many exist at once.
type Manager struct {
	cfg    Config
	logger *logger.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewManager builds a Manager. Zero config fields take the defaults; a nil
// log gets a component logger.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = DefaultMaxChannels
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = logger.New("EventManager")
	}
	return &Manager{cfg: cfg, logger: log, channels: make(map[string]*Channel)}
}

// CreateChannel returns the channel for id, creating it if needed. An
// existing active channel is reused; a dead one is replaced. At capacity,
// inactive channels are swept first and, failing that, the oldest channel
// is evicted.
func (m *Manager) CreateChannel(id string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[id]; ok {
		if ch.Active() {
			return ch
		}
		delete(m.channels, id)
	}
	if len(m.channels) >= m.cfg.MaxChannels {
		m.cleanupLocked()
		if len(m.channels) >= m.cfg.MaxChannels {
			m.evictOldestLocked()
		}
	}
	ch := NewChannel(id, m.cfg.QueueSize)
	m.channels[id] = ch
	return ch
}

// Get returns the channel for id if it exists.
func (m *Manager) Get(id string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Subscribe opens the event stream for a channel.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	ch, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", id, ErrChannelNotFound)
	}
	return ch.Stream(ctx, m.cfg.PollInterval, m.cfg.IdleTimeout), nil
}

// SendTo delivers an event to the named channel if it exists.
func (m *Manager) SendTo(id, kind string, data map[string]any) bool {
	ch, ok := m.Get(id)
	if !ok {
		return false
	}
	return ch.Send(kind, data)
}

// SendProgressTo delivers a progress event to the named channel.
func (m *Manager) SendProgressTo(id string, progress int, message string) bool {
	ch, ok := m.Get(id)
	if !ok {
		return false
	}
	return ch.SendProgress(progress, message)
}

// Complete delivers the final result to the channel and closes it.
func (m *Manager) Complete(id string, result map[string]any) {
	if ch, ok := m.Get(id); ok {
		ch.SendComplete(result)
		ch.Close()
	}
}

// Fail delivers the terminal error to the channel and closes it.
func (m *Manager) Fail(id, message string) {
	if ch, ok := m.Get(id); ok {
		ch.SendError(message)
		ch.Close()
	}
}

// CloseChannel closes the named channel if it exists.
func (m *Manager) CloseChannel(id string) {
	if ch, ok := m.Get(id); ok {
		ch.Close()
	}
}

// CloseAll closes every channel. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}

// CleanupInactive removes channels that have been closed. Returns how many
// were removed.
func (m *Manager) CleanupInactive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked()
}

// Stats reports channel occupancy.
type Stats struct {
	TotalChannels  int `json:"total_channels"`
	ActiveChannels int `json:"active_channels"`
	MaxChannels    int `json:"max_channels"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{TotalChannels: len(m.channels), MaxChannels: m.cfg.MaxChannels}
	for _, ch := range m.channels {
		if ch.Active() {
			st.ActiveChannels++
		}
	}
	return st
}

func (m *Manager) cleanupLocked() int {
	removed := 0
	for id, ch := range m.channels {
		if !ch.Active() {
			delete(m.channels, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) evictOldestLocked() {
	var oldest *Channel
	for _, ch := range m.channels {
		if oldest == nil || ch.CreatedAt.Before(oldest.CreatedAt) {
			oldest = ch
		}
	}
	if oldest != nil {
		oldest.Close()
		delete(m.channels, oldest.ID)
		m.logger.WithFields(map[string]any{"channel_id": oldest.ID}).Warn("channel capacity reached, evicted oldest")
	}
}

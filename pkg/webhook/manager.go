package webhook

import (
	"context"
	"fmt"
	"maps"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"slideforge/pkg/logger"
	"slideforge/pkg/metrics"
)

// maxDeliveries caps the in-memory delivery log.
const maxDeliveries = 1000

const opDeliver = "webhook.deliver"

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger replaces the default component logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records delivery timings on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// Manager fans events out to every registered webhook. Deliveries run on
// their own goroutines; Close waits for the stragglers.
type Manager struct {
	logger    *logger.Logger
	collector *metrics.Collector

	mu         sync.Mutex
	senders    map[string]*Sender
	deliveries []Delivery
	wg         sync.WaitGroup
}

// NewManager builds an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:  logger.New("WebhookManager"),
		senders: make(map[string]*Sender),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a webhook subscription and returns its id. Only absolute
// http and https URLs are accepted.
func (m *Manager) Register(cfg Config) (string, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url %q: %w", cfg.URL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("webhook url must be absolute http or https: %q", cfg.URL)
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.senders[id] = NewSender(cfg)
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{"webhook_id": id, "url": cfg.URL}).Info("webhook registered")
	return id, nil
}

// Unregister removes a subscription, reporting whether it existed.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	_, ok := m.senders[id]
	delete(m.senders, id)
	m.mu.Unlock()

	if ok {
		m.logger.WithFields(map[string]any{"webhook_id": id}).Info("webhook unregistered")
	}
	return ok
}

// Info describes a registered webhook.
type Info struct {
	ID       string   `json:"id"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Disabled bool     `json:"disabled,omitempty"`
}

// Webhooks lists the registered subscriptions.
func (m *Manager) Webhooks() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.senders))
	for id, s := range m.senders {
		out = append(out, Info{ID: id, URL: s.cfg.URL, Events: s.cfg.Events, Disabled: s.cfg.Disabled})
	}
	return out
}

// Trigger delivers event to every registered webhook asynchronously. Each
// sender applies its own filtering, so unsubscribed hooks record a filtered
// delivery without touching the network.
func (m *Manager) Trigger(event string, data map[string]any) {
	payload := Payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	m.mu.Lock()
	senders := make([]*Sender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.Unlock()

	for _, s := range senders {
		m.wg.Add(1)
		go m.deliver(s, payload)
	}
}

func (m *Manager) deliver(s *Sender, payload Payload) {
	defer m.wg.Done()

	start := time.Now()
	d := s.Send(context.Background(), payload)
	if m.collector != nil && (d.Status == DeliverySuccess || d.Status == DeliveryFailed) {
		m.collector.Record(opDeliver, time.Since(start), d.Status == DeliveryFailed)
	}

	m.mu.Lock()
	m.deliveries = append(m.deliveries, d)
	if len(m.deliveries) > maxDeliveries {
		m.deliveries = m.deliveries[len(m.deliveries)-maxDeliveries:]
	}
	m.mu.Unlock()
}

// Deliveries returns recent delivery records newest first, up to limit
// (0 means all).
func (m *Manager) Deliveries(limit int) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.deliveries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Delivery, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.deliveries[i])
	}
	return out
}

// Stats summarizes registrations and delivery outcomes.
type Stats struct {
	WebhookCount    int     `json:"webhook_count"`
	TotalDeliveries int     `json:"total_deliveries"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	SuccessRate     float64 `json:"success_rate"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{WebhookCount: len(m.senders), TotalDeliveries: len(m.deliveries)}
	for _, d := range m.deliveries {
		switch d.Status {
		case DeliverySuccess:
			st.Successful++
		case DeliveryFailed:
			st.Failed++
		}
	}
	st.SuccessRate = math.Round(float64(st.Successful)/float64(max(st.TotalDeliveries, 1))*10000) / 100
	return st
}

// NotifyTaskCompleted triggers task.completed with the task's result merged
// into the payload data.
func (m *Manager) NotifyTaskCompleted(taskID string, result map[string]any) {
	data := map[string]any{"task_id": taskID}
	maps.Copy(data, result)
	m.Trigger(EventTaskCompleted, data)
}

// NotifyTaskFailed triggers task.failed.
func (m *Manager) NotifyTaskFailed(taskID, errMsg string) {
	m.Trigger(EventTaskFailed, map[string]any{"task_id": taskID, "error": errMsg})
}

// NotifyBatchCompleted triggers batch.completed with the job's summary
// merged into the payload data.
func (m *Manager) NotifyBatchCompleted(jobID string, summary map[string]any) {
	data := map[string]any{"job_id": jobID}
	maps.Copy(data, summary)
	m.Trigger(EventBatchCompleted, data)
}

// Close waits for in-flight deliveries up to ctx's deadline.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"slideforge/pkg/logger"
	"slideforge/pkg/retry"
)

const (
	userAgent = "SlideForge-Webhook/1.0"
	// response bodies beyond this are truncated in the delivery log
	maxResponseBytes = 500
)

// Sender delivers payloads for a single webhook config. Non-2xx responses
// and transport errors are retried with exponential backoff; the HTTP status
// never classifies an attempt as permanent, matching the at-least-try-
// RetryCount contract.
type Sender struct {
	cfg     Config
	client  *http.Client
	backoff retry.Config
	logger  *logger.Logger
}

// NewSender builds a Sender. Zero config fields take the defaults; an empty
// event list subscribes to task.completed and task.failed.
func NewSender(cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{EventTaskCompleted, EventTaskFailed}
	}
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		backoff: retry.Config{
			MaxAttempts: cfg.RetryCount,
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    time.Minute,
			Classify:    func(error) bool { return true },
		},
		logger: logger.New("WebhookSender"),
	}
}

// Send delivers payload, assigning it a fresh webhook id, and reports the
// outcome. Disabled configs yield a skipped delivery; unsubscribed events a
// filtered one. Neither touches the network.
func (s *Sender) Send(ctx context.Context, payload Payload) Delivery {
	payload.WebhookID = uuid.NewString()
	d := Delivery{
		WebhookID: payload.WebhookID,
		URL:       s.cfg.URL,
		Event:     payload.Event,
		Status:    DeliveryPending,
		CreatedAt: time.Now(),
	}

	if s.cfg.Disabled {
		d.Status = DeliverySkipped
		return d
	}
	if !s.subscribed(payload.Event) {
		d.Status = DeliveryFiltered
		return d
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		return d
	}
	headers := map[string]string{
		"Content-Type":    "application/json",
		"User-Agent":      userAgent,
		"X-Webhook-Event": payload.Event,
		"X-Webhook-ID":    payload.WebhookID,
	}
	for k, v := range s.cfg.Headers {
		headers[k] = v
	}
	if s.cfg.Secret != "" {
		headers["X-Webhook-Signature"] = "sha256=" + Sign(body, s.cfg.Secret)
	}

	_, err = retry.Do(ctx, s.backoff, func(ctx context.Context) (any, error) {
		d.Attempts++
		return nil, s.post(ctx, &d, body, headers)
	})
	if err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
		var rerr *retry.Error
		if errors.As(err, &rerr) {
			d.Error = rerr.Last.Error()
		}
		s.logger.WithFields(map[string]any{
			"webhook_id": d.WebhookID,
			"url":        s.cfg.URL,
			"attempts":   d.Attempts,
			"error":      d.Error,
		}).Warn("webhook delivery failed")
		return d
	}

	d.Status = DeliverySuccess
	d.DeliveredAt = time.Now()
	s.logger.WithFields(map[string]any{
		"webhook_id": d.WebhookID,
		"url":        s.cfg.URL,
		"event":      payload.Event,
	}).Info("webhook delivered")
	return d
}

func (s *Sender) subscribed(event string) bool {
	for _, e := range s.cfg.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// post performs one delivery attempt, recording the response on d.
func (s *Sender) post(ctx context.Context, d *Delivery, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	d.ResponseCode = resp.StatusCode
	truncated, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	d.ResponseBody = string(truncated)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

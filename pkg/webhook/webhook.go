// Package webhook pushes job lifecycle notifications to subscriber URLs.
// Deliveries are signed JSON POSTs with bounded retries; outcomes are kept in
// a capped in-memory log.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event names a notification kind. Subscribers filter on these, or on "*".
const (
	EventTaskCreated    = "task.created"
	EventTaskStarted    = "task.started"
	EventTaskProgress   = "task.progress"
	EventTaskCompleted  = "task.completed"
	EventTaskFailed     = "task.failed"
	EventBatchCompleted = "batch.completed"
)

// Defaults applied by NewSender for zero Config fields.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetryCount = 3
)

// Config describes one webhook subscription.
type Config struct {
	URL string `json:"url"`
	// Secret, when set, signs every delivery with HMAC-SHA256.
	Secret string `json:"-"`
	// Events filters which notifications are delivered. Empty subscribes to
	// task.completed and task.failed; "*" subscribes to everything.
	Events []string `json:"events,omitempty"`
	// Headers are added to every request, after the standard ones.
	Headers map[string]string `json:"-"`
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `json:"-"`
	// RetryCount is the total number of attempts per delivery.
	RetryCount int `json:"-"`
	// Disabled short-circuits delivery; such sends are logged as skipped.
	Disabled bool `json:"disabled,omitempty"`
}

// Payload is the body of every delivery.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	WebhookID string         `json:"webhook_id"`
}

// DeliveryStatus is the outcome of one delivery.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliverySkipped  DeliveryStatus = "skipped"
	DeliveryFiltered DeliveryStatus = "filtered"
)

// Delivery records one notification attempt chain.
type Delivery struct {
	WebhookID    string         `json:"webhook_id"`
	URL          string         `json:"url"`
	Event        string         `json:"event"`
	Status       DeliveryStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	ResponseCode int            `json:"response_code,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DeliveredAt  time.Time      `json:"delivered_at,omitempty"`
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. The comparison
// is constant time.
func Verify(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

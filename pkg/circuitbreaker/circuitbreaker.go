// Package circuitbreaker isolates failing upstreams. A breaker counts
// consecutive failures while Closed, rejects calls outright while Open, and
// probes recovery through a Half-Open state once the cool-down elapsed.
package circuitbreaker

import (
	"errors"
	"math"
	"sync"
	"time"
)

// State is the breaker's position in the Closed -> Open -> Half-Open cycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without invoking the protected call while the
// breaker is Open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	DefaultFailureThreshold uint32 = 5
	DefaultSuccessThreshold uint32 = 2
	DefaultTimeout                 = 60 * time.Second
)

// Config holds the trip thresholds for one breaker. Zero fields take the
// defaults.
type Config struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	Timeout          time.Duration
	// Excluded errors pass through the breaker without touching any
	// counter; they are expected outcomes, not upstream faults.
	Excluded []error
}

// AIAPIConfig is the profile for the text-generation upstream.
func AIAPIConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}
}

// ImageAPIConfig is the profile for the image upstream, which flaps more and
// recovers faster.
func ImageAPIConfig() Config {
	return Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

// Status is a point-in-time snapshot of one breaker.
type Status struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	TotalCalls           uint64    `json:"total_calls"`
	SuccessfulCalls      uint64    `json:"successful_calls"`
	FailedCalls          uint64    `json:"failed_calls"`
	RejectedCalls        uint64    `json:"rejected_calls"`
	FailureRate          float64   `json:"failure_rate"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	FailureThreshold     uint32    `json:"failure_threshold"`
	Timeout              string    `json:"timeout"`
}

// Breaker guards one named upstream. All methods are safe for concurrent
// use; the check and the outcome are booked as separate critical sections,
// so the thresholds converge rather than hold call-for-call.
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	totalCalls           uint64
	successfulCalls      uint64
	failedCalls          uint64
	rejectedCalls        uint64
	lastFailureTime      time.Time
}

// New builds a Closed breaker named after the upstream it protects.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Breaker{name: name, cfg: cfg}
}

// Name reports which upstream this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is Open. fn's error is returned
// unchanged after the outcome is booked; a rejection returns ErrCircuitOpen
// without invoking fn.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}
	result, err := fn()
	b.record(err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// State reports the current state, applying the cool-down transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(time.Now())
	return b.state
}

// Status snapshots the breaker, cool-down transition included, so a status
// read behaves like any other observation of the state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(time.Now())
	rate := float64(b.failedCalls) / float64(max(b.totalCalls, 1)) * 100
	return Status{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalCalls:           b.totalCalls,
		SuccessfulCalls:      b.successfulCalls,
		FailedCalls:          b.failedCalls,
		RejectedCalls:        b.rejectedCalls,
		FailureRate:          math.Round(rate*100) / 100,
		LastFailureTime:      b.lastFailureTime,
		FailureThreshold:     b.cfg.FailureThreshold,
		Timeout:              b.cfg.Timeout.String(),
	}
}

// ForceOpen trips the breaker manually, e.g. ahead of known upstream
// maintenance. It recovers through the normal cool-down.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.lastFailureTime = time.Now()
}

// ForceClose resets the breaker manually.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// admit applies the lazy transition and rejects while Open.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(time.Now())
	if b.state == Open {
		b.rejectedCalls++
		return ErrCircuitOpen
	}
	return nil
}

// record books the outcome of one attempted call. Excluded errors bypass
// the breaker entirely: no counter moves.
func (b *Breaker) record(err error) {
	if err != nil && b.isExcluded(err) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	if err != nil {
		b.onFailureLocked(time.Now())
	} else {
		b.onSuccessLocked()
	}
}

func (b *Breaker) isExcluded(err error) bool {
	for _, excluded := range b.cfg.Excluded {
		if errors.Is(err, excluded) {
			return true
		}
	}
	return false
}

// refreshLocked moves Open to Half-Open once the cool-down elapsed. The
// probation starts with a clean success streak.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == Open && now.Sub(b.lastFailureTime) >= b.cfg.Timeout {
		b.state = HalfOpen
		b.consecutiveSuccesses = 0
	}
}

func (b *Breaker) onSuccessLocked() {
	b.successfulCalls++
	b.consecutiveSuccesses++
	b.consecutiveFailures = 0
	if b.state == HalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.resetLocked()
	}
}

func (b *Breaker) onFailureLocked(now time.Time) {
	b.failedCalls++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailureTime = now
	switch {
	case b.state == HalfOpen:
		b.tripLocked()
	case b.state == Closed && b.consecutiveFailures >= b.cfg.FailureThreshold:
		b.tripLocked()
	}
}

// tripLocked opens the circuit. The failure streak is kept, so a status read
// right after the trip still shows the count that caused it.
func (b *Breaker) tripLocked() {
	b.state = Open
}

// resetLocked closes the circuit after recovery.
func (b *Breaker) resetLocked() {
	b.state = Closed
	b.consecutiveFailures = 0
}

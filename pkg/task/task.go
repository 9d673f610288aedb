// Package task tracks long-running jobs through their lifecycle and executes
// them under a global concurrency cap. Callers submit a work closure and get
// back an id; everything else (slots, progress, eviction, stale detection)
// is the manager's problem.
package task

import (
	"context"
	"errors"
	"maps"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrQueueFull is recorded on a task that waited too long for an
	// execution slot.
	ErrQueueFull = errors.New("task queue is full")
	// ErrTimedOut is recorded on a running task the stale sweep gave up on.
	ErrTimedOut = errors.New("task execution timed out")
)

const (
	msgStarted  = "task started"
	msgFinished = "task completed"
)

// Record is the tracked state of one submitted task. The manager owns the
// live copy; lookups return snapshots that are safe to retain.
type Record struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// snapshot copies the record. The result map is cloned so callers cannot
// reach the stored copy.
func (r *Record) snapshot() Record {
	snap := *r
	snap.Result = maps.Clone(r.Result)
	return snap
}

// ProgressFunc reports execution progress in percent with a short message.
type ProgressFunc func(progress int, message string)

// WorkFunc is the unit of work a caller hands to the manager. ctx ends when
// the manager shuts down; honoring it is cooperative.
type WorkFunc func(ctx context.Context, report ProgressFunc) (map[string]any, error)

// Package batch runs many independent work items as one reportable job.
// Items are dispatched concurrently under a per-job cap and each one executes
// as a regular task, so the global execution cap still applies. The job
// aggregates item outcomes into a single status and progress figure.
package batch

import (
	"maps"
	"time"

	"slideforge/pkg/task"
)

// Status is the aggregate lifecycle of a batch job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job can no longer change status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial, StatusCancelled:
		return true
	}
	return false
}

// ItemParams carries the caller-defined inputs of one work item.
type ItemParams map[string]any

// Item is one unit of a batch job. Its status mirrors the delegated task's
// lifecycle; Result and Error are copied from the task record when the item
// finishes.
type Item struct {
	Index       int            `json:"index"`
	Params      ItemParams     `json:"params,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Status      task.Status    `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

func (it Item) clone() Item {
	out := it
	out.Params = maps.Clone(it.Params)
	out.Result = maps.Clone(it.Result)
	return out
}

// Snapshot is a point-in-time copy of a job. Completed counts items that
// actually ran to an outcome (success or failed); cancelled items are
// excluded, so a cancelled job may finish below 100 progress.
type Snapshot struct {
	ID           string    `json:"job_id"`
	Status       Status    `json:"status"`
	Total        int       `json:"total"`
	Completed    int       `json:"completed"`
	SuccessCount int       `json:"success"`
	FailedCount  int       `json:"failed"`
	Progress     int       `json:"progress"`
	Items        []Item    `json:"items"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// job is the coordinator-owned live state behind a Snapshot.
type job struct {
	id          string
	status      Status
	items       []Item
	cancelled   bool
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

// tallyLocked counts terminal outcomes. Caller holds the coordinator lock.
func (j *job) tallyLocked() (success, failed int) {
	for i := range j.items {
		switch j.items[i].Status {
		case task.StatusSuccess:
			success++
		case task.StatusFailed:
			failed++
		}
	}
	return success, failed
}

// snapshotLocked copies the job. Caller holds the coordinator lock.
func (j *job) snapshotLocked() Snapshot {
	success, failed := j.tallyLocked()
	completed := success + failed
	progress := 0
	if n := len(j.items); n > 0 {
		progress = completed * 100 / n
	}
	items := make([]Item, len(j.items))
	for i := range j.items {
		items[i] = j.items[i].clone()
	}
	return Snapshot{
		ID:           j.id,
		Status:       j.status,
		Total:        len(j.items),
		Completed:    completed,
		SuccessCount: success,
		FailedCount:  failed,
		Progress:     progress,
		Items:        items,
		CreatedAt:    j.createdAt,
		StartedAt:    j.startedAt,
		CompletedAt:  j.completedAt,
	}
}

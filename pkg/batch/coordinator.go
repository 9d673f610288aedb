package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"slideforge/pkg/logger"
	"slideforge/pkg/sse"
	"slideforge/pkg/task"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxConcurrent = 2
	DefaultRetention     = 24 * time.Hour
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("batch coordinator is closed")

// Config sizes the coordinator.
type Config struct {
	// MaxConcurrent caps how many items of one job run at once. It must not
	// exceed the task manager's global cap, which every item also rides.
	MaxConcurrent int
	// Retention is how long finished jobs stay queryable.
	Retention time.Duration
}

// ItemWorkFunc builds the task body for one item. It receives a stable copy
// of the item, so reading Params inside the returned work is safe.
type ItemWorkFunc func(item Item) task.WorkFunc

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger replaces the default component logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEvents attaches an event manager; every job gets a progress channel
// under its id.
func WithEvents(ev *sse.Manager) Option {
	return func(c *Coordinator) { c.events = ev }
}

// WithCompletionCallback invokes fn with the final snapshot of every job.
func WithCompletionCallback(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.onComplete = fn }
}

// Coordinator decomposes batches into per-item tasks and aggregates their
// outcomes. Item execution is delegated to the task manager, so an item slot
// here still has to win a global slot there.
type Coordinator struct {
	cfg    Config
	tasks  *task.Manager
	logger *logger.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
	wg     sync.WaitGroup

	events     *sse.Manager
	onComplete func(Snapshot)
}

// New builds a Coordinator on top of a task manager. Zero config fields take
// the defaults; a batch cap above the manager's global cap is rejected since
// the extra slots could never run anyway.
func New(tasks *task.Manager, cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxConcurrent > tasks.MaxConcurrent() {
		return nil, fmt.Errorf("batch concurrency %d exceeds the task manager cap %d", cfg.MaxConcurrent, tasks.MaxConcurrent())
	}
	c := &Coordinator{
		cfg:    cfg,
		tasks:  tasks,
		logger: logger.New("BatchCoordinator"),
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit registers a job for the given items and starts dispatching them
// immediately, at most MaxConcurrent at a time and in no particular order.
// work builds the task body for each item. An empty batch completes on the
// spot.
func (c *Coordinator) Submit(items []ItemParams, work ItemWorkFunc) (string, error) {
	if work == nil {
		return "", errors.New("batch work must not be nil")
	}

	now := time.Now()
	j := &job{
		id:        uuid.NewString(),
		status:    StatusRunning,
		items:     make([]Item, len(items)),
		createdAt: now,
		startedAt: now,
	}
	for i, params := range items {
		j.items[i] = Item{Index: i, Params: params, Status: task.StatusPending}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if len(j.items) == 0 {
		j.status = StatusCompleted
		j.completedAt = now
	}
	c.jobs[j.id] = j
	c.wg.Add(len(j.items))
	snap := j.snapshotLocked()
	c.mu.Unlock()

	if c.events != nil {
		c.events.CreateChannel(j.id)
	}
	c.logger.WithBatch(j.id).WithFields(map[string]any{"items": snap.Total}).Info("batch job created")

	if snap.Status.Terminal() {
		c.finished(snap)
		return j.id, nil
	}

	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrent))
	for i := range j.items {
		go c.runItem(j, sem, i, work)
	}
	return j.id, nil
}

// Get returns a snapshot of the job. The bool is false for unknown ids.
func (c *Coordinator) Get(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return j.snapshotLocked(), true
}

// Cancel aborts a running job. The cancelled status is visible immediately;
// items not yet dispatched are marked cancelled as their turn comes up, while
// in-flight items finish and keep their outcome. Delegated tasks still
// waiting for a global slot are cancelled through the manager.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	j, ok := c.jobs[id]
	if !ok || j.status.Terminal() {
		c.mu.Unlock()
		return false
	}
	j.cancelled = true
	j.status = StatusCancelled
	var taskIDs []string
	for i := range j.items {
		if tid := j.items[i].TaskID; tid != "" && !j.items[i].Status.Terminal() {
			taskIDs = append(taskIDs, tid)
		}
	}
	c.mu.Unlock()

	for _, tid := range taskIDs {
		c.tasks.Cancel(tid)
	}
	c.logger.WithBatch(id).Info("batch job cancelled")
	return true
}

// List returns job snapshots newest first, up to limit (0 means all).
func (c *Coordinator) List(limit int) []Snapshot {
	c.mu.Lock()
	out := make([]Snapshot, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.snapshotLocked())
	}
	c.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats summarizes the registry.
type Stats struct {
	Total    int            `json:"total_jobs"`
	Running  int            `json:"running_count"`
	ByStatus map[Status]int `json:"status_counts"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Total: len(c.jobs), ByStatus: make(map[Status]int)}
	for _, j := range c.jobs {
		st.ByStatus[j.status]++
	}
	st.Running = st.ByStatus[StatusRunning]
	return st
}

// Cleanup removes finished jobs older than the retention window, partial
// ones included. Returns how many were removed.
func (c *Coordinator) Cleanup() int {
	cutoff := time.Now().Add(-c.cfg.Retention)

	c.mu.Lock()
	removed := 0
	for id, j := range c.jobs {
		if j.status.Terminal() && j.createdAt.Before(cutoff) {
			delete(c.jobs, id)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.WithFields(map[string]any{"removed": removed}).Info("cleaned up old batch jobs")
	}
	return removed
}

// Shutdown refuses new jobs, cancels live ones and waits for the item
// goroutines up to ctx's deadline. In-flight items keep running until the
// task manager itself is shut down.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := make([]string, 0, len(c.jobs))
	for id, j := range c.jobs {
		if !j.status.Terminal() {
			live = append(live, id)
		}
	}
	c.mu.Unlock()

	for _, id := range live {
		c.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("batch coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runItem executes one item once it wins a per-job slot. A job cancelled
// before the slot is won drops the item without dispatching a task.
func (c *Coordinator) runItem(j *job, sem *semaphore.Weighted, idx int, work ItemWorkFunc) {
	defer c.wg.Done()

	if err := sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer sem.Release(1)

	c.mu.Lock()
	if j.cancelled {
		j.items[idx].Status = task.StatusCancelled
		j.items[idx].CompletedAt = time.Now()
		c.mu.Unlock()
		c.itemDone(j)
		return
	}
	j.items[idx].Status = task.StatusRunning
	j.items[idx].StartedAt = time.Now()
	item := j.items[idx].clone()
	c.mu.Unlock()

	taskID := c.tasks.Create()
	c.mu.Lock()
	j.items[idx].TaskID = taskID
	c.mu.Unlock()

	rec := c.tasks.Execute(taskID, work(item))

	c.mu.Lock()
	j.items[idx].Status = rec.Status
	j.items[idx].Result = rec.Result
	j.items[idx].Error = rec.Error
	j.items[idx].CompletedAt = time.Now()
	c.mu.Unlock()

	c.itemDone(j)
}

// itemDone recomputes the aggregate after an item reached a terminal state
// and finalizes the job when it was the last one.
func (c *Coordinator) itemDone(j *job) {
	c.mu.Lock()
	done := 0
	for i := range j.items {
		if j.items[i].Status.Terminal() {
			done++
		}
	}
	final := done == len(j.items) && j.completedAt.IsZero()
	if final {
		success, failed := j.tallyLocked()
		j.completedAt = time.Now()
		switch {
		case j.cancelled:
			j.status = StatusCancelled
		case failed == 0:
			j.status = StatusCompleted
		case success == 0:
			j.status = StatusFailed
		default:
			j.status = StatusPartial
		}
	}
	snap := j.snapshotLocked()
	c.mu.Unlock()

	if final {
		c.finished(snap)
		return
	}
	if c.events != nil {
		c.events.SendProgressTo(j.id, snap.Progress, fmt.Sprintf("%d/%d items finished", snap.Completed, snap.Total))
	}
}

// finished fans the final snapshot out to the log, the job's event channel
// and the completion callback.
func (c *Coordinator) finished(snap Snapshot) {
	c.logger.WithBatch(snap.ID).WithFields(map[string]any{
		"status":  string(snap.Status),
		"success": snap.SuccessCount,
		"failed":  snap.FailedCount,
	}).Info("batch job finished")

	if c.events != nil {
		c.events.Complete(snap.ID, map[string]any{
			"status":  string(snap.Status),
			"total":   snap.Total,
			"success": snap.SuccessCount,
			"failed":  snap.FailedCount,
		})
	}
	if c.onComplete != nil {
		c.onComplete(snap)
	}
}

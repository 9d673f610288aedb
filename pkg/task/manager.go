package task

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"slideforge/pkg/logger"
	"slideforge/pkg/metrics"
	"slideforge/pkg/sse"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxConcurrent  = 3
	DefaultMaxTracked     = 100
	DefaultAcquireTimeout = 5 * time.Minute
	DefaultStaleAfter     = time.Hour
)

const opExecute = "task.execute"

// Config sizes the manager.
type Config struct {
	// MaxConcurrent is how many tasks may execute at once.
	MaxConcurrent int
	// MaxTracked caps the registry; beyond it, finished records are
	// evicted oldest-first.
	MaxTracked int
	// AcquireTimeout is how long a task may wait for a slot before it is
	// failed as queue-full.
	AcquireTimeout time.Duration
	// StaleAfter is the running age past which a task is presumed hung.
	StaleAfter time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger replaces the default component logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEvents attaches an event manager; every task gets a progress channel
// under its id.
func WithEvents(ev *sse.Manager) Option {
	return func(m *Manager) { m.events = ev }
}

// WithMetrics records execution timings on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// WithTerminalCallback invokes fn with a snapshot after every terminal
// transition. fn runs on the executing goroutine; keep it quick.
func WithTerminalCallback(fn func(Record)) Option {
	return func(m *Manager) { m.onTerminal = fn }
}

// Manager tracks task records and executes work under a global concurrency
// cap. A single mutex guards the registry; the counting semaphore is the
// only other blocking point.
type Manager struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	records map[string]*list.Element
	order   *list.List // *Record, oldest at the front
	closed  bool

	slots   *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	events     *sse.Manager
	collector  *metrics.Collector
	onTerminal func(Record)
}

// New builds a Manager. Zero config fields take the defaults.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = DefaultMaxTracked
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		logger:  logger.New("TaskManager"),
		records: make(map[string]*list.Element),
		order:   list.New(),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxConcurrent reports the global execution cap.
func (m *Manager) MaxConcurrent() int { return m.cfg.MaxConcurrent }

// Create registers a new pending task and returns its id. Stale running
// tasks are failed first; a full registry evicts its oldest finished
// records, skipping anything still pending or running.
func (m *Manager) Create() string {
	m.CleanupStale()

	id := uuid.NewString()
	m.mu.Lock()
	m.evictLocked()
	rec := &Record{ID: id, Status: StatusPending, CreatedAt: time.Now()}
	m.records[id] = m.order.PushBack(rec)
	m.mu.Unlock()

	if m.events != nil {
		m.events.CreateChannel(id)
	}
	m.logger.WithTask(id).Debug("task created")
	return id
}

// Submit creates a task, starts executing work on its own goroutine, and
// returns the new id.
func (m *Manager) Submit(work WorkFunc) string {
	id := m.Create()
	m.Run(id, work)
	return id
}

// Run executes work for an already-created task on its own goroutine.
func (m *Manager) Run(id string, work WorkFunc) {
	go m.Execute(id, work)
}

// Execute runs work for an already-created task, blocking until the task is
// terminal, and returns that terminal snapshot. It first waits for one of
// the MaxConcurrent slots; waiting longer than AcquireTimeout fails the task
// as queue-full without ever running it. The batch coordinator calls this
// directly so batch items ride the same global cap.
func (m *Manager) Execute(id string, work WorkFunc) Record {
	if !m.enter() {
		return m.cancelForShutdown(id)
	}
	defer m.wg.Done()

	acquireCtx, cancelAcquire := context.WithTimeout(m.baseCtx, m.cfg.AcquireTimeout)
	err := m.slots.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		if m.baseCtx.Err() != nil {
			return m.cancelForShutdown(id)
		}
		return m.failBeforeStart(id, ErrQueueFull)
	}
	defer m.slots.Release(1)

	if !m.begin(id) {
		// cancelled (or swept) while waiting for the slot
		rec, _ := m.Get(id)
		return rec
	}
	if m.events != nil {
		m.events.SendProgressTo(id, 0, msgStarted)
	}

	result, workErr := m.invoke(id, work)
	return m.finish(id, result, workErr)
}

// Get returns a snapshot of the record. The bool is false for unknown ids.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(id)
	if rec == nil {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Cancel aborts a pending task. Running and finished tasks are left alone;
// the return value reports whether the task was actually cancelled.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	rec := m.recordLocked(id)
	if rec == nil || rec.Status != StatusPending {
		m.mu.Unlock()
		return false
	}
	rec.Status = StatusCancelled
	rec.CompletedAt = time.Now()
	snap := rec.snapshot()
	m.mu.Unlock()

	m.afterTerminal(snap)
	return true
}

// UpdateProgress records progress for a running task and forwards it to the
// task's event channel. Values are clamped to [0,100]; progress never moves
// backwards, and reports after the terminal transition are dropped.
func (m *Manager) UpdateProgress(id string, progress int, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	m.mu.Lock()
	rec := m.recordLocked(id)
	if rec == nil || rec.Status != StatusRunning || progress < rec.Progress {
		m.mu.Unlock()
		return
	}
	rec.Progress = progress
	if message != "" {
		rec.Message = message
	}
	m.mu.Unlock()

	if m.events != nil {
		m.events.SendProgressTo(id, progress, message)
	}
}

// CleanupStale fails running tasks older than StaleAfter. The executing
// goroutine may still hold its slot; it finds the record already terminal
// when it finally returns. Returns how many tasks were failed.
func (m *Manager) CleanupStale() int {
	now := time.Now()
	cutoff := now.Add(-m.cfg.StaleAfter)
	var timedOut []Record

	m.mu.Lock()
	for e := m.order.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*Record)
		if rec.Status != StatusRunning {
			continue
		}
		started := rec.StartedAt
		if started.IsZero() {
			started = rec.CreatedAt
		}
		if !started.Before(cutoff) {
			continue
		}
		rec.Status = StatusFailed
		rec.Error = ErrTimedOut.Error()
		rec.CompletedAt = now
		timedOut = append(timedOut, rec.snapshot())
	}
	m.mu.Unlock()

	for _, snap := range timedOut {
		m.afterTerminal(snap)
	}
	return len(timedOut)
}

// Stats summarizes the registry.
type Stats struct {
	Total         int            `json:"total_tasks"`
	Running       int            `json:"running_count"`
	MaxConcurrent int            `json:"max_concurrent"`
	ByStatus      map[Status]int `json:"status_counts"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Total: m.order.Len(), MaxConcurrent: m.cfg.MaxConcurrent, ByStatus: make(map[Status]int)}
	for e := m.order.Front(); e != nil; e = e.Next() {
		st.ByStatus[e.Value.(*Record).Status]++
	}
	st.Running = st.ByStatus[StatusRunning]
	return st
}

// List returns snapshots newest-first, up to limit (0 means all).
func (m *Manager) List(limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, m.order.Len())
	for e := m.order.Back(); e != nil; e = e.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.Value.(*Record).snapshot())
	}
	return out
}

// Shutdown stops admissions, cancels the work context, and waits for
// in-flight tasks up to ctx's deadline. Anything still not terminal after
// the wait is marked cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	var leftovers []Record
	now := time.Now()
	for e := m.order.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*Record)
		if rec.Status.Terminal() {
			continue
		}
		rec.Status = StatusCancelled
		rec.CompletedAt = now
		leftovers = append(leftovers, rec.snapshot())
	}
	m.mu.Unlock()

	for _, snap := range leftovers {
		m.logger.WithTask(snap.ID).Warn("task cancelled by shutdown")
		if m.events != nil {
			m.events.CloseChannel(snap.ID)
		}
	}
	m.logger.Info("task manager stopped")
	return err
}

// enter registers an execution with the drain group unless the manager is
// shut down.
func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// begin moves a pending task to running.
func (m *Manager) begin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(id)
	if rec == nil || rec.Status != StatusPending {
		return false
	}
	rec.Status = StatusRunning
	rec.StartedAt = time.Now()
	rec.Progress = 0
	rec.Message = msgStarted
	return true
}

// invoke runs work, turning a panic into an ordinary failure so the slot
// and the record are handled like any other error path.
func (m *Manager) invoke(id string, work WorkFunc) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			m.logger.WithTask(id).Error("recovered panic in task work")
		}
	}()
	return work(m.baseCtx, func(progress int, message string) {
		m.UpdateProgress(id, progress, message)
	})
}

// finish applies the terminal transition, unless the stale sweep, a
// cancellation or shutdown got there first.
func (m *Manager) finish(id string, result map[string]any, workErr error) Record {
	now := time.Now()
	m.mu.Lock()
	rec := m.recordLocked(id)
	if rec == nil {
		m.mu.Unlock()
		return Record{ID: id}
	}
	if rec.Status != StatusRunning {
		snap := rec.snapshot()
		m.mu.Unlock()
		return snap
	}
	rec.CompletedAt = now
	switch {
	case workErr == nil:
		rec.Status = StatusSuccess
		rec.Progress = 100
		rec.Message = msgFinished
		rec.Result = result
	case errors.Is(workErr, context.Canceled) && m.baseCtx.Err() != nil:
		rec.Status = StatusCancelled
	default:
		rec.Status = StatusFailed
		rec.Error = workErr.Error()
	}
	snap := rec.snapshot()
	m.mu.Unlock()

	m.afterTerminal(snap)
	return snap
}

// failBeforeStart fails a task that never got to run.
func (m *Manager) failBeforeStart(id string, cause error) Record {
	m.mu.Lock()
	rec := m.recordLocked(id)
	if rec == nil {
		m.mu.Unlock()
		return Record{ID: id}
	}
	if rec.Status.Terminal() {
		snap := rec.snapshot()
		m.mu.Unlock()
		return snap
	}
	rec.Status = StatusFailed
	rec.Error = cause.Error()
	rec.CompletedAt = time.Now()
	snap := rec.snapshot()
	m.mu.Unlock()

	m.afterTerminal(snap)
	return snap
}

// cancelForShutdown marks a task that cannot run anymore.
func (m *Manager) cancelForShutdown(id string) Record {
	m.mu.Lock()
	rec := m.recordLocked(id)
	if rec == nil {
		m.mu.Unlock()
		return Record{ID: id}
	}
	transitioned := false
	if !rec.Status.Terminal() {
		rec.Status = StatusCancelled
		rec.CompletedAt = time.Now()
		transitioned = true
	}
	snap := rec.snapshot()
	m.mu.Unlock()

	if transitioned {
		m.afterTerminal(snap)
	}
	return snap
}

// afterTerminal fans a terminal snapshot out to the log, the event channel,
// metrics and the terminal callback.
func (m *Manager) afterTerminal(snap Record) {
	log := m.logger.WithTask(snap.ID)
	switch snap.Status {
	case StatusSuccess:
		log.Info("task completed")
	case StatusFailed:
		log.WithFields(map[string]any{"error": snap.Error}).Warn("task failed")
	case StatusCancelled:
		log.Info("task cancelled")
	}

	if m.events != nil {
		switch snap.Status {
		case StatusSuccess:
			m.events.Complete(snap.ID, snap.Result)
		case StatusFailed:
			m.events.Fail(snap.ID, snap.Error)
		case StatusCancelled:
			m.events.CloseChannel(snap.ID)
		}
	}
	if m.collector != nil && !snap.StartedAt.IsZero() {
		m.collector.Record(opExecute, snap.CompletedAt.Sub(snap.StartedAt), snap.Status == StatusFailed)
	}
	if m.onTerminal != nil {
		m.onTerminal(snap)
	}
}

// evictLocked removes oldest finished records until the registry has room
// for one more. If everything is still active the registry may momentarily
// exceed its cap rather than refuse the new task.
func (m *Manager) evictLocked() {
	for e := m.order.Front(); e != nil && m.order.Len() >= m.cfg.MaxTracked; {
		next := e.Next()
		rec := e.Value.(*Record)
		if rec.Status.Terminal() {
			m.order.Remove(e)
			delete(m.records, rec.ID)
		}
		e = next
	}
}

func (m *Manager) recordLocked(id string) *Record {
	e, ok := m.records[id]
	if !ok {
		return nil
	}
	return e.Value.(*Record)
}

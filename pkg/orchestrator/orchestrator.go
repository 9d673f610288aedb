// Package orchestrator assembles the job and resilience components behind a
// single facade. New builds every subsystem from one Config and wires them
// together: tasks publish progress to event channels and timings to metrics,
// terminal tasks and finished batches fan out to webhooks, and a background
// janitor keeps the registries tidy. Shutdown drains the subsystems in
// dependency order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"slideforge/pkg/batch"
	"slideforge/pkg/circuitbreaker"
	"slideforge/pkg/config"
	"slideforge/pkg/logger"
	"slideforge/pkg/metrics"
	"slideforge/pkg/ratelimiter"
	"slideforge/pkg/retry"
	"slideforge/pkg/sse"
	"slideforge/pkg/task"
	"slideforge/pkg/webhook"
)

var errNilWork = errors.New("work function is nil")

// Option customizes an Orchestrator before its components are built.
type Option func(*Orchestrator)

// WithLogOutput redirects all log output, e.g. to io.Discard in tests or to
// a file when the host owns stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.logOutput = w }
}

// Orchestrator owns one instance of every subsystem. All methods are safe
// for concurrent use.
type Orchestrator struct {
	cfg       *config.Config
	logger    *logger.Logger
	logOutput io.Writer

	collector *metrics.Collector
	events    *sse.Manager
	webhooks  *webhook.Manager
	tasks     *task.Manager
	batches   *batch.Coordinator
	limiter   *ratelimiter.SlidingWindow
	breakers  *circuitbreaker.Registry

	retryCfg retry.Config

	stopOnce    sync.Once
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New validates cfg and builds the full component graph. A nil cfg means
// Default(). The returned Orchestrator is running; callers must Shutdown it.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:         cfg,
		collector:   metrics.NewCollector(),
		breakers:    circuitbreaker.NewRegistry(),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	level := logrus.InfoLevel
	if parsed, err := logrus.ParseLevel(cfg.Logger.Level); cfg.Logger.Level != "" && err == nil {
		level = parsed
	}
	logger.Init(level)
	if o.logOutput != nil {
		logger.SetOutput(o.logOutput)
	}
	o.logger = logger.New("Orchestrator")

	o.events = sse.NewManager(sse.Config{
		MaxChannels:  cfg.Events.MaxChannels,
		QueueSize:    cfg.Events.QueueSize,
		PollInterval: config.Duration(cfg.Events.PollInterval, 0),
		IdleTimeout:  config.Duration(cfg.Events.IdleTimeout, 0),
	}, nil)

	o.webhooks = webhook.NewManager(webhook.WithMetrics(o.collector))
	if cfg.Webhooks.Enabled {
		_, err := o.webhooks.Register(webhook.Config{
			URL:        cfg.Webhooks.URL,
			Secret:     cfg.Webhooks.Secret,
			Events:     cfg.Webhooks.Events,
			Timeout:    config.Duration(cfg.Webhooks.Timeout, 0),
			RetryCount: cfg.Webhooks.RetryCount,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register webhook: %w", err)
		}
	}

	o.tasks = task.New(task.Config{
		MaxConcurrent:  cfg.Tasks.MaxConcurrent,
		MaxTracked:     cfg.Tasks.MaxTracked,
		AcquireTimeout: config.Duration(cfg.Tasks.AcquireTimeout, 0),
		StaleAfter:     config.Duration(cfg.Tasks.StaleAfter, 0),
	},
		task.WithEvents(o.events),
		task.WithMetrics(o.collector),
		task.WithTerminalCallback(o.onTaskTerminal),
	)

	batches, err := batch.New(o.tasks, batch.Config{
		MaxConcurrent: cfg.Batch.MaxConcurrent,
		Retention:     config.Duration(cfg.Batch.Retention, 0),
	},
		batch.WithEvents(o.events),
		batch.WithCompletionCallback(o.onBatchComplete),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch coordinator: %w", err)
	}
	o.batches = batches

	o.limiter = ratelimiter.NewSlidingWindow(cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	if d := config.Duration(cfg.RateLimit.CleanupInterval, 0); d > 0 {
		o.limiter.SetCleanupInterval(d)
	}

	o.breakers.GetOrCreate("ai_api", circuitbreaker.AIAPIConfig())
	o.breakers.GetOrCreate("image_api", circuitbreaker.ImageAPIConfig())
	for _, bc := range cfg.Breakers {
		o.breakers.GetOrCreate(bc.Name, circuitbreaker.Config{
			FailureThreshold: bc.FailureThreshold,
			SuccessThreshold: bc.SuccessThreshold,
			Timeout:          config.Duration(bc.Timeout, 0),
		})
	}

	o.retryCfg = retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   config.Duration(cfg.Retry.BaseDelay, 0),
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    config.Duration(cfg.Retry.MaxDelay, 0),
		Jitter:      cfg.Retry.Jitter,
	}

	if d := config.Duration(cfg.JanitorInterval, 0); d > 0 {
		go o.janitor(d)
	} else {
		close(o.janitorDone)
	}

	o.logger.WithFields(map[string]any{
		"max_concurrent":  o.tasks.MaxConcurrent(),
		"webhook_enabled": cfg.Webhooks.Enabled,
	}).Info("orchestrator started")
	return o, nil
}

// Submit queues work for asynchronous execution and returns its task id.
func (o *Orchestrator) Submit(work task.WorkFunc) (string, error) {
	if work == nil {
		return "", errNilWork
	}
	return o.tasks.Submit(work), nil
}

// Task returns a snapshot of the task, or false if the id is unknown.
func (o *Orchestrator) Task(id string) (task.Record, bool) {
	return o.tasks.Get(id)
}

// Cancel cancels a pending task. True means the task will never run.
func (o *Orchestrator) Cancel(id string) bool {
	return o.tasks.Cancel(id)
}

// Subscribe attaches to the live event stream of a task or batch job.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (<-chan sse.Event, error) {
	return o.events.Subscribe(ctx, id)
}

// SubmitBatch queues one task per item and returns the batch job id.
func (o *Orchestrator) SubmitBatch(items []batch.ItemParams, work batch.ItemWorkFunc) (string, error) {
	if work == nil {
		return "", errNilWork
	}
	return o.batches.Submit(items, work)
}

// Batch returns a snapshot of the batch job, or false if the id is unknown.
func (o *Orchestrator) Batch(id string) (batch.Snapshot, bool) {
	return o.batches.Get(id)
}

// CancelBatch cancels a batch job. Finished items keep their outcomes.
func (o *Orchestrator) CancelBatch(id string) bool {
	return o.batches.Cancel(id)
}

// CheckRate admits or rejects one call by callerID. A rejection reports the
// seconds to wait before retrying.
func (o *Orchestrator) CheckRate(callerID string) (bool, int) {
	return o.limiter.Check(callerID)
}

// Breakers reports the status of every registered circuit breaker.
func (o *Orchestrator) Breakers() map[string]circuitbreaker.Status {
	return o.breakers.AllStatus()
}

// BreakerStatus reports one breaker, or false if the name is unknown.
func (o *Orchestrator) BreakerStatus(name string) (circuitbreaker.Status, bool) {
	b, ok := o.breakers.Get(name)
	if !ok {
		return circuitbreaker.Status{}, false
	}
	return b.Status(), true
}

// Protected runs fn against the named upstream. The breaker admits or
// rejects the call as a whole; an admitted call retries transient failures
// with the configured backoff. However many attempts the retry layer makes,
// the breaker books exactly one outcome per Protected call.
func (o *Orchestrator) Protected(ctx context.Context, name string, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	b := o.breakers.GetOrCreate(name, circuitbreaker.Config{})
	result, err := b.Execute(func() (interface{}, error) {
		return retry.Do(ctx, o.retryCfg, fn)
	})
	if err != nil {
		o.logger.WithOperation(name).WithError(err).Warn("protected call failed")
		return nil, err
	}
	out, _ := result.(map[string]any)
	return out, nil
}

// Stats is an aggregate snapshot across every subsystem.
type Stats struct {
	Tasks    task.Stats                       `json:"tasks"`
	Batches  batch.Stats                      `json:"batches"`
	Channels sse.Stats                        `json:"channels"`
	Breakers map[string]circuitbreaker.Status `json:"breakers"`
	Webhooks webhook.Stats                    `json:"webhooks"`
	Callers  int                              `json:"rate_limited_callers"`
	Metrics  metrics.Snapshot                 `json:"metrics"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Tasks:    o.tasks.Stats(),
		Batches:  o.batches.Stats(),
		Channels: o.events.Stats(),
		Breakers: o.breakers.AllStatus(),
		Webhooks: o.webhooks.Stats(),
		Callers:  o.limiter.Callers(),
		Metrics:  o.collector.Snapshot(),
	}
}

// Shutdown stops the janitor and drains the subsystems. Batches drain before
// tasks so delegated items resolve; webhooks close after both so terminal
// notifications still go out. The first error is kept, but every stage runs.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.janitorStop) })
	<-o.janitorDone

	var first error
	if err := o.batches.Shutdown(ctx); err != nil {
		first = err
	}
	if err := o.tasks.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	if err := o.webhooks.Close(ctx); err != nil && first == nil {
		first = err
	}
	o.events.CloseAll()
	o.logger.Info("orchestrator stopped")
	return first
}

// onTaskTerminal fans a finished task out to the webhooks. Cancellations are
// not notified.
func (o *Orchestrator) onTaskTerminal(rec task.Record) {
	switch rec.Status {
	case task.StatusSuccess:
		o.webhooks.NotifyTaskCompleted(rec.ID, rec.Result)
	case task.StatusFailed:
		o.webhooks.NotifyTaskFailed(rec.ID, rec.Error)
	}
}

func (o *Orchestrator) onBatchComplete(snap batch.Snapshot) {
	o.webhooks.NotifyBatchCompleted(snap.ID, map[string]any{
		"status":   string(snap.Status),
		"total":    snap.Total,
		"success":  snap.SuccessCount,
		"failed":   snap.FailedCount,
		"progress": snap.Progress,
	})
}

// janitor periodically sweeps every registry until Shutdown.
func (o *Orchestrator) janitor(interval time.Duration) {
	defer close(o.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.sweep()
		case <-o.janitorStop:
			return
		}
	}
}

func (o *Orchestrator) sweep() {
	if n := o.tasks.CleanupStale(); n > 0 {
		o.logger.WithFields(map[string]any{"count": n}).Warn("failed stale tasks")
	}
	o.events.CleanupInactive()
	o.batches.Cleanup()
	o.limiter.Cleanup()
}

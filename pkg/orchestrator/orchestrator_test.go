package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slideforge/pkg/batch"
	"slideforge/pkg/circuitbreaker"
	"slideforge/pkg/config"
	"slideforge/pkg/retry"
	"slideforge/pkg/sse"
	"slideforge/pkg/task"
	"slideforge/pkg/webhook"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.JanitorInterval = "0"
	cfg.Tasks.MaxConcurrent = 2
	cfg.Retry.BaseDelay = "1ms"
	cfg.Retry.MaxDelay = "5ms"
	cfg.Retry.Jitter = false
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, WithLogOutput(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func succeed(result map[string]any) task.WorkFunc {
	return func(ctx context.Context, report task.ProgressFunc) (map[string]any, error) {
		return result, nil
	}
}

func waitTask(t *testing.T, o *Orchestrator, id string) task.Record {
	t.Helper()
	var rec task.Record
	require.Eventually(t, func() bool {
		r, ok := o.Task(id)
		if !ok || !r.Status.Terminal() {
			return false
		}
		rec = r
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func waitRunning(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := o.Task(id)
		return ok && rec.Status == task.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func waitBatch(t *testing.T, o *Orchestrator, id string) batch.Snapshot {
	t.Helper()
	var snap batch.Snapshot
	require.Eventually(t, func() bool {
		s, ok := o.Batch(id)
		if !ok || s.CompletedAt.IsZero() {
			return false
		}
		snap = s
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestDefaultsConstructAndShutdown(t *testing.T) {
	o, err := New(nil, WithLogOutput(io.Discard))
	require.NoError(t, err)

	stats := o.Stats()
	assert.Equal(t, 3, stats.Tasks.MaxConcurrent)
	assert.Contains(t, stats.Breakers, "ai_api")
	assert.Contains(t, stats.Breakers, "image_api")
	assert.Equal(t, "closed", stats.Breakers["ai_api"].State)
	assert.Zero(t, stats.Webhooks.WebhookCount)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx))
}

func TestRejectsInvalidConfig(t *testing.T) {
	t.Run("unknown log level", func(t *testing.T) {
		cfg := config.Default()
		cfg.Logger.Level = "verbose"
		_, err := New(cfg, WithLogOutput(io.Discard))
		require.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("webhook scheme", func(t *testing.T) {
		cfg := config.Default()
		cfg.Webhooks.Enabled = true
		cfg.Webhooks.URL = "ftp://example.com/hook"
		_, err := New(cfg, WithLogOutput(io.Discard))
		require.ErrorContains(t, err, "failed to register webhook")
	})

	t.Run("batch cap above task cap", func(t *testing.T) {
		cfg := config.Default()
		cfg.Tasks.MaxConcurrent = 2
		cfg.Batch.MaxConcurrent = 5
		_, err := New(cfg, WithLogOutput(io.Discard))
		require.ErrorContains(t, err, "failed to create batch coordinator")
	})
}

func TestSubmitRunsTaskToSuccess(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	id, err := o.Submit(func(ctx context.Context, report task.ProgressFunc) (map[string]any, error) {
		report(40, "rendering")
		return map[string]any{"file": "deck.pptx"}, nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec := waitTask(t, o, id)
	assert.Equal(t, task.StatusSuccess, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, "deck.pptx", rec.Result["file"])
	assert.Empty(t, rec.Error)
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestSubmitNilWork(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	_, err := o.Submit(nil)
	require.ErrorIs(t, err, errNilWork)
	_, err = o.SubmitBatch([]batch.ItemParams{{"slide": 1}}, nil)
	require.ErrorIs(t, err, errNilWork)
}

func TestCancelPendingTask(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks.MaxConcurrent = 1
	o := newTestOrchestrator(t, cfg)

	release := make(chan struct{})
	first, err := o.Submit(func(ctx context.Context, report task.ProgressFunc) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	require.NoError(t, err)
	waitRunning(t, o, first)

	second, err := o.Submit(succeed(nil))
	require.NoError(t, err)
	assert.True(t, o.Cancel(second))
	assert.False(t, o.Cancel(second))
	assert.False(t, o.Cancel("unknown"))

	close(release)
	rec := waitTask(t, o, first)
	assert.Equal(t, task.StatusSuccess, rec.Status)
	rec, ok := o.Task(second)
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelled, rec.Status)
}

func TestSubscribeStreamsTaskLifecycle(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	gate := make(chan struct{})
	id, err := o.Submit(func(ctx context.Context, report task.ProgressFunc) (map[string]any, error) {
		<-gate
		report(50, "halfway")
		return map[string]any{"file": "deck.pptx"}, nil
	})
	require.NoError(t, err)
	waitRunning(t, o, id)
	close(gate)
	waitTask(t, o, id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := o.Subscribe(ctx, id)
	require.NoError(t, err)

	var events []sse.Event
	for ev := range stream {
		events = append(events, ev)
	}
	require.Len(t, events, 5)
	kinds := make([]string, 0, len(events))
	for i, ev := range events {
		kinds = append(kinds, ev.Kind)
		assert.Equal(t, int64(i+1), ev.ID)
	}
	assert.Equal(t, []string{sse.KindConnected, sse.KindProgress, sse.KindProgress, sse.KindComplete, sse.KindClose}, kinds)
	assert.Equal(t, "deck.pptx", events[3].Data["file"])

	_, err = o.Subscribe(ctx, "unknown")
	assert.ErrorIs(t, err, sse.ErrChannelNotFound)
}

func TestProtectedRetriesTransientFailures(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	attempts := 0
	result, err := o.Protected(context.Background(), "ai_api", func(ctx context.Context) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("upstream temporarily unavailable")
		}
		return map[string]any{"text": "slide outline"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "slide outline", result["text"])

	// Three attempts, one booked outcome.
	status, ok := o.BreakerStatus("ai_api")
	require.True(t, ok)
	assert.Equal(t, uint64(1), status.TotalCalls)
	assert.Equal(t, uint64(1), status.SuccessfulCalls)
}

func TestProtectedPermanentErrorNotRetried(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	attempts := 0
	_, err := o.Protected(context.Background(), "image_api", func(ctx context.Context) (map[string]any, error) {
		attempts++
		return nil, errors.New("unauthorized: bad api key")
	})
	require.ErrorContains(t, err, "unauthorized")
	assert.Equal(t, 1, attempts)

	status, ok := o.BreakerStatus("image_api")
	require.True(t, ok)
	assert.Equal(t, uint64(1), status.FailedCalls)
}

func TestProtectedExhaustsRetries(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	attempts := 0
	_, err := o.Protected(context.Background(), "ai_api", func(ctx context.Context) (map[string]any, error) {
		attempts++
		return nil, errors.New("connection reset")
	})
	var rerr *retry.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.Attempts)
	assert.Equal(t, 3, attempts)

	status, ok := o.BreakerStatus("ai_api")
	require.True(t, ok)
	assert.Equal(t, uint64(1), status.FailedCalls)
	assert.Equal(t, uint32(1), status.ConsecutiveFailures)
}

func TestProtectedTripsConfiguredBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Breakers = []config.BreakerConfig{
		{Name: "deck_render", FailureThreshold: 2, SuccessThreshold: 1, Timeout: "60ms"},
	}
	o := newTestOrchestrator(t, cfg)

	calls := 0
	fail := func(ctx context.Context) (map[string]any, error) {
		calls++
		return nil, errors.New("invalid_request: bad prompt")
	}
	for i := 0; i < 2; i++ {
		_, err := o.Protected(context.Background(), "deck_render", fail)
		require.Error(t, err)
	}
	status, ok := o.BreakerStatus("deck_render")
	require.True(t, ok)
	assert.Equal(t, "open", status.State)

	_, err := o.Protected(context.Background(), "deck_render", fail)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	time.Sleep(80 * time.Millisecond)
	result, err := o.Protected(context.Background(), "deck_render", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	status, _ = o.BreakerStatus("deck_render")
	assert.Equal(t, "closed", status.State)

	_, ok = o.BreakerStatus("never_registered")
	assert.False(t, ok)
}

func TestCheckRateLimitsPerCaller(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.PerMinute = 2
	cfg.RateLimit.PerHour = 100
	o := newTestOrchestrator(t, cfg)

	allowed, retryAfter := o.CheckRate("alice")
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
	allowed, _ = o.CheckRate("alice")
	assert.True(t, allowed)
	allowed, retryAfter = o.CheckRate("alice")
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)

	allowed, _ = o.CheckRate("bob")
	assert.True(t, allowed)
	assert.Equal(t, 2, o.Stats().Callers)
}

func TestBatchRunsToPartial(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	items := []batch.ItemParams{{"slide": 1}, {"slide": 2, "fail": true}, {"slide": 3}}
	id, err := o.SubmitBatch(items, func(item batch.Item) task.WorkFunc {
		return func(ctx context.Context, report task.ProgressFunc) (map[string]any, error) {
			if fail, _ := item.Params["fail"].(bool); fail {
				return nil, fmt.Errorf("slide %v failed", item.Params["slide"])
			}
			return map[string]any{"slide": item.Params["slide"]}, nil
		}
	})
	require.NoError(t, err)

	snap := waitBatch(t, o, id)
	assert.Equal(t, batch.StatusPartial, snap.Status)
	assert.Equal(t, 2, snap.SuccessCount)
	assert.Equal(t, 1, snap.FailedCount)
	assert.Equal(t, 100, snap.Progress)

	assert.False(t, o.CancelBatch(id))
	assert.False(t, o.CancelBatch("unknown"))
	_, ok := o.Batch("unknown")
	assert.False(t, ok)
}

func TestTaskCompletionDeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	var sigs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		sigs = append(sigs, r.Header.Get("X-Webhook-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Webhooks.Enabled = true
	cfg.Webhooks.URL = srv.URL
	cfg.Webhooks.Secret = "s3cret"
	cfg.Webhooks.Events = []string{webhook.EventTaskCompleted}
	o := newTestOrchestrator(t, cfg)

	id, err := o.Submit(succeed(map[string]any{"file": "deck.pptx"}))
	require.NoError(t, err)
	waitTask(t, o, id)

	require.Eventually(t, func() bool {
		return o.Stats().Webhooks.Successful == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	var p webhook.Payload
	require.NoError(t, json.Unmarshal(bodies[0], &p))
	assert.Equal(t, webhook.EventTaskCompleted, p.Event)
	assert.Equal(t, id, p.Data["task_id"])
	assert.Equal(t, "deck.pptx", p.Data["file"])
	sig := strings.TrimPrefix(sigs[0], "sha256=")
	assert.True(t, webhook.Verify(bodies[0], sig, "s3cret"))
}

func TestBatchCompletionDeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Webhooks.Enabled = true
	cfg.Webhooks.URL = srv.URL
	cfg.Webhooks.Events = []string{webhook.EventBatchCompleted}
	o := newTestOrchestrator(t, cfg)

	items := []batch.ItemParams{{"slide": 1}, {"slide": 2}}
	id, err := o.SubmitBatch(items, func(item batch.Item) task.WorkFunc {
		return succeed(map[string]any{"slide": item.Params["slide"]})
	})
	require.NoError(t, err)
	waitBatch(t, o, id)

	require.Eventually(t, func() bool {
		return o.Stats().Webhooks.Successful == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	var p webhook.Payload
	require.NoError(t, json.Unmarshal(bodies[0], &p))
	assert.Equal(t, webhook.EventBatchCompleted, p.Event)
	assert.Equal(t, id, p.Data["job_id"])
	assert.Equal(t, "completed", p.Data["status"])
	assert.Equal(t, float64(2), p.Data["success"])
	assert.Equal(t, float64(0), p.Data["failed"])
	assert.Equal(t, float64(100), p.Data["progress"])
}

func TestJanitorSweepsOldBatches(t *testing.T) {
	cfg := testConfig()
	cfg.JanitorInterval = "20ms"
	cfg.Batch.Retention = "30ms"
	o := newTestOrchestrator(t, cfg)

	id, err := o.SubmitBatch([]batch.ItemParams{{"slide": 1}}, func(item batch.Item) task.WorkFunc {
		return succeed(nil)
	})
	require.NoError(t, err)
	waitBatch(t, o, id)

	require.Eventually(t, func() bool {
		_, ok := o.Batch(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownCancelsInFlightWork(t *testing.T) {
	o, err := New(testConfig(), WithLogOutput(io.Discard))
	require.NoError(t, err)

	started := make(chan struct{})
	id, err := o.Submit(func(ctx context.Context, report task.ProgressFunc) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	rec, ok := o.Task(id)
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelled, rec.Status)

	late, err := o.Submit(succeed(nil))
	require.NoError(t, err)
	rec = waitTask(t, o, late)
	assert.Equal(t, task.StatusCancelled, rec.Status)

	require.NoError(t, o.Shutdown(ctx))
}

func TestStatsAggregates(t *testing.T) {
	o := newTestOrchestrator(t, testConfig())

	good, err := o.Submit(succeed(map[string]any{"n": 1}))
	require.NoError(t, err)
	bad, err := o.Submit(func(ctx context.Context, report task.ProgressFunc) (map[string]any, error) {
		return nil, errors.New("render failed")
	})
	require.NoError(t, err)
	waitTask(t, o, good)
	waitTask(t, o, bad)

	allowed, _ := o.CheckRate("alice")
	assert.True(t, allowed)

	require.Eventually(t, func() bool {
		return o.Stats().Metrics.Operations["task.execute"].Count == 2
	}, 2*time.Second, 5*time.Millisecond)

	stats := o.Stats()
	assert.Equal(t, 2, stats.Tasks.Total)
	assert.Equal(t, 1, stats.Tasks.ByStatus[task.StatusSuccess])
	assert.Equal(t, 1, stats.Tasks.ByStatus[task.StatusFailed])
	assert.Equal(t, 2, stats.Channels.TotalChannels)
	assert.Zero(t, stats.Channels.ActiveChannels)
	assert.Equal(t, 1, stats.Callers)
	assert.Zero(t, stats.Webhooks.TotalDeliveries)
	assert.Equal(t, uint64(1), stats.Metrics.Operations["task.execute"].Errors)
}

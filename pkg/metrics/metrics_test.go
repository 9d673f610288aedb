package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAggregates(t *testing.T) {
	c := NewCollector()

	c.Record("task.execute", 10*time.Millisecond, false)
	c.Record("task.execute", 20*time.Millisecond, false)
	c.Record("task.execute", 30*time.Millisecond, true)
	c.Record("webhook.send", 5*time.Millisecond, false)

	snap := c.Snapshot()
	assert.Equal(t, uint64(4), snap.TotalOps)
	assert.Equal(t, uint64(1), snap.TotalErrors)
	assert.InDelta(t, 25.0, snap.ErrorRate, 0.01)

	op, ok := snap.Operations["task.execute"]
	require.True(t, ok)
	assert.Equal(t, uint64(3), op.Count)
	assert.Equal(t, uint64(1), op.Errors)
	assert.InDelta(t, 33.33, op.ErrorRate, 0.01)
	assert.InDelta(t, 20.0, op.AvgMS, 0.01)
	assert.InDelta(t, 10.0, op.MinMS, 0.01)
	assert.InDelta(t, 30.0, op.MaxMS, 0.01)
}

func TestP95OverRecentWindow(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.Record("op", time.Duration(i)*time.Millisecond, false)
	}

	op := c.Snapshot().Operations["op"]
	assert.InDelta(t, 96.0, op.P95MS, 0.01, "index 95 of the sorted window of 1..100ms")

	// push the window forward: the oldest 50 samples are displaced
	for i := 101; i <= 150; i++ {
		c.Record("op", time.Duration(i)*time.Millisecond, false)
	}
	op = c.Snapshot().Operations["op"]
	assert.InDelta(t, 146.0, op.P95MS, 0.01, "window now holds 51..150ms")
	assert.InDelta(t, 1.0, op.MinMS, 0.01, "min is lifetime, not windowed")
}

func TestObserve(t *testing.T) {
	c := NewCollector()

	err := c.Observe("flaky", func() error { return errors.New("nope") })
	require.Error(t, err)
	require.NoError(t, c.Observe("flaky", func() error { return nil }))

	op := c.Snapshot().Operations["flaky"]
	assert.Equal(t, uint64(2), op.Count)
	assert.Equal(t, uint64(1), op.Errors)
}

func TestEmptySnapshot(t *testing.T) {
	snap := NewCollector().Snapshot()
	assert.Zero(t, snap.TotalOps)
	assert.Zero(t, snap.ErrorRate)
	assert.Empty(t, snap.Operations)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}

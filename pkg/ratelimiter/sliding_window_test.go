package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests slide the windows without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMinute, perHour int) (*SlidingWindow, *fakeClock) {
	clock := &fakeClock{t: time.Now()}
	lim := NewSlidingWindow(perMinute, perHour)
	lim.now = clock.now
	lim.lastCleanup = clock.t
	return lim, clock
}

func TestMinuteBudgetRejectsWithRetryAfter(t *testing.T) {
	lim, _ := newTestLimiter(3, 100)

	for i := 0; i < 3; i++ {
		allowed, retryAfter := lim.Check("alice")
		require.True(t, allowed, "call %d should be admitted", i)
		assert.Zero(t, retryAfter)
	}

	allowed, retryAfter := lim.Check("alice")
	assert.False(t, allowed)
	assert.Equal(t, 61, retryAfter, "oldest entry is brand new, so the wait is the full window plus one")
}

func TestWindowSlides(t *testing.T) {
	lim, clock := newTestLimiter(2, 100)

	lim.Check("alice")
	clock.advance(30 * time.Second)
	lim.Check("alice")

	allowed, retryAfter := lim.Check("alice")
	require.False(t, allowed)
	assert.Equal(t, 31, retryAfter)

	clock.advance(31 * time.Second)
	allowed, _ = lim.Check("alice")
	assert.True(t, allowed, "the first admission slid out of the minute window")
}

func TestHourBudget(t *testing.T) {
	lim, clock := newTestLimiter(100, 2)

	lim.Check("bob")
	lim.Check("bob")
	allowed, retryAfter := lim.Check("bob")
	require.False(t, allowed)
	assert.Equal(t, 3601, retryAfter)

	// a minute later the minute window is clear but the hour budget still binds
	clock.advance(2 * time.Minute)
	allowed, retryAfter = lim.Check("bob")
	assert.False(t, allowed)
	assert.Equal(t, 3481, retryAfter)
}

func TestCallersAreIndependent(t *testing.T) {
	lim, _ := newTestLimiter(1, 100)

	allowed, _ := lim.Check("alice")
	require.True(t, allowed)
	allowed, _ = lim.Check("alice")
	require.False(t, allowed)

	allowed, _ = lim.Check("bob")
	assert.True(t, allowed, "one caller exhausting its budget must not affect another")
}

func TestRemaining(t *testing.T) {
	lim, _ := newTestLimiter(5, 50)

	perMinute, perHour := lim.Remaining("carol")
	assert.Equal(t, 5, perMinute)
	assert.Equal(t, 50, perHour)

	lim.Check("carol")
	lim.Check("carol")
	perMinute, perHour = lim.Remaining("carol")
	assert.Equal(t, 3, perMinute)
	assert.Equal(t, 48, perHour)
}

func TestCleanupDropsIdleCallers(t *testing.T) {
	lim, clock := newTestLimiter(5, 50)

	lim.Check("alice")
	lim.Check("bob")
	require.Equal(t, 2, lim.Callers())

	clock.advance(2 * time.Hour)
	assert.Equal(t, 2, lim.Cleanup())
	assert.Zero(t, lim.Callers())
}

func TestRegistrySharesLimiters(t *testing.T) {
	reg := NewRegistry()

	a := reg.Get("generate", 10, 100)
	b := reg.Get("generate", 10, 100)
	c := reg.Get("generate", 20, 100)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, reg.Len())
}

func TestDefaultBudgets(t *testing.T) {
	lim := NewSlidingWindow(0, 0)
	for i := 0; i < DefaultPerMinute; i++ {
		allowed, _ := lim.Check("caller")
		require.True(t, allowed)
	}
	allowed, _ := lim.Check("caller")
	assert.False(t, allowed)
}

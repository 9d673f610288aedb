// Package metrics keeps in-process counters and timings per operation. It
// answers "how is this process doing" without any external collector.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// windowSize is how many recent durations feed the p95 estimate.
const windowSize = 100

// opStats accumulates one operation's timings. durations is a ring of the
// most recent windowSize samples.
type opStats struct {
	count     uint64
	errors    uint64
	total     time.Duration
	min       time.Duration
	max       time.Duration
	durations []time.Duration
	next      int
}

// Collector aggregates operation metrics for the whole process.
type Collector struct {
	mu      sync.Mutex
	started time.Time
	ops     map[string]*opStats
}

func NewCollector() *Collector {
	return &Collector{started: time.Now(), ops: make(map[string]*opStats)}
}

// Record books one execution of op.
func (c *Collector) Record(op string, d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.ops[op]
	if !ok {
		s = &opStats{min: d, max: d, durations: make([]time.Duration, 0, windowSize)}
		c.ops[op] = s
	}
	s.count++
	if failed {
		s.errors++
	}
	s.total += d
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	if len(s.durations) < windowSize {
		s.durations = append(s.durations, d)
	} else {
		s.durations[s.next] = d
		s.next = (s.next + 1) % windowSize
	}
}

// Observe times fn and records the outcome under op.
func (c *Collector) Observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.Record(op, time.Since(start), err != nil)
	return err
}

// OpSnapshot summarizes one operation.
type OpSnapshot struct {
	Count     uint64  `json:"count"`
	Errors    uint64  `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	AvgMS     float64 `json:"avg_ms"`
	P95MS     float64 `json:"p95_ms"`
	MinMS     float64 `json:"min_ms"`
	MaxMS     float64 `json:"max_ms"`
}

// Snapshot is a point-in-time view of every tracked operation.
type Snapshot struct {
	UptimeSeconds float64               `json:"uptime_seconds"`
	TotalOps      uint64                `json:"total_ops"`
	TotalErrors   uint64                `json:"total_errors"`
	ErrorRate     float64               `json:"error_rate"`
	Operations    map[string]OpSnapshot `json:"operations"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.started).Seconds(),
		Operations:    make(map[string]OpSnapshot, len(c.ops)),
	}
	for name, s := range c.ops {
		snap.TotalOps += s.count
		snap.TotalErrors += s.errors
		snap.Operations[name] = OpSnapshot{
			Count:     s.count,
			Errors:    s.errors,
			ErrorRate: pct(s.errors, s.count),
			AvgMS:     ms(time.Duration(int64(s.total) / int64(s.count))),
			P95MS:     ms(p95(s.durations)),
			MinMS:     ms(s.min),
			MaxMS:     ms(s.max),
		}
	}
	snap.ErrorRate = pct(snap.TotalErrors, snap.TotalOps)
	return snap
}

// p95 estimates the 95th percentile over the recent window.
func p95(window []time.Duration) time.Duration {
	if len(window) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// pct is part/whole as a percentage rounded to two decimals.
func pct(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*10000) / 100
}

// ms converts a duration to milliseconds rounded to two decimals.
func ms(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

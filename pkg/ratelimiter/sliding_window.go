package ratelimiter

import (
	"container/list"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	DefaultPerMinute       = 10
	DefaultPerHour         = 100
	DefaultCleanupInterval = 60 * time.Second
)

// callerLog holds one caller's admission timestamps, oldest at the front.
type callerLog struct {
	minute *list.List
	hour   *list.List
}

// SlidingWindow is a dual sliding-window-log limiter: every caller gets an
// independent per-minute and per-hour budget. Logs are pruned lazily on each
// check, so idle callers cost nothing until the next sweep.
type SlidingWindow struct {
	mu              sync.Mutex
	perMinute       int
	perHour         int
	callers         map[string]*callerLog
	cleanupInterval time.Duration
	lastCleanup     time.Time

	now func() time.Time
}

// NewSlidingWindow builds a limiter with the given budgets. Non-positive
// budgets fall back to the defaults (10/minute, 100/hour).
func NewSlidingWindow(perMinute, perHour int) *SlidingWindow {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perHour <= 0 {
		perHour = DefaultPerHour
	}
	return &SlidingWindow{
		perMinute:       perMinute,
		perHour:         perHour,
		callers:         make(map[string]*callerLog),
		cleanupInterval: DefaultCleanupInterval,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

// SetCleanupInterval overrides how often the opportunistic sweep may run.
// Non-positive values are ignored.
func (s *SlidingWindow) SetCleanupInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cleanupInterval = d
	s.mu.Unlock()
}

// Check admits the call if both windows have room, recording the admission
// in each. The minute window is consulted first when reporting retryAfter.
func (s *SlidingWindow) Check(callerID string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeCleanupLocked(now)

	c, ok := s.callers[callerID]
	if !ok {
		c = &callerLog{minute: list.New(), hour: list.New()}
		s.callers[callerID] = c
	}
	prune(c.minute, now, minuteWindow)
	prune(c.hour, now, hourWindow)

	if c.minute.Len() >= s.perMinute {
		return false, retryAfter(c.minute, now, minuteWindow)
	}
	if c.hour.Len() >= s.perHour {
		return false, retryAfter(c.hour, now, hourWindow)
	}
	c.minute.PushBack(now)
	c.hour.PushBack(now)
	return true, 0
}

// Remaining reports how much of each budget callerID still has.
func (s *SlidingWindow) Remaining(callerID string) (perMinute, perHour int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.callers[callerID]
	if !ok {
		return s.perMinute, s.perHour
	}
	now := s.now()
	prune(c.minute, now, minuteWindow)
	prune(c.hour, now, hourWindow)
	return s.perMinute - c.minute.Len(), s.perHour - c.hour.Len()
}

// Cleanup drops callers whose windows emptied out, regardless of the
// opportunistic interval. Returns how many were dropped.
func (s *SlidingWindow) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(s.now())
}

// Callers reports how many caller logs are currently tracked.
func (s *SlidingWindow) Callers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callers)
}

// maybeCleanupLocked runs the sweep at most once per cleanupInterval.
func (s *SlidingWindow) maybeCleanupLocked(now time.Time) {
	if now.Sub(s.lastCleanup) < s.cleanupInterval {
		return
	}
	s.cleanupLocked(now)
}

func (s *SlidingWindow) cleanupLocked(now time.Time) int {
	s.lastCleanup = now
	dropped := 0
	for id, c := range s.callers {
		prune(c.minute, now, minuteWindow)
		prune(c.hour, now, hourWindow)
		if c.minute.Len() == 0 && c.hour.Len() == 0 {
			delete(s.callers, id)
			dropped++
		}
	}
	return dropped
}

// prune removes timestamps that slid out of the window.
func prune(log *list.List, now time.Time, window time.Duration) {
	for log.Len() > 0 {
		front := log.Front()
		if now.Sub(front.Value.(time.Time)) >= window {
			log.Remove(front)
		} else {
			break
		}
	}
}

// retryAfter is the number of whole seconds until the oldest entry in the
// violated window slides out, plus one.
func retryAfter(log *list.List, now time.Time, window time.Duration) int {
	oldest := log.Front().Value.(time.Time)
	return int((window - now.Sub(oldest)).Seconds()) + 1
}

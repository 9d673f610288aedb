package ratelimiter

import (
	"fmt"
	"sync"
)

// Registry hands out shared limiters keyed by endpoint and budget, so every
// caller protecting the same endpoint shares one set of windows.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*SlidingWindow
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*SlidingWindow)}
}

// Get returns the limiter for endpoint with the given budgets, creating it
// on first use.
func (r *Registry) Get(endpoint string, perMinute, perHour int) *SlidingWindow {
	key := fmt.Sprintf("%s:%d:%d", endpoint, perMinute, perHour)
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[key]; ok {
		return lim
	}
	lim := NewSlidingWindow(perMinute, perHour)
	r.limiters[key] = lim
	return lim
}

// Len reports how many distinct limiters exist.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

package circuitbreaker

import "sync"

// Registry tracks breakers by name so every caller protecting the same
// upstream shares one circuit.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker for name, building it from cfg on first
// use. cfg is ignored for a breaker that already exists.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name if it exists.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// AllStatus snapshots every registered breaker.
func (r *Registry) AllStatus() map[string]Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.Status()
	}
	return out
}

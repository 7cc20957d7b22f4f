package watch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type TargetStatus struct {
	Target    Target
	Status    Status
	Failures  int
	Alive     bool
	LastError string
	Since     time.Time
}

// registry tracks the liveness of every target of one supervisor run.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*TargetStatus
	order   []string

	clock   clockwork.Clock
	metrics *Metrics
}

func newRegistry(targets []Target, clock clockwork.Clock, metrics *Metrics) *registry {
	ret := &registry{
		entries: make(map[string]*TargetStatus, len(targets)),
		order:   make([]string, 0, len(targets)),
		clock:   clock,
		metrics: metrics,
	}

	now := clock.Now()

	for _, target := range targets {
		ret.entries[target.Key()] = &TargetStatus{
			Target: target,
			Status: StatusStarting,
			Alive:  true,
			Since:  now,
		}
		ret.order = append(ret.order, target.Key())
	}

	return ret
}

func (r *registry) update(target Target, state WatchState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[target.Key()]
	if !ok {
		return
	}

	if entry.Status != state.Status {
		entry.Since = r.clock.Now()
	}

	entry.Status = state.Status
	entry.Failures = state.Failures

	entry.LastError = ""
	if state.LastError != nil {
		entry.LastError = state.LastError.Error()
	}

	r.metrics.setStatus(target, state.Status)
}

func (r *registry) exit(target Target, state WatchState) {
	r.update(target, state)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[target.Key()]
	if !ok {
		return
	}

	entry.Alive = false
}

func (r *registry) snapshot() []TargetStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]TargetStatus, 0, len(r.order))
	for _, key := range r.order {
		ret = append(ret, *r.entries[key])
	}

	return ret
}

func (r *registry) alive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := 0

	for _, entry := range r.entries {
		if entry.Alive {
			ret++
		}
	}

	return ret
}

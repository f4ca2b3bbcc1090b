package progress

import "sync"

// Registry holds one Bus per active experiment. The Experiment Runner is
// the sole owner: it creates a Bus when a worker starts and removes it
// once the Runner's own post-finish retention window elapses (spec §4.1
// "within 5 min of finish" — that timing lives in internal/runner, not
// here; Registry only stores and removes on request).
type Registry struct {
	mu  sync.Mutex
	bus map[int64]*Bus
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bus: make(map[int64]*Bus)}
}

// Create installs a fresh Bus for expID, replacing any existing one —
// this is the "fresh worker" half of Runner.start/resume.
func (r *Registry) Create(expID int64) *Bus {
	b := New()
	r.mu.Lock()
	r.bus[expID] = b
	r.mu.Unlock()
	return b
}

// Get returns the active Bus for expID, if any.
func (r *Registry) Get(expID int64) (*Bus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bus[expID]
	return b, ok
}

// Delete removes expID's Bus, e.g. once the Runner's retention window
// has elapsed.
func (r *Registry) Delete(expID int64) {
	r.mu.Lock()
	delete(r.bus, expID)
	r.mu.Unlock()
}

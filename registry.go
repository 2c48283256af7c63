package pulse

import (
	"sort"
	"sync"
)

// A registry keeps track of the active stream handles for an Emitter so
// their status can be reported. It plays no part in frame delivery: every
// connection produces its own frames, and no cross-connection mutable
// state exists beyond this bookkeeping.
type registry struct {
	mu      sync.Mutex
	handles map[*handle]struct{}
}

func newRegistry() *registry {
	return &registry{
		handles: make(map[*handle]struct{}),
	}
}

func (reg *registry) add(h *handle) {
	reg.mu.Lock()
	reg.handles[h] = struct{}{}
	reg.mu.Unlock()
	metricActiveConnections.Inc()
}

// remove drops a handle. Safe to call for a handle already removed.
func (reg *registry) remove(h *handle) {
	reg.mu.Lock()
	_, present := reg.handles[h]
	delete(reg.handles, h)
	reg.mu.Unlock()
	if present {
		metricActiveConnections.Dec()
	}
}

func (reg *registry) len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.handles)
}

func (reg *registry) active() []*handle {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	hs := make([]*handle, 0, len(reg.handles))
	for h := range reg.handles {
		hs = append(hs, h)
	}
	return hs
}

// snapshot reports the status of every active connection, sorted by age.
func (reg *registry) snapshot() []ConnStatus {
	reg.mu.Lock()
	cl := make([]ConnStatus, 0, len(reg.handles))
	for h := range reg.handles {
		cl = append(cl, h.Status())
	}
	reg.mu.Unlock()

	sort.Slice(cl, func(i, j int) bool {
		return cl[i].Created < cl[j].Created
	})
	return cl
}

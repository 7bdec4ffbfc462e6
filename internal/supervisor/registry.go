package supervisor

import (
	"slices"
	"sync"
	"time"
)

// registry maps worker ids to handles.
// Only the supervisor loop mutates it; diagnostics read it concurrently.
type registry struct {
	mu      sync.RWMutex
	workers map[int]*handle
}

func newRegistry() *registry {
	return &registry{workers: make(map[int]*handle)}
}

// Register adds a freshly launched worker.
func (r *registry) Register(id int, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.id = id
	r.workers[id] = h
}

// MarkOnline moves a starting worker to online.
// Workers already asked to stop keep their state.
func (r *registry) MarkOnline(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[id]
	if !ok || h.state != StateStarting {
		return false
	}
	h.state = StateOnline
	h.onlineAt = time.Now()
	return true
}

// MarkKillIntent records intent and returns the previous state.
func (r *registry) MarkKillIntent(id int, intent Intent) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[id]
	if !ok {
		return "", false
	}
	old := h.state
	h.intent = intent
	h.state = intent.state()
	return old, true
}

// MarkForced flags a worker as force-terminated.
func (r *registry) MarkForced(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.workers[id]; ok {
		h.forced = true
	}
}

// SetTimer associates an armed kill timer with a worker.
func (r *registry) SetTimer(id int, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.workers[id]; ok {
		h.killTimer = seq
	}
}

// TakeTimer detaches and returns the worker's kill timer.
func (r *registry) TakeTimer(id int) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[id]
	if !ok || h.killTimer == 0 {
		return 0, false
	}
	seq := h.killTimer
	h.killTimer = 0
	return seq, true
}

// Remove deletes a worker and returns the intent recorded for it.
// ok is false for unknown ids.
func (r *registry) Remove(id int) (Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[id]
	if !ok {
		return IntentNone, false
	}
	delete(r.workers, id)
	return h.intent, true
}

func (r *registry) Get(id int) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.workers[id]
	return h, ok
}

func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, h := range r.workers {
		if h.state == StateOnline {
			n++
		}
	}
	return n
}

// IDs returns the registered worker ids in ascending order.
func (r *registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns copies of all handles ordered by id.
func (r *registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.workers))
	for _, h := range r.workers {
		infos = append(infos, h.info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return a.ID - b.ID })
	return infos
}

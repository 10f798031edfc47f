package worker

import (
	"sync"
	"time"

	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
)

const (
	defaultRingCapacity = 1000
	defaultRingMaxAge   = time.Hour
)

type ringEntry struct {
	at    time.Time
	state handlertypes.State
}

// Ring retains terminal handler states, bounded by count and age. Age
// eviction runs before size eviction on every insert, and reads prune
// too, so no caller ever sees an entry past its age.
type Ring struct {
	mu       sync.Mutex
	capacity int
	maxAge   time.Duration
	entries  []ringEntry // oldest first

	now func() time.Time
}

func NewRing(capacity int, maxAge time.Duration) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	if maxAge <= 0 {
		maxAge = defaultRingMaxAge
	}
	return &Ring{capacity: capacity, maxAge: maxAge, now: time.Now}
}

// Add inserts one terminal state, evicting stale entries first and the
// oldest entry when still at capacity.
func (r *Ring) Add(state handlertypes.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	if len(r.entries) >= r.capacity {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, ringEntry{at: now, state: state})
}

// Entries returns up to limit retained states, newest first. A limit
// of zero or less returns everything.
func (r *Ring) Entries(limit int) []handlertypes.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]handlertypes.State, 0, n)
	for i := len(r.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.entries[i].state)
	}
	return out
}

// ByRequest returns the retained states for one request, newest first.
func (r *Ring) ByRequest(requestID string) []handlertypes.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	var out []handlertypes.State
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].state.RequestID == requestID {
			out = append(out, r.entries[i].state)
		}
	}
	return out
}

// Find returns the retained state for one handler id.
func (r *Ring) Find(handlerID string) (handlertypes.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].state.HandlerID == handlerID {
			return r.entries[i].state, true
		}
	}
	return handlertypes.State{}, false
}

// Len reports the retained entry count after pruning.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.entries)
}

func (r *Ring) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.maxAge)
	i := 0
	for i < len(r.entries) && r.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.entries = append([]ringEntry(nil), r.entries[i:]...)
	}
}

package bloom

import (
	"sync"
	"time"
)

// window pairs a Bloom filter with the time it started collecting
// entries.
type window struct {
	start  time.Time
	filter *Filter
}

// Rotating holds an ordered set of W windows, index 0 newest, each
// spanning windowDuration. Additions always land in window 0;
// membership tests OR across all windows. Windows age out and are
// replaced as time advances, bounding both false-positive growth and
// memory use without per-id bookkeeping.
type Rotating struct {
	mu             sync.Mutex
	windows        []window
	windowDuration time.Duration
	nbits          uint32
	k              int
	now            func() time.Time
	currentIndex   int
}

// NewRotating creates a rotating filter with windowCount windows of
// nbits/k each. Window starts are staggered one windowDuration apart
// (position 0 newest, starting now) so each window ages out on its own
// schedule; identical starts would make every window expire in one
// cascade, cutting short the lifetime of recently added items.
func NewRotating(windowCount int, windowDuration time.Duration, nbits uint32, k int, now time.Time) *Rotating {
	r := &Rotating{
		windowDuration: windowDuration,
		nbits:          nbits,
		k:              k,
		now:            time.Now,
	}
	for i := 0; i < windowCount; i++ {
		r.windows = append(r.windows, window{
			start:  now.Add(-time.Duration(i) * windowDuration),
			filter: New(nbits, k),
		})
	}
	return r
}

// SetClock overrides the time source, for deterministic tests.
func (r *Rotating) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// rotate retires expired windows one at a time: a window is dropped
// only once its own age exceeds W * windowDuration, and its
// replacement is stamped at now. Because the starts are staggered,
// each iteration judges one window by its own distinct stale age;
// nothing expires in lockstep.
func (r *Rotating) rotate() {
	if len(r.windows) == 0 {
		return
	}
	now := r.now()
	maxAge := time.Duration(len(r.windows)) * r.windowDuration
	for {
		oldest := r.windows[len(r.windows)-1]
		if now.Sub(oldest.start) <= maxAge {
			return
		}
		r.windows = r.windows[:len(r.windows)-1]
		fresh := window{start: now, filter: New(r.nbits, r.k)}
		r.windows = append([]window{fresh}, r.windows...)
		r.currentIndex = (r.currentIndex + 1) % len(r.windows)
	}
}

// Add inserts item into the current (newest) window after rotating
// any expired windows out.
func (r *Rotating) Add(item []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotate()
	r.windows[0].filter.Add(item)
}

// Contains reports whether item is present in any live window.
func (r *Rotating) Contains(item []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotate()
	for _, w := range r.windows {
		if w.filter.Contains(item) {
			return true
		}
	}
	return false
}

// WindowState snapshots one rotation window for persistence across a
// restart. Unlike GetFilters, snapshots are newest-first (index 0 is the
// current window), matching Rotating's internal order.
type WindowState struct {
	Index int
	Start time.Time
	Data  []byte
}

// Snapshot returns the current windows, newest first, for persistence.
func (r *Rotating) Snapshot() []WindowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotate()
	out := make([]WindowState, len(r.windows))
	for i, w := range r.windows {
		out[i] = WindowState{Index: i, Start: w.start, Data: w.filter.Bytes()}
	}
	return out
}

// NewRotatingFromSnapshot rebuilds a Rotating filter from a persisted,
// newest-first snapshot (as produced by Snapshot), restoring rotation
// continuity across a restart instead of starting from empty windows.
// Falls back to NewRotating if states is empty.
func NewRotatingFromSnapshot(states []WindowState, windowDuration time.Duration, nbits uint32, k int, now time.Time) *Rotating {
	if len(states) == 0 {
		return NewRotating(3, windowDuration, nbits, k, now)
	}
	r := &Rotating{windowDuration: windowDuration, nbits: nbits, k: k, now: time.Now}
	for _, st := range states {
		r.windows = append(r.windows, window{start: st.Start, filter: FromBytes(st.Data, k)})
	}
	return r
}

// GetFilters returns the serialized filters oldest-first, matching
// wire positions bf0..bf(n-1).
func (r *Rotating) GetFilters() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotate()
	out := make([][]byte, len(r.windows))
	for i, w := range r.windows {
		// windows[0] is newest; wire order is oldest first.
		out[len(r.windows)-1-i] = w.filter.Bytes()
	}
	return out
}

// CurrentWindowIndex returns the rotation counter used for SYNC's
// "win" field, incremented mod window-count on each rotation.
func (r *Rotating) CurrentWindowIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotate()
	return r.currentIndex
}

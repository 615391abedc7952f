// Package failuretracker implements the heuristic "is peer X suspected
// failed?" check from spec.md §4.8: proof-of-life timestamps per peer,
// compared against a caller-supplied timeout.
package failuretracker

import (
	"sync"
	"time"

	"github.com/replicant/replicant/internal/ids"
)

// Tracker stores the last-heard-from timestamp per peer id.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[ids.ServerId]time.Time
	now      func() time.Time
}

// New constructs a Tracker. now defaults to time.Now; tests may
// substitute a deterministic clock.
func New() *Tracker {
	return &Tracker{
		lastSeen: make(map[ids.ServerId]time.Time),
		now:      time.Now,
	}
}

// ProofOfLife updates the timestamp for si to now.
func (t *Tracker) ProofOfLife(si ids.ServerId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[si] = t.now()
}

// SuspectFailed is true iff now - last_seen >= timeout. A peer never
// heard from is suspected failed immediately.
func (t *Tracker) SuspectFailed(si ids.ServerId, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSeen[si]
	if !ok {
		return true
	}
	return t.now().Sub(last) >= timeout
}

// AssumeAllAlive resets every tracked timestamp to now, so that the
// first post-configuration-change tick gives each peer a grace period
// rather than immediately suspecting everyone (spec.md §4.8).
func (t *Tracker) AssumeAllAlive(peers []ids.ServerId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, p := range peers {
		t.lastSeen[p] = now
	}
}

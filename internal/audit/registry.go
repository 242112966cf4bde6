package audit

import (
	"sync"
	"time"
)

// CancelRegistry is the in-process signal set that lets a cancel request
// stop an in-flight dispatch loop without a live connection between the two.
// It is intentionally ephemeral: the durable effect of a cancel is the
// status transition in the store; the registry only short-circuits loops in
// the same process. Entries expire after a fixed TTL, long enough to cover a
// dispatch loop mid-iteration, short enough not to accumulate.
type CancelRegistry struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[int64]time.Time // job id -> expiry

	now func() time.Time
}

func NewCancelRegistry(ttl time.Duration) *CancelRegistry {
	return &CancelRegistry{
		ttl: ttl,
		ids: make(map[int64]time.Time),
		now: time.Now,
	}
}

// Add records a cancelled job id. Expired entries are swept here rather than
// by per-entry timers.
func (r *CancelRegistry) Add(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for jobID, expiry := range r.ids {
		if now.After(expiry) {
			delete(r.ids, jobID)
		}
	}
	r.ids[id] = now.Add(r.ttl)
}

// Has reports whether the job was recently cancelled in this process.
func (r *CancelRegistry) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry, ok := r.ids[id]
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		delete(r.ids, id)
		return false
	}
	return true
}

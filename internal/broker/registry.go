package broker

import "sync"

// registry is the broker's directory of live session ids: it allocates
// opaque, strictly-monotonic identifiers and tracks which are still live
// so the Reaper knows what to sweep.
//
// registry does not own Sessions itself; the Broker's sessions map does.
// It only maintains nextID and liveIDs, guarded by a read/write lock
// since allocate/remove and snapshot are expected to run concurrently.
type registry struct {
	mu      sync.RWMutex
	nextID  uint64
	liveIDs []uint64
}

func newRegistry() *registry {
	return &registry{nextID: 1}
}

// allocate returns a fresh id and appends it to liveIDs. Ids are never
// reused within a process lifetime.
func (r *registry) allocate() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.liveIDs = append(r.liveIDs, id)
	return id
}

// snapshot returns a copy of liveIDs for the Reaper to walk without
// holding the lock for the duration of a sweep.
func (r *registry) snapshot() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, len(r.liveIDs))
	copy(out, r.liveIDs)
	return out
}

// remove removes the first occurrence of id from liveIDs.
func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.liveIDs {
		if v == id {
			r.liveIDs = append(r.liveIDs[:i], r.liveIDs[i+1:]...)
			return
		}
	}
}

package serializer

import (
	"sort"
	"sync"
)

// DefaultTrackerCapacity bounds the number of distinct keys a tracker keeps.
const DefaultTrackerCapacity = 1024

// UnknownKeyTracker remembers session keys that no serializer could handle,
// so operators can see which type registrations are missing.
type UnknownKeyTracker struct {
	mu       sync.Mutex
	keys     map[string]int
	capacity int
	dropped  int
}

// NewUnknownKeyTracker creates a tracker holding at most capacity keys.
// A non-positive capacity uses DefaultTrackerCapacity.
func NewUnknownKeyTracker(capacity int) *UnknownKeyTracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	return &UnknownKeyTracker{
		keys:     make(map[string]int),
		capacity: capacity,
	}
}

// Record counts one failure for key.
func (t *UnknownKeyTracker) Record(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.keys[key]; !ok && len(t.keys) >= t.capacity {
		t.dropped++
		return
	}
	t.keys[key]++
}

// UnknownKey is one tracked key with its failure count.
type UnknownKey struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Snapshot returns the tracked keys sorted by key, and how many failures
// were not tracked because the tracker was full.
func (t *UnknownKeyTracker) Snapshot() ([]UnknownKey, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UnknownKey, 0, len(t.keys))
	for k, n := range t.keys {
		out = append(out, UnknownKey{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, t.dropped
}

// Len returns the number of distinct tracked keys.
func (t *UnknownKeyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}

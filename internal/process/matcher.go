package process

import "sync"

// Matcher resolves process IDs to executable paths, caching results since
// the same PID is looked up on every packet attributed to it.
type Matcher struct {
	mu    sync.RWMutex
	cache map[uint32]string // PID → exe path cache
}

// NewMatcher creates a process matcher with an empty cache.
func NewMatcher() *Matcher {
	return &Matcher{
		cache: make(map[uint32]string),
	}
}

// GetExePath returns the full executable path for a given PID.
// Results are cached for performance on the hot path.
func (m *Matcher) GetExePath(pid uint32) (string, bool) {
	// Check cache first (fast path, read lock).
	m.mu.RLock()
	path, ok := m.cache[pid]
	m.mu.RUnlock()
	if ok {
		return path, true
	}

	// Query Windows for the process path.
	path, err := queryProcessPath(pid)
	if err != nil {
		return "", false
	}

	// Cache the result.
	m.mu.Lock()
	m.cache[pid] = path
	m.mu.Unlock()

	return path, true
}

// PruneTo removes every cached PID not present in alive. Called once per
// tracker cycle so the cache never outlives the processes it names.
func (m *Matcher) PruneTo(alive map[uint32]struct{}) {
	m.mu.Lock()
	for pid := range m.cache {
		if _, ok := alive[pid]; !ok {
			delete(m.cache, pid)
		}
	}
	m.mu.Unlock()
}

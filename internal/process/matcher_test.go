package process

import "testing"

func TestMatcherCache(t *testing.T) {
	m := NewMatcher()
	m.mu.Lock()
	m.cache[1234] = `C:\fake\app.exe`
	m.mu.Unlock()

	path, ok := m.GetExePath(1234)
	if !ok || path != `C:\fake\app.exe` {
		t.Fatalf("GetExePath(1234) = %q, %v; want cached value", path, ok)
	}
}

func TestMatcherPruneTo(t *testing.T) {
	m := NewMatcher()
	m.mu.Lock()
	m.cache[1] = `C:\a.exe`
	m.cache[2] = `C:\b.exe`
	m.cache[3] = `C:\c.exe`
	m.mu.Unlock()

	m.PruneTo(map[uint32]struct{}{2: {}})

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.cache) != 1 {
		t.Fatalf("cache has %d entries after PruneTo, want 1", len(m.cache))
	}
	if _, ok := m.cache[2]; !ok {
		t.Fatal("PruneTo removed the PID that should have survived")
	}
}

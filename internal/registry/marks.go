package registry

import "sync"

// MarkSet records broadcast ids seen during the current window.
type MarkSet struct {
	mu    sync.Mutex
	marks map[string]struct{}
}

// NewMarkSet builds an empty set.
func NewMarkSet() *MarkSet {
	return &MarkSet{marks: make(map[string]struct{})}
}

// Mark records id and reports whether it was new.
func (m *MarkSet) Mark(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.marks[id]; ok {
		return false
	}
	m.marks[id] = struct{}{}
	return true
}

// Reset clears the window so ids may be reused.
func (m *MarkSet) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = make(map[string]struct{})
}

// Len returns the number of ids in the current window.
func (m *MarkSet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks)
}

package services

import "sync"

// documentLocks serialises writes per document id.
// A second writer for the same id is rejected rather than queued.
type documentLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newDocumentLocks() *documentLocks {
	return &documentLocks{held: make(map[string]struct{})}
}

// tryLock claims id and reports whether it was free.
func (l *documentLocks) tryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *documentLocks) unlock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

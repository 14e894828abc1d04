// Package lock provides per-domain single-flight admission for issuance
// workers.
package lock

import "sync"

// Table tracks which domains currently have an active worker.
type Table struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewTable() *Table {
	return &Table{held: make(map[string]struct{})}
}

// TryAcquire claims the domain. It never blocks; false means another worker
// already holds it.
func (t *Table) TryAcquire(domain string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[domain]; ok {
		return false
	}
	t.held[domain] = struct{}{}
	return true
}

func (t *Table) Release(domain string) {
	t.mu.Lock()
	delete(t.held, domain)
	t.mu.Unlock()
}

func (t *Table) Held(domain string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[domain]
	return ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

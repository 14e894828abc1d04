// Package registry holds the configured set of domains. Readers always see a
// complete snapshot; reloads swap the whole set at once.
package registry

import (
	"sync/atomic"

	"github.com/edvin/lazyacme/internal/model"
)

type snapshot struct {
	byName map[string]model.DomainEntry
	names  []string
}

type Registry struct {
	current atomic.Pointer[snapshot]
}

func New(entries []model.DomainEntry) *Registry {
	r := &Registry{}
	r.Replace(entries)
	return r
}

// Replace atomically installs a new domain set and returns the names that
// were dropped relative to the previous one.
func (r *Registry) Replace(entries []model.DomainEntry) []string {
	next := &snapshot{byName: make(map[string]model.DomainEntry, len(entries))}
	for _, e := range entries {
		if _, dup := next.byName[e.Name]; dup {
			continue
		}
		next.names = append(next.names, e.Name)
		next.byName[e.Name] = e
	}

	prev := r.current.Swap(next)
	if prev == nil {
		return nil
	}
	var removed []string
	for _, name := range prev.names {
		if _, ok := next.byName[name]; !ok {
			removed = append(removed, name)
		}
	}
	return removed
}

func (r *Registry) Get(name string) (model.DomainEntry, bool) {
	e, ok := r.current.Load().byName[name]
	return e, ok
}

// List returns the configured entries in load order.
func (r *Registry) List() []model.DomainEntry {
	s := r.current.Load()
	out := make([]model.DomainEntry, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.byName[name])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.current.Load().names)
}

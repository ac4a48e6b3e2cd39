package gateway

import (
	"sync"

	"github.com/samber/lo"

	"github.com/denisvmedia/go-interceptproxy/proxy/internal/types"
)

type entry struct {
	name        string
	interceptor types.Interceptor
}

// registry holds the named interceptors in registration order and provides
// thread-safe access to them.
type registry struct {
	entries []entry
	mu      sync.RWMutex
}

// add appends an interceptor. An existing entry with the same name is
// replaced in place and keeps its position.
func (r *registry) add(name string, i types.Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, idx, ok := lo.FindIndexOf(r.entries, func(e entry) bool { return e.name == name }); ok {
		r.entries[idx].interceptor = i
		return
	}
	r.entries = append(r.entries, entry{name: name, interceptor: i})
}

func (r *registry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = lo.Reject(r.entries, func(e entry, _ int) bool { return e.name == name })
	return len(r.entries) != n
}

// snapshot returns a copy of the current entries. Later registrations do not
// affect a snapshot already taken.
func (r *registry) snapshot() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]entry, len(r.entries))
	copy(result, r.entries)
	return result
}

package agent

import (
	"sync"
	"sync/atomic"

	"github.com/devflowhq/devflow/remote"
)

// registrySnapshot is an immutable view of the registered connections.
// Ordered preserves registration order, which fixes the fan-out order of
// status probes.
type registrySnapshot struct {
	ordered []*remote.Connection
	byName  map[string]*remote.Connection
}

// registry holds remote connections behind a copy-on-write snapshot so that
// registration never blocks readers. Writers serialize on mu, build a new
// snapshot and publish it atomically; readers load the current snapshot
// without locking.
type registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[registrySnapshot]
}

func newRegistry() *registry {
	r := &registry{}
	r.snap.Store(&registrySnapshot{byName: map[string]*remote.Connection{}})
	return r
}

// register adds or replaces the connection under its name. A replacement
// keeps the original registration position.
func (r *registry) register(conn *remote.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := &registrySnapshot{
		ordered: make([]*remote.Connection, 0, len(cur.ordered)+1),
		byName:  make(map[string]*remote.Connection, len(cur.byName)+1),
	}

	replaced := false
	for _, c := range cur.ordered {
		if c.Name() == conn.Name() {
			next.ordered = append(next.ordered, conn)
			replaced = true
			continue
		}
		next.ordered = append(next.ordered, c)
	}
	if !replaced {
		next.ordered = append(next.ordered, conn)
	}
	for _, c := range next.ordered {
		next.byName[c.Name()] = c
	}
	r.snap.Store(next)
}

// unregister removes the named connection; reports whether it existed.
func (r *registry) unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byName[name]; !ok {
		return false
	}

	next := &registrySnapshot{
		ordered: make([]*remote.Connection, 0, len(cur.ordered)-1),
		byName:  make(map[string]*remote.Connection, len(cur.byName)-1),
	}
	for _, c := range cur.ordered {
		if c.Name() == name {
			continue
		}
		next.ordered = append(next.ordered, c)
		next.byName[c.Name()] = c
	}
	r.snap.Store(next)
	return true
}

// get returns the connection registered under name, if any.
func (r *registry) get(name string) (*remote.Connection, bool) {
	conn, ok := r.snap.Load().byName[name]
	return conn, ok
}

// list returns the connections in registration order. The slice is a fresh
// copy; the snapshot stays immutable.
func (r *registry) list() []*remote.Connection {
	cur := r.snap.Load()
	return append([]*remote.Connection(nil), cur.ordered...)
}

func (r *registry) len() int {
	return len(r.snap.Load().ordered)
}

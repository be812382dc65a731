package agent

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RoutingContext is the per-session routing state of the host: which remote
// agent currently owns the conversation, whether an exchange is open (the
// active task is non-terminal) and the id of that task. It is process-local,
// best-effort state; losing it means the next message routes fresh.
//
// Callers must hold the context's lock across a full message turn so that
// two messages on the same session serialize while other sessions proceed
// independently.
type RoutingContext struct {
	mu sync.Mutex

	SessionID   string
	ActiveAgent string
	TaskID      string
	Open        bool
}

// Lock acquires the per-session lock.
func (rc *RoutingContext) Lock() { rc.mu.Lock() }

// Unlock releases the per-session lock.
func (rc *RoutingContext) Unlock() { rc.mu.Unlock() }

// clearExchange resets the open task bookkeeping after a terminal exchange.
// The active agent is kept so follow-up messages prefer the same specialist.
func (rc *RoutingContext) clearExchange() {
	rc.TaskID = ""
	rc.Open = false
}

// routingContexts is a bounded LRU of routing contexts keyed by session id.
// Evicting a cold session only discards routing hints, never task state.
type routingContexts struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *RoutingContext]
}

func newRoutingContexts(size int) (*routingContexts, error) {
	cache, err := lru.New[string, *RoutingContext](size)
	if err != nil {
		return nil, err
	}
	return &routingContexts{cache: cache}, nil
}

// getOrCreate returns the session's routing context, creating it lazily.
func (rcs *routingContexts) getOrCreate(sessionID string) *RoutingContext {
	rcs.mu.Lock()
	defer rcs.mu.Unlock()

	if rc, ok := rcs.cache.Get(sessionID); ok {
		return rc
	}
	rc := &RoutingContext{SessionID: sessionID}
	rcs.cache.Add(sessionID, rc)
	return rc
}

// Package store provides the persistence backends for agents, tasks and
// sessions: in-memory implementations for embedding and tests, and a SQLite
// backend for durable single-node deployments.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devflowhq/devflow/core"
)

// MemoryAgentStore is a concurrency-safe in-memory core.AgentStore keeping
// registration order for listings.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	byID   map[string]*core.AgentDescriptor
	byName map[string]string
	order  []string
}

// NewMemoryAgentStore creates an empty agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		byID:   make(map[string]*core.AgentDescriptor),
		byName: make(map[string]string),
	}
}

// Get implements core.AgentStore.
func (s *MemoryAgentStore) Get(_ context.Context, id string) (*core.AgentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	desc, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	return cloneDescriptor(desc), nil
}

// GetByName implements core.AgentStore.
func (s *MemoryAgentStore) GetByName(_ context.Context, name string) (*core.AgentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", name, core.ErrNotFound)
	}
	return cloneDescriptor(s.byID[id]), nil
}

// Upsert implements core.AgentStore: descriptors are matched by name, so
// repeated registration of the same agent updates in place.
func (s *MemoryAgentStore) Upsert(_ context.Context, desc *core.AgentDescriptor) (*core.AgentDescriptor, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("agent descriptor: name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneDescriptor(desc)
	stored.Updated = time.Now().UTC()

	if id, ok := s.byName[desc.Name]; ok {
		stored.ID = id
		stored.Created = s.byID[id].Created
		s.byID[id] = stored
		return cloneDescriptor(stored), nil
	}

	if stored.ID == "" {
		stored.ID = core.NewID()
	}
	s.byID[stored.ID] = stored
	s.byName[stored.Name] = stored.ID
	s.order = append(s.order, stored.ID)
	return cloneDescriptor(stored), nil
}

// List implements core.AgentStore.
func (s *MemoryAgentStore) List(_ context.Context, activeOnly bool) ([]*core.AgentDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.AgentDescriptor, 0, len(s.order))
	for _, id := range s.order {
		desc := s.byID[id]
		if activeOnly && !desc.Active {
			continue
		}
		out = append(out, cloneDescriptor(desc))
	}
	return out, nil
}

func cloneDescriptor(d *core.AgentDescriptor) *core.AgentDescriptor {
	clone := *d
	clone.Capabilities = append([]string(nil), d.Capabilities...)
	clone.Metadata = make(map[string]any, len(d.Metadata))
	for k, v := range d.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

// MemoryTaskStore is a concurrency-safe in-memory core.TaskStore. Tasks are
// upserted by id and never deleted.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

// NewMemoryTaskStore creates an empty task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*core.Task)}
}

// Save implements core.TaskStore.
func (s *MemoryTaskStore) Save(_ context.Context, task *core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task has no id")
	}
	s.mu.Lock()
	s.tasks[task.ID] = task.Clone()
	s.mu.Unlock()
	return nil
}

// All returns a snapshot of every stored task, for inspection.
func (s *MemoryTaskStore) All() []*core.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	return out
}

// Get implements core.TaskStore.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return task.Clone(), nil
}

// MemorySessionStore is a concurrency-safe in-memory core.SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
}

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*core.Session)}
}

// Get implements core.SessionStore: missing sessions are created lazily.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		return session, nil
	}
	session := core.NewSession(id)
	s.sessions[id] = session
	return session, nil
}

// Create implements core.SessionStore; creating an existing id is an error.
func (s *MemorySessionStore) Create(_ context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	session := core.NewSession(id)
	s.sessions[id] = session
	return session, nil
}

// AppendMessage implements core.SessionStore.
func (s *MemorySessionStore) AppendMessage(ctx context.Context, sessionID string, msg core.Message) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.AddMessage(msg)
	return nil
}

// ApplyDelta implements core.SessionStore.
func (s *MemorySessionStore) ApplyDelta(ctx context.Context, sessionID string, delta map[string]any) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.MergeState(delta)
	return nil
}

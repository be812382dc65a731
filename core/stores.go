package core

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AgentStore persists agent registrations keyed by opaque string ids.
type AgentStore interface {
	// Get returns the descriptor for the id, or ErrNotFound.
	Get(ctx context.Context, id string) (*AgentDescriptor, error)
	// GetByName returns the descriptor registered under the unique name, or ErrNotFound.
	GetByName(ctx context.Context, name string) (*AgentDescriptor, error)
	// Upsert inserts or updates the descriptor (matched by name) and returns
	// the stored record.
	Upsert(ctx context.Context, desc *AgentDescriptor) (*AgentDescriptor, error)
	// List returns descriptors, restricted to active ones when activeOnly is set.
	List(ctx context.Context, activeOnly bool) ([]*AgentDescriptor, error)
}

// TaskStore persists tasks for bookkeeping and audit. Tasks are upserted,
// never deleted.
type TaskStore interface {
	Save(ctx context.Context, task *Task) error
	// Get returns the task for the id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)
}

// SessionStore persists sessions and their evolving state / message history.
type SessionStore interface {
	// Get returns an existing session or lazily creates one under the id.
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, id string) (*Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg Message) error
	ApplyDelta(ctx context.Context, sessionID string, delta map[string]any) error
}

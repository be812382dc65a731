package core

import "context"

// Agent is the uniform capability set implemented by every agent variant —
// the orchestrating host, local model-backed agents and remote proxies alike.
//
// ProcessMessage returns a one-shot chunk stream: the chunk channel yields
// text fragments strictly in generation order and is closed by the producer
// when the turn completes; the error channel (buffered, size 1) surfaces at
// most one terminal error. A second consumption attempt must call
// ProcessMessage again — streams are finite and not restartable.
//
// Task lifecycle operations satisfy the task state machine contract
// regardless of whether execution happens locally or is delegated to a
// remote connection: terminal tasks are never mutated, cancellation always
// succeeds locally.
type Agent interface {
	Name() string
	Description() string
	ProcessMessage(ctx context.Context, msg Message) (<-chan string, <-chan error, error)
	CreateTask(ctx context.Context, msg Message) (*Task, error)
	UpdateTask(ctx context.Context, task *Task, msg *Message) (*Task, error)
	GetTaskStatus(ctx context.Context, taskID string) (*Task, error)
	CancelTask(ctx context.Context, taskID string) (*Task, error)
	Capabilities() []string
}

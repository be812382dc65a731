package core

import (
	"fmt"
	"strings"
	"time"
)

// TaskState enumerates the lifecycle states of a Task.
//
// SUBMITTED is the initial state. WORKING indicates active processing.
// COMPLETED, FAILED and CANCELED are terminal. INPUT_REQUIRED is a special
// non-terminal state signaling that the orchestrator must pause and return
// control to the human before continuing. UNKNOWN is the fallback for any
// state string that cannot be classified; it is treated as non-terminal for
// safety (a status lookup may still occur) but never transitions forward on
// its own.
type TaskState string

const (
	// TaskStateSubmitted is the initial state of every task.
	TaskStateSubmitted TaskState = "submitted"
	// TaskStateWorking indicates the owning agent is actively processing.
	TaskStateWorking TaskState = "working"
	// TaskStateCompleted is terminal: the task produced its result.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed is terminal: the task ended in an error.
	TaskStateFailed TaskState = "failed"
	// TaskStateCanceled is terminal: the task was canceled.
	TaskStateCanceled TaskState = "canceled"
	// TaskStateInputRequired signals the agent needs clarification from the
	// user before it can continue.
	TaskStateInputRequired TaskState = "input_required"
	// TaskStateUnknown is the fallback for unclassifiable remote states.
	TaskStateUnknown TaskState = "unknown"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// String returns the wire representation of the state.
func (s TaskState) String() string { return string(s) }

// ParseTaskState maps a remote state string onto the TaskState enum. The
// match is case-insensitive and never fails: unrecognized or empty input
// yields TaskStateUnknown.
func ParseTaskState(s string) TaskState {
	switch TaskState(strings.ToLower(strings.TrimSpace(s))) {
	case TaskStateSubmitted:
		return TaskStateSubmitted
	case TaskStateWorking:
		return TaskStateWorking
	case TaskStateCompleted:
		return TaskStateCompleted
	case TaskStateFailed:
		return TaskStateFailed
	case TaskStateCanceled:
		return TaskStateCanceled
	case TaskStateInputRequired:
		return TaskStateInputRequired
	default:
		return TaskStateUnknown
	}
}

// Artifact is an opaque structured record produced while executing a task
// (a file reference, a tool output, ...). Remote payload artifacts are
// copied into the task verbatim.
type Artifact map[string]any

// Task is the unit of work dispatched to an agent. The AgentID, MessageID
// and SessionID fields are non-owning back-references, never embedded
// objects. A task is mutated only by its owning agent or connection; once it
// reaches a terminal state it is immutable and any further lifecycle
// operation must derive a new task instead. Tasks are never deleted — a
// terminal task remains as history for its session.
type Task struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	MessageID string         `json:"message_id"`
	SessionID string         `json:"session_id"`
	State     TaskState      `json:"state"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Created   time.Time      `json:"created"`
	Updated   time.Time      `json:"updated"`
}

// NewTask creates a task in state SUBMITTED with a freshly generated id.
func NewTask(agentID, messageID, sessionID string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewID(),
		AgentID:   agentID,
		MessageID: messageID,
		SessionID: sessionID,
		State:     TaskStateSubmitted,
		Metadata:  map[string]any{},
		Created:   now,
		Updated:   now,
	}
}

// CanTransition reports whether moving from the receiver state to next is a
// legal state machine edge. Terminal states reject everything. Explicit
// cancellation is always legal from any non-terminal state. UNKNOWN only
// ever leaves via cancellation.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	if next == TaskStateCanceled {
		return true
	}
	if s == TaskStateUnknown {
		return false
	}
	return next != TaskStateSubmitted || s == TaskStateSubmitted
}

// Transition moves the task to the next state, updating the Updated
// timestamp. It returns an error when the edge is illegal — in particular
// for any transition out of a terminal state (idempotent terminality).
func (t *Task) Transition(next TaskState) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.State, next)
	}
	t.State = next
	t.Updated = time.Now().UTC()
	return nil
}

// AddArtifact appends an artifact. Artifacts are append-only during the
// task's active lifetime; appending to a terminal task returns an error.
func (t *Task) AddArtifact(a Artifact) error {
	if t.State.Terminal() {
		return fmt.Errorf("task %s: terminal, artifacts are frozen", t.ID)
	}
	t.Artifacts = append(t.Artifacts, a)
	t.Updated = time.Now().UTC()
	return nil
}

// SetMeta records a diagnostic metadata entry.
func (t *Task) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[key] = value
	t.Updated = time.Now().UTC()
}

// Derive returns a fresh SUBMITTED task carrying the same back-references.
// Used when a lifecycle operation lands on a terminal task: the terminal
// record stays immutable and further work happens on the derived task.
func (t *Task) Derive() *Task {
	nt := NewTask(t.AgentID, t.MessageID, t.SessionID)
	nt.Metadata["derived_from"] = t.ID
	return nt
}

// Clone returns a deep copy safe for independent mutation.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Artifacts = make([]Artifact, len(t.Artifacts))
	for i, a := range t.Artifacts {
		na := make(Artifact, len(a))
		for k, v := range a {
			na[k] = v
		}
		clone.Artifacts[i] = na
	}
	clone.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

package agent

import (
	"context"
	"fmt"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/logging"
	"github.com/devflowhq/devflow/remote"
)

// RemoteAgent is the proxy variant of core.Agent: every operation delegates
// to a task connection. It adapts the connection's never-error surface to
// the interface's error contract — a FAILED dispatch becomes a TaskError,
// unknown task ids become core.ErrNotFound.
type RemoteAgent struct {
	conn   *remote.Connection
	logger logging.Logger

	chunkBuffer int
}

// RemoteAgentOptions configures construction of a RemoteAgent.
type RemoteAgentOptions struct {
	Logger           logging.Logger
	ConnectionConfig remote.ConnectionConfig
	ChunkBufferSize  int
}

// NewRemoteAgent builds the proxy for the descriptor's remote endpoint.
func NewRemoteAgent(desc *core.AgentDescriptor, optFns ...func(o *RemoteAgentOptions)) (*RemoteAgent, error) {
	opts := RemoteAgentOptions{
		Logger:           logging.NoOpLogger{},
		ConnectionConfig: remote.DefaultConnectionConfig,
		ChunkBufferSize:  defaultChunkBufferSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	conn, err := remote.NewConnection(desc, func(o *remote.ConnectionOptions) {
		o.Config = opts.ConnectionConfig
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}
	return &RemoteAgent{conn: conn, logger: opts.Logger, chunkBuffer: opts.ChunkBufferSize}, nil
}

// Name implements core.Agent.
func (a *RemoteAgent) Name() string { return a.conn.Name() }

// Description implements core.Agent.
func (a *RemoteAgent) Description() string { return a.conn.Description() }

// Capabilities implements core.Agent.
func (a *RemoteAgent) Capabilities() []string { return a.conn.Capabilities() }

// Connection exposes the underlying task connection.
func (a *RemoteAgent) Connection() *remote.Connection { return a.conn }

// ProcessMessage implements core.Agent: dispatches the message as a fresh
// task and streams the remote's answer. Chunks carry the status message
// followed by text artifact values; a FAILED outcome surfaces as TaskError
// on the error channel, never as a panic.
func (a *RemoteAgent) ProcessMessage(ctx context.Context, msg core.Message) (<-chan string, <-chan error, error) {
	chunkCh := make(chan string, a.chunkBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		task := a.dispatch(ctx, msg, "")
		if task.State == core.TaskStateFailed || task.State == core.TaskStateCanceled {
			errCh <- &TaskError{
				AgentName: a.conn.Name(),
				TaskID:    task.ID,
				State:     task.State.String(),
				Message:   taskMessage(task),
			}
			return
		}

		for _, chunk := range taskChunks(task) {
			select {
			case chunkCh <- chunk:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return chunkCh, errCh, nil
}

// CreateTask implements core.Agent by dispatching immediately.
func (a *RemoteAgent) CreateTask(ctx context.Context, msg core.Message) (*core.Task, error) {
	return a.dispatch(ctx, msg, ""), nil
}

// UpdateTask implements core.Agent. A non-terminal task is continued under
// its existing id; a terminal task derives a fresh one first.
func (a *RemoteAgent) UpdateTask(ctx context.Context, task *core.Task, msg *core.Message) (*core.Task, error) {
	taskID := task.ID
	if task.State.Terminal() {
		derived := task.Derive()
		taskID = derived.ID
	}

	var m core.Message
	if msg != nil {
		m = *msg
	} else {
		m = core.NewMessage(task.SessionID, "user", "")
	}
	return a.dispatch(ctx, m, taskID), nil
}

// GetTaskStatus implements core.Agent.
func (a *RemoteAgent) GetTaskStatus(ctx context.Context, taskID string) (*core.Task, error) {
	task := a.conn.GetTaskStatus(ctx, taskID)
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	return task, nil
}

// CancelTask implements core.Agent.
func (a *RemoteAgent) CancelTask(ctx context.Context, taskID string) (*core.Task, error) {
	task := a.conn.CancelTask(ctx, taskID)
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	return task, nil
}

func (a *RemoteAgent) dispatch(ctx context.Context, msg core.Message, taskID string) *core.Task {
	sessionID := msg.ConversationID
	if sessionID == "" {
		sessionID = core.NewID()
	}
	return a.conn.SendTask(ctx, remote.TaskSendParams{
		ID:        taskID,
		SessionID: sessionID,
		Message: remote.MessagePayload{
			Role:    "user",
			Content: msg.Content,
			Metadata: map[string]any{
				"conversation_id": sessionID,
				"message_id":      msg.ID,
			},
		},
	})
}

// taskChunks flattens a task outcome into streamable text fragments.
func taskChunks(task *core.Task) []string {
	var chunks []string
	if m, ok := task.Metadata["status_message"].(string); ok && m != "" {
		chunks = append(chunks, m)
	}
	for _, artifact := range task.Artifacts {
		if v, ok := artifact["value"].(string); ok && v != "" {
			chunks = append(chunks, v)
		}
	}
	return chunks
}

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/logging"
	"github.com/devflowhq/devflow/model"
)

// LocalAgent is the in-process variant of core.Agent: a single model with an
// instruction, executing tasks synchronously without any network hop. Tasks
// live in an internal map; it is the simplest concrete agent and doubles as
// the reference for the lifecycle contract.
type LocalAgent struct {
	name         string
	description  string
	instruction  string
	capabilities []string

	model    model.Model
	sessions core.SessionStore
	logger   logging.Logger

	chunkBuffer int

	mu    sync.Mutex
	tasks map[string]*core.Task
}

// LocalAgentOptions configures construction of a LocalAgent.
type LocalAgentOptions struct {
	Description  string
	Instruction  string
	Capabilities []string
	Sessions     core.SessionStore
	Logger       logging.Logger
	ChunkBuffer  int
}

// NewLocalAgent builds a model-backed agent under the given name.
func NewLocalAgent(name string, m model.Model, optFns ...func(o *LocalAgentOptions)) (*LocalAgent, error) {
	if name == "" {
		return nil, fmt.Errorf("local agent requires a name")
	}
	if m == nil {
		return nil, fmt.Errorf("local agent %s requires a model", name)
	}

	opts := LocalAgentOptions{
		Logger:      logging.NoOpLogger{},
		ChunkBuffer: defaultChunkBufferSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &LocalAgent{
		name:         name,
		description:  opts.Description,
		instruction:  opts.Instruction,
		capabilities: opts.Capabilities,
		model:        m,
		sessions:     opts.Sessions,
		logger:       opts.Logger,
		chunkBuffer:  opts.ChunkBuffer,
		tasks:        make(map[string]*core.Task),
	}, nil
}

// Name implements core.Agent.
func (a *LocalAgent) Name() string { return a.name }

// Description implements core.Agent.
func (a *LocalAgent) Description() string { return a.description }

// Capabilities implements core.Agent.
func (a *LocalAgent) Capabilities() []string {
	return append([]string(nil), a.capabilities...)
}

// ProcessMessage implements core.Agent: a single streamed generation turn.
func (a *LocalAgent) ProcessMessage(ctx context.Context, msg core.Message) (<-chan string, <-chan error, error) {
	history, err := a.loadHistory(ctx, msg)
	if err != nil {
		return nil, nil, err
	}

	respCh, modelErrCh := a.model.Generate(ctx, model.Request{
		Instructions: a.instruction,
		History:      history,
		Stream:       true,
	})

	chunkCh := make(chan string, a.chunkBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		var full strings.Builder
		streamed := false
		for resp := range respCh {
			if resp.Partial {
				streamed = true
				full.WriteString(resp.Text)
			} else if !streamed {
				// Non-streaming model: the final response is the answer.
				full.WriteString(resp.Text)
			}
			if resp.Text == "" || (!resp.Partial && streamed) {
				continue
			}
			select {
			case chunkCh <- resp.Text:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := <-modelErrCh; err != nil {
			errCh <- err
			return
		}
		a.persistAssistant(ctx, msg.ConversationID, full.String())
	}()

	return chunkCh, errCh, nil
}

// CreateTask implements core.Agent.
func (a *LocalAgent) CreateTask(_ context.Context, msg core.Message) (*core.Task, error) {
	task := core.NewTask(a.name, msg.ID, msg.ConversationID)
	a.mu.Lock()
	a.tasks[task.ID] = task
	a.mu.Unlock()
	return task.Clone(), nil
}

// UpdateTask implements core.Agent: runs the model over the message and
// completes the task with the answer as a text artifact. A terminal task
// derives a fresh one; the terminal record stays untouched.
func (a *LocalAgent) UpdateTask(ctx context.Context, task *core.Task, msg *core.Message) (*core.Task, error) {
	a.mu.Lock()
	current, ok := a.tasks[task.ID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", task.ID, core.ErrNotFound)
	}

	if current.State.Terminal() {
		current = current.Derive()
		a.mu.Lock()
		a.tasks[current.ID] = current
		a.mu.Unlock()
	}

	if msg == nil {
		return current.Clone(), nil
	}

	if current.State == core.TaskStateSubmitted {
		if err := current.Transition(core.TaskStateWorking); err != nil {
			return nil, err
		}
	}
	current.MessageID = msg.ID

	text, err := a.generate(ctx, *msg)
	if err != nil {
		current.SetMeta("error", err.Error())
		if terr := current.Transition(core.TaskStateFailed); terr != nil {
			return nil, terr
		}
		return current.Clone(), nil
	}

	if err := current.AddArtifact(core.Artifact{"type": "text", "value": text}); err != nil {
		return nil, err
	}
	if err := current.Transition(core.TaskStateCompleted); err != nil {
		return nil, err
	}
	return current.Clone(), nil
}

// GetTaskStatus implements core.Agent.
func (a *LocalAgent) GetTaskStatus(_ context.Context, taskID string) (*core.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	return task.Clone(), nil
}

// CancelTask implements core.Agent. Cancellation always succeeds locally:
// an already terminal task is returned unchanged.
func (a *LocalAgent) CancelTask(_ context.Context, taskID string) (*core.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if !task.State.Terminal() {
		if err := task.Transition(core.TaskStateCanceled); err != nil {
			return nil, err
		}
	}
	return task.Clone(), nil
}

func (a *LocalAgent) loadHistory(ctx context.Context, msg core.Message) ([]core.Message, error) {
	if a.sessions == nil || msg.ConversationID == "" {
		return []core.Message{msg}, nil
	}
	session, err := a.sessions.Get(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", msg.ConversationID, err)
	}
	history := append(session.History(), msg)
	if err := a.sessions.AppendMessage(ctx, msg.ConversationID, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return history, nil
}

func (a *LocalAgent) persistAssistant(ctx context.Context, conversationID, text string) {
	if a.sessions == nil || conversationID == "" || text == "" {
		return
	}
	reply := core.Message{
		ID:             core.NewID(),
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        text,
		ContentType:    "text/plain",
		Created:        time.Now().UTC(),
	}
	if err := a.sessions.AppendMessage(ctx, conversationID, reply); err != nil {
		a.logger.Error("failed to persist assistant message for session %s: %v", conversationID, err)
	}
}

// generate runs one non-streaming completion and returns the full text.
func (a *LocalAgent) generate(ctx context.Context, msg core.Message) (string, error) {
	respCh, errCh := a.model.Generate(ctx, model.Request{
		Instructions: a.instruction,
		History:      []core.Message{msg},
	})

	var full strings.Builder
	for resp := range respCh {
		full.WriteString(resp.Text)
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	return full.String(), nil
}

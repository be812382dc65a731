// Package agent implements the agent variants of devflow: the orchestrating
// HostAgent that routes user messages to remote specialists, LocalAgent for
// in-process model-backed agents and RemoteAgent as the proxy variant over a
// task connection. The variants are explicit types sharing the core.Agent
// interface; callers switch on construction, never on runtime flags.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/logging"
	"github.com/devflowhq/devflow/model"
	"github.com/devflowhq/devflow/remote"
)

const (
	defaultContextCacheSize = 1024
	defaultChunkBufferSize  = 64
	defaultMaxToolRounds    = 8
)

// DispatchResult is the outcome of a successful task dispatch. InputRequired
// flags that the remote agent escalated back to the user; the caller must
// surface the agent's prompt verbatim and keep the exchange open instead of
// summarizing.
type DispatchResult struct {
	Task          *core.Task
	InputRequired bool
}

// RemoteAgentInfo is the catalog entry advertised to the routing model.
type RemoteAgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// HostAgentOptions configures construction of a HostAgent.
type HostAgentOptions struct {
	Name        string
	Description string
	// Instruction is appended to the generated routing instruction, for
	// deployment specific guidance.
	Instruction string
	Sessions    core.SessionStore
	Tasks       core.TaskStore
	Logger      logging.Logger
	// ConnectionConfig applies to connections the host creates itself via
	// RegisterRemoteAgent.
	ConnectionConfig remote.ConnectionConfig
	ContextCacheSize int
	ChunkBufferSize  int
	MaxToolRounds    int
}

// HostAgent orchestrates a fleet of remote agents. It keeps per-session
// routing state, renders the live agent catalog into the model instruction
// and lets the model pick the specialist through tool calls; the host
// enforces the task state machine around every dispatch.
type HostAgent struct {
	name        string
	description string
	instruction string

	model    model.Model
	registry *registry
	contexts *routingContexts
	sessions core.SessionStore
	tasks    core.TaskStore
	logger   logging.Logger

	connCfg remote.ConnectionConfig

	chunkBuffer   int
	maxToolRounds int
}

// NewHostAgent builds a host around the given generation model.
func NewHostAgent(m model.Model, optFns ...func(o *HostAgentOptions)) (*HostAgent, error) {
	opts := HostAgentOptions{
		Name:             "host",
		Description:      "Routes user requests to remote agents",
		Logger:           logging.NoOpLogger{},
		ConnectionConfig: remote.DefaultConnectionConfig,
		ContextCacheSize: defaultContextCacheSize,
		ChunkBufferSize:  defaultChunkBufferSize,
		MaxToolRounds:    defaultMaxToolRounds,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if m == nil {
		return nil, fmt.Errorf("host agent requires a model")
	}

	contexts, err := newRoutingContexts(opts.ContextCacheSize)
	if err != nil {
		return nil, fmt.Errorf("routing context cache: %w", err)
	}

	return &HostAgent{
		name:          opts.Name,
		description:   opts.Description,
		instruction:   opts.Instruction,
		model:         m,
		registry:      newRegistry(),
		contexts:      contexts,
		sessions:      opts.Sessions,
		tasks:         opts.Tasks,
		logger:        opts.Logger,
		connCfg:       opts.ConnectionConfig,
		chunkBuffer:   opts.ChunkBufferSize,
		maxToolRounds: opts.MaxToolRounds,
	}, nil
}

// Name implements core.Agent.
func (h *HostAgent) Name() string { return h.name }

// Description implements core.Agent.
func (h *HostAgent) Description() string { return h.description }

// Capabilities implements core.Agent.
func (h *HostAgent) Capabilities() []string {
	return []string{"routing", "task-orchestration"}
}

// RegisterRemoteAgent creates a connection from the descriptor and adds it
// to the registry. Registration is idempotent on the agent name: a name
// already registered is a no-op success, keeping the existing connection
// and its in-flight task tracking. It reports false and logs on an invalid
// descriptor instead of failing the host.
func (h *HostAgent) RegisterRemoteAgent(desc *core.AgentDescriptor) bool {
	if _, ok := h.registry.get(desc.Name); ok {
		return true
	}
	conn, err := remote.NewConnection(desc, func(o *remote.ConnectionOptions) {
		o.Config = h.connCfg
		o.Logger = h.logger
	})
	if err != nil {
		h.logger.Error("failed to register remote agent %s: %v", desc.Name, err)
		return false
	}
	h.registry.register(conn)
	h.logger.Info("registered remote agent %s at %s", conn.Name(), conn.URL())
	return true
}

// RegisterConnection adds a pre-built connection, replacing any connection
// under the same name.
func (h *HostAgent) RegisterConnection(conn *remote.Connection) {
	h.registry.register(conn)
}

// UnregisterRemoteAgent removes the named agent from the registry; reports
// whether it was registered. In-flight tasks on the removed connection are
// not canceled.
func (h *HostAgent) UnregisterRemoteAgent(name string) bool {
	return h.registry.unregister(name)
}

// ListRemoteAgents returns the catalog of registered remote agents in
// registration order.
func (h *HostAgent) ListRemoteAgents() []RemoteAgentInfo {
	conns := h.registry.list()
	infos := make([]RemoteAgentInfo, len(conns))
	for i, c := range conns {
		infos[i] = RemoteAgentInfo{Name: c.Name(), Description: c.Description()}
	}
	return infos
}

// RoutingContext returns the routing context for the session, creating it
// lazily. Callers hold its lock across a message turn.
func (h *HostAgent) RoutingContext(sessionID string) *RoutingContext {
	return h.contexts.getOrCreate(sessionID)
}

// SendTask dispatches the message as a task to the named remote agent. The
// caller must hold rc's lock. It fails with NotFoundError before any network
// activity when the agent is not registered. An open exchange reuses the
// routing context's task id so the remote sees a continued task; otherwise a
// fresh id is minted. CANCELED and FAILED outcomes surface as TaskError;
// INPUT_REQUIRED flags the result and keeps the exchange open.
func (h *HostAgent) SendTask(ctx context.Context, agentName string, msg core.Message, rc *RoutingContext) (*DispatchResult, error) {
	conn, ok := h.registry.get(agentName)
	if !ok {
		return nil, &NotFoundError{Name: agentName}
	}

	rc.ActiveAgent = agentName
	taskID := rc.TaskID
	if !rc.Open || taskID == "" {
		taskID = core.NewID()
	}

	params := remote.TaskSendParams{
		ID:        taskID,
		SessionID: rc.SessionID,
		Message: remote.MessagePayload{
			Role:    "user",
			Content: msg.Content,
			Metadata: map[string]any{
				"conversation_id": rc.SessionID,
				"message_id":      core.NewID(),
			},
		},
	}

	start := time.Now()
	task := conn.SendTask(ctx, params)
	h.logger.Debug("dispatched task %s to %s state=%s duration=%s",
		task.ID, agentName, task.State, time.Since(start))

	rc.TaskID = task.ID
	// An unparseable state gives no task to continue, so it closes the
	// exchange like the terminal states do.
	rc.Open = !task.State.Terminal() && task.State != core.TaskStateUnknown
	if !rc.Open {
		rc.clearExchange()
	}

	h.saveTask(ctx, task)

	switch task.State {
	case core.TaskStateCanceled, core.TaskStateFailed:
		return nil, &TaskError{
			AgentName: agentName,
			TaskID:    task.ID,
			State:     task.State.String(),
			Message:   taskMessage(task),
		}
	}
	return &DispatchResult{
		Task:          task,
		InputRequired: task.State == core.TaskStateInputRequired,
	}, nil
}

// CheckTaskStatus probes the registered connections in registration order
// and returns the first hit, annotated with the owning agent's name. No
// owner yields core.ErrNotFound: the id was either never dispatched by this
// host or its exchange already closed everywhere.
func (h *HostAgent) CheckTaskStatus(ctx context.Context, taskID string) (*core.Task, error) {
	for _, conn := range h.registry.list() {
		task := conn.GetTaskStatus(ctx, taskID)
		if task == nil {
			continue
		}
		task.SetMeta("agent", conn.Name())
		h.saveTask(ctx, task)
		return task, nil
	}
	return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
}

// HealthCheckAll probes every registered agent concurrently and reports
// liveness per agent name. Purely informational; dispatch never consults it.
func (h *HostAgent) HealthCheckAll(ctx context.Context) map[string]bool {
	conns := h.registry.list()
	results := make(map[string]bool, len(conns))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error {
			ok := conn.HealthCheck(gctx)
			mu.Lock()
			results[conn.Name()] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ProcessMessage implements core.Agent. It resolves the session, renders the
// routing instruction and runs the model in a tool loop until it answers in
// plain text or a remote agent escalates. The returned chunk channel yields
// fragments in generation order and is closed by the producer; the error
// channel is buffered with capacity one. Streams are one-shot.
func (h *HostAgent) ProcessMessage(ctx context.Context, msg core.Message) (<-chan string, <-chan error, error) {
	sessionID := msg.ConversationID
	if sessionID == "" {
		sessionID = core.NewID()
	}

	var session *core.Session
	if h.sessions != nil {
		var err error
		session, err = h.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve session %s: %w", sessionID, err)
		}
	} else {
		session = core.NewSession(sessionID)
	}

	chunkCh := make(chan string, h.chunkBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		rc := h.contexts.getOrCreate(sessionID)
		rc.Lock()
		defer rc.Unlock()

		if err := h.runTurn(ctx, session, msg, rc, chunkCh); err != nil {
			errCh <- err
		}
	}()

	return chunkCh, errCh, nil
}

// runTurn drives one conversational turn through the tool loop. The final
// assistant message is appended to the session only after streaming has
// finished for the turn.
func (h *HostAgent) runTurn(ctx context.Context, session *core.Session, msg core.Message, rc *RoutingContext, chunkCh chan<- string) error {
	history := append(session.History(), msg)
	if h.sessions != nil {
		if err := h.sessions.AppendMessage(ctx, session.ID, msg); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	} else {
		session.AddMessage(msg)
	}
	tools := hostToolDefinitions()

	for round := 0; round < h.maxToolRounds; round++ {
		req := model.Request{
			Instructions: h.routingInstruction(rc),
			History:      history,
			Tools:        tools,
			Stream:       true,
		}

		final, streamed, err := h.consumeGeneration(ctx, req, chunkCh)
		if err != nil {
			return err
		}

		if len(final.ToolCalls) == 0 {
			if !streamed && final.Text != "" {
				select {
				case chunkCh <- final.Text:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			h.appendAssistant(ctx, session, core.Message{
				ID:             core.NewID(),
				ConversationID: session.ID,
				Role:           "assistant",
				Content:        final.Text,
				ContentType:    "text/plain",
				Created:        time.Now().UTC(),
			})
			return nil
		}

		assistant := core.Message{
			ID:             core.NewID(),
			ConversationID: session.ID,
			Role:           "assistant",
			Content:        final.Text,
			Metadata:       map[string]any{"tool_calls": final.ToolCalls},
			Created:        time.Now().UTC(),
		}
		history = append(history, assistant)

		for _, call := range final.ToolCalls {
			outcome := h.executeTool(ctx, call, msg, rc)
			if outcome.escalate != "" {
				// The remote agent needs the user. Surface its prompt
				// verbatim and end the turn with the exchange open.
				select {
				case chunkCh <- outcome.escalate:
				case <-ctx.Done():
					return ctx.Err()
				}
				h.appendAssistant(ctx, session, core.Message{
					ID:             core.NewID(),
					ConversationID: session.ID,
					Role:           "assistant",
					Content:        outcome.escalate,
					ContentType:    "text/plain",
					Metadata:       map[string]any{"escalated": true},
					Created:        time.Now().UTC(),
				})
				return nil
			}
			history = append(history, core.Message{
				ID:             core.NewID(),
				ConversationID: session.ID,
				Role:           "tool",
				Content:        outcome.content,
				Metadata: map[string]any{
					"tool_call_id": call.ID,
					"tool_name":    call.Name,
				},
				Created: time.Now().UTC(),
			})
		}
	}
	return fmt.Errorf("tool loop exceeded %d rounds without a final answer", h.maxToolRounds)
}

// consumeGeneration drains one Generate stream, forwarding partial text to
// the chunk channel. It returns the accumulated final response and whether
// any partial text was streamed (a non-streaming model yields none, so the
// caller emits the final text itself).
func (h *HostAgent) consumeGeneration(ctx context.Context, req model.Request, chunkCh chan<- string) (model.Response, bool, error) {
	respCh, errCh := h.model.Generate(ctx, req)

	var final model.Response
	streamed := false
	for resp := range respCh {
		if resp.Partial {
			if resp.Text != "" {
				streamed = true
				select {
				case chunkCh <- resp.Text:
				case <-ctx.Done():
					return final, streamed, ctx.Err()
				}
			}
			continue
		}
		final.Text += resp.Text
		final.ToolCalls = append(final.ToolCalls, resp.ToolCalls...)
		final.FinishReason = resp.FinishReason
	}
	if err := <-errCh; err != nil {
		return final, streamed, err
	}
	return final, streamed, nil
}

func (h *HostAgent) appendAssistant(ctx context.Context, session *core.Session, msg core.Message) {
	if h.sessions != nil {
		if err := h.sessions.AppendMessage(ctx, session.ID, msg); err != nil {
			h.logger.Error("failed to persist assistant message for session %s: %v", session.ID, err)
		}
		return
	}
	session.AddMessage(msg)
}

// routingInstruction renders the system instruction: delegation rules, the
// live agent catalog and the currently active agent for the session.
func (h *HostAgent) routingInstruction(rc *RoutingContext) string {
	catalog, _ := json.Marshal(h.ListRemoteAgents())
	active := rc.ActiveAgent
	if active == "" {
		active = "none"
	}

	var b strings.Builder
	b.WriteString("You are an expert delegator that routes user requests to remote agents.\n\n")
	b.WriteString("Discovery: use list_remote_agents to see available agents and their descriptions.\n")
	b.WriteString("Execution: use send_task to delegate the user's request to the best suited agent, ")
	b.WriteString("and check_task_status to follow up on a running task.\n")
	b.WriteString("Rely on the agents' answers; do not invent results yourself. ")
	b.WriteString("When an agent asks the user for more input, relay that question verbatim.\n\n")
	b.WriteString("Agents:\n")
	b.Write(catalog)
	b.WriteString("\n\nCurrent active agent: ")
	b.WriteString(active)
	if h.instruction != "" {
		b.WriteString("\n\n")
		b.WriteString(h.instruction)
	}
	return b.String()
}

// CreateTask implements core.Agent: records a fresh SUBMITTED task for the
// message without dispatching it anywhere yet.
func (h *HostAgent) CreateTask(ctx context.Context, msg core.Message) (*core.Task, error) {
	task := core.NewTask(h.name, msg.ID, msg.ConversationID)
	if err := h.persistTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask implements core.Agent. A terminal task is never mutated:
// updating one derives a fresh SUBMITTED task carrying a back-reference.
func (h *HostAgent) UpdateTask(ctx context.Context, task *core.Task, msg *core.Message) (*core.Task, error) {
	if task.State.Terminal() {
		derived := task.Derive()
		if msg != nil {
			derived.MessageID = msg.ID
		}
		if err := h.persistTask(ctx, derived); err != nil {
			return nil, err
		}
		return derived, nil
	}

	if msg != nil {
		task.MessageID = msg.ID
	}
	if task.State == core.TaskStateSubmitted {
		if err := task.Transition(core.TaskStateWorking); err != nil {
			return nil, err
		}
	}
	if err := h.persistTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTaskStatus implements core.Agent. A stored terminal task answers
// directly; otherwise the registered connections are probed and the stored
// record refreshed.
func (h *HostAgent) GetTaskStatus(ctx context.Context, taskID string) (*core.Task, error) {
	var stored *core.Task
	if h.tasks != nil {
		t, err := h.tasks.Get(ctx, taskID)
		if err == nil {
			if t.State.Terminal() {
				return t, nil
			}
			stored = t
		}
	}

	task, err := h.CheckTaskStatus(ctx, taskID)
	if err == nil {
		return task, nil
	}
	if stored != nil {
		return stored, nil
	}
	return nil, err
}

// CancelTask implements core.Agent. Cancellation always succeeds locally:
// the stored task transitions to CANCELED even when no remote connection
// still tracks the id.
func (h *HostAgent) CancelTask(ctx context.Context, taskID string) (*core.Task, error) {
	var remoteTask *core.Task
	for _, conn := range h.registry.list() {
		if t := conn.CancelTask(ctx, taskID); t != nil {
			remoteTask = t
			remoteTask.SetMeta("agent", conn.Name())
			break
		}
	}

	if h.tasks != nil {
		if stored, err := h.tasks.Get(ctx, taskID); err == nil && !stored.State.Terminal() {
			if err := stored.Transition(core.TaskStateCanceled); err == nil {
				h.saveTask(ctx, stored)
			}
			if remoteTask == nil {
				remoteTask = stored
			}
		}
	}

	if remoteTask == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if !remoteTask.State.Terminal() {
		remoteTask.State = core.TaskStateCanceled
		remoteTask.Updated = time.Now().UTC()
	}
	h.saveTask(ctx, remoteTask)
	return remoteTask, nil
}

func (h *HostAgent) persistTask(ctx context.Context, task *core.Task) error {
	if h.tasks == nil {
		return nil
	}
	if err := h.tasks.Save(ctx, task); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (h *HostAgent) saveTask(ctx context.Context, task *core.Task) {
	if h.tasks == nil {
		return
	}
	if err := h.tasks.Save(ctx, task); err != nil {
		h.logger.Error("failed to save task %s: %v", task.ID, err)
	}
}

// taskMessage extracts the most useful human-readable detail from a task.
func taskMessage(task *core.Task) string {
	if m, ok := task.Metadata["error"].(string); ok && m != "" {
		return m
	}
	if m, ok := task.Metadata["status_message"].(string); ok && m != "" {
		return m
	}
	return ""
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/logging"
)

// ConnectionConfig tunes the transport behavior of a Connection.
type ConnectionConfig struct {
	// Timeout bounds every individual HTTP request.
	Timeout time.Duration
	// Retries is the maximum number of additional send attempts after the
	// first. Only task dispatch retries; status/cancel/health are single
	// probes.
	Retries int
	// RetryDelay is the base backoff; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration
}

// DefaultConnectionConfig mirrors the conventional connection settings:
// 30s request timeout, 3 retries, 1s base delay.
var DefaultConnectionConfig = ConnectionConfig{
	Timeout:    30 * time.Second,
	Retries:    3,
	RetryDelay: time.Second,
}

// Connection encapsulates all network interaction with one remote agent and
// presents task operations as calls returning domain objects, never raw
// transport errors. It tracks the set of task ids believed in-flight at the
// remote side; status and cancel calls for ids the connection never
// dispatched short-circuit to nil without network activity.
//
// All methods are safe for concurrent use.
type Connection struct {
	name         string
	description  string
	url          string
	capabilities []string

	cfg    ConnectionConfig
	client *http.Client
	logger logging.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// ConnectionOptions configures construction of a Connection.
type ConnectionOptions struct {
	Config ConnectionConfig
	Logger logging.Logger
	// HTTPClient overrides the default client (tests mostly).
	HTTPClient *http.Client
}

// NewConnection builds the runtime counterpart of a remote agent descriptor.
// The descriptor must be remote with a valid base URL.
func NewConnection(desc *core.AgentDescriptor, optFns ...func(o *ConnectionOptions)) (*Connection, error) {
	if !desc.Remote {
		return nil, fmt.Errorf("agent %s is not remote", desc.Name)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	opts := ConnectionOptions{
		Config: DefaultConnectionConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Config.Timeout}
	}

	return &Connection{
		name:         desc.Name,
		description:  desc.Description,
		url:          strings.TrimRight(desc.URL, "/"),
		capabilities: append([]string(nil), desc.Capabilities...),
		cfg:          opts.Config,
		client:       client,
		logger:       opts.Logger,
		pending:      make(map[string]struct{}),
	}, nil
}

// Name returns the remote agent's unique name (the routing key).
func (c *Connection) Name() string { return c.name }

// Description returns the remote agent's human description.
func (c *Connection) Description() string { return c.description }

// URL returns the remote agent's base URL.
func (c *Connection) URL() string { return c.url }

// Capabilities returns the declared capability tags.
func (c *Connection) Capabilities() []string {
	return append([]string(nil), c.capabilities...)
}

// IsPending reports whether the task id is tracked as in-flight.
func (c *Connection) IsPending(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[taskID]
	return ok
}

// PendingTasks returns a snapshot of the in-flight task ids.
func (c *Connection) PendingTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

func (c *Connection) addPending(taskID string) {
	c.mu.Lock()
	c.pending[taskID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removePending(taskID string) {
	c.mu.Lock()
	delete(c.pending, taskID)
	c.mu.Unlock()
}

// SendTask dispatches a task to the remote agent. It never returns an
// error: any transport or HTTP-status failure yields a task in state failed
// whose metadata records the error and this agent's name. On success the
// parsed task is tracked as pending unless its state is already terminal.
func (c *Connection) SendTask(ctx context.Context, params TaskSendParams) *core.Task {
	if params.ID == "" {
		params.ID = core.NewID()
	}
	c.addPending(params.ID)

	start := time.Now()
	resp, attempts, err := c.postWithRetry(ctx, c.url+sendPath, params)
	if err != nil {
		c.logger.Error("error sending task to remote agent %s: %v", c.name, err)
		c.removePending(params.ID)
		return c.failedTask(params, err)
	}

	task := c.taskFromResponse(resp, params.ID, &params)
	if task.State.Terminal() {
		c.removePending(params.ID)
	}
	c.logger.Debug("task %s dispatched to %s state=%s attempts=%d duration=%s",
		params.ID, c.name, task.State, attempts, time.Since(start))
	return task
}

// GetTaskStatus probes the remote agent for the task's current state. It
// returns nil immediately, without a network call, when the id is not in the
// pending set. Status lookups are single synchronous probes, never retried;
// a failed probe returns nil and logs.
func (c *Connection) GetTaskStatus(ctx context.Context, taskID string) *core.Task {
	if !c.IsPending(taskID) {
		return nil
	}

	resp, err := c.get(ctx, c.url+statusPath+taskID)
	if err != nil {
		c.logger.Error("error getting task status from remote agent %s: %v", c.name, err)
		return nil
	}

	task := c.taskFromResponse(resp, taskID, nil)
	if task.State.Terminal() {
		c.removePending(taskID)
	}
	return task
}

// CancelTask requests cancellation of a pending task. The id is dropped from
// pending tracking on any successful response regardless of the remote's
// reported state — cancellation always ends the local tracking. Returns nil
// for unknown ids (no network call) and on failure.
func (c *Connection) CancelTask(ctx context.Context, taskID string) *core.Task {
	if !c.IsPending(taskID) {
		return nil
	}

	resp, err := c.post(ctx, c.url+cancelPath+taskID, nil)
	if err != nil {
		c.logger.Error("error canceling task on remote agent %s: %v", c.name, err)
		return nil
	}

	task := c.taskFromResponse(resp, taskID, nil)
	c.removePending(taskID)
	return task
}

// HealthCheck reports whether the remote agent answers its health endpoint
// with status "ok". Best-effort liveness signal; never gates dispatch.
func (c *Connection) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("error checking health of remote agent %s: %v", c.name, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Status == "ok"
}

// postWithRetry issues the dispatch POST with exponential backoff. Transport
// errors and 5xx responses are retried up to cfg.Retries times; 4xx
// responses fail immediately (the request will not become valid by waiting).
func (c *Connection) postWithRetry(ctx context.Context, url string, body any) (*TaskResponse, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			case <-time.After(delay):
			}
		}
		attempts++
		resp, retryable, err := c.doJSON(ctx, http.MethodPost, url, body)
		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn("retrying task dispatch to %s (attempt %d/%d): %v", c.name, attempt+1, c.cfg.Retries, err)
	}
	return nil, attempts, lastErr
}

func (c *Connection) post(ctx context.Context, url string, body any) (*TaskResponse, error) {
	resp, _, err := c.doJSON(ctx, http.MethodPost, url, body)
	return resp, err
}

func (c *Connection) get(ctx context.Context, url string) (*TaskResponse, error) {
	resp, _, err := c.doJSON(ctx, http.MethodGet, url, nil)
	return resp, err
}

// doJSON performs one HTTP round trip and decodes the task envelope. The
// second return reports whether the failure class is worth retrying.
func (c *Connection) doJSON(ctx context.Context, method, url string, body any) (*TaskResponse, bool, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, false, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}

	var envelope TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	return &envelope, false, nil
}

// taskFromResponse maps a protocol envelope onto a domain task. Unknown or
// missing state strings map to unknown, never an error. Metadata captures
// the original request (dispatch only) and any remote-reported error;
// artifacts are copied verbatim.
func (c *Connection) taskFromResponse(resp *TaskResponse, taskID string, params *TaskSendParams) *core.Task {
	sessionID := "unknown"
	messageID := "unknown"
	if params != nil {
		if params.SessionID != "" {
			sessionID = params.SessionID
		}
		if id, ok := params.Message.Metadata["message_id"].(string); ok && id != "" {
			messageID = id
		}
	}

	task := &core.Task{
		ID:        taskID,
		AgentID:   c.name,
		MessageID: messageID,
		SessionID: sessionID,
		State:     core.TaskStateUnknown,
		Metadata:  map[string]any{},
		Created:   time.Now().UTC(),
		Updated:   time.Now().UTC(),
	}

	if params != nil {
		task.Metadata["request"] = *params
	}
	if resp.Error != "" {
		task.Metadata["error"] = resp.Error
	}
	if resp.Result == nil {
		return task
	}

	task.State = core.ParseTaskState(resp.Result.Status.State)
	if resp.Result.Status.Message != nil {
		task.Metadata["status_message"] = resp.Result.Status.Message.Content
	}
	for _, a := range resp.Result.Artifacts {
		task.Artifacts = append(task.Artifacts, a)
	}
	return task
}

// failedTask builds the degraded task returned when dispatch could not reach
// the remote agent or the remote answered with an error status.
func (c *Connection) failedTask(params TaskSendParams, err error) *core.Task {
	now := time.Now().UTC()
	messageID := "unknown"
	if id, ok := params.Message.Metadata["message_id"].(string); ok && id != "" {
		messageID = id
	}
	return &core.Task{
		ID:        params.ID,
		AgentID:   c.name,
		MessageID: messageID,
		SessionID: params.SessionID,
		State:     core.TaskStateFailed,
		Metadata: map[string]any{
			"error": err.Error(),
			"agent": c.name,
		},
		Created: now,
		Updated: now,
	}
}

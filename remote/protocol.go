package remote

import "github.com/devflowhq/devflow/core"

// Protocol endpoints relative to an agent's base URL.
const (
	sendPath   = "/task/send"
	statusPath = "/task/status/"
	cancelPath = "/task/cancel/"
	healthPath = "/health"
)

// MessagePayload is the conversational payload carried by a task dispatch.
// Metadata conventionally holds "conversation_id" and "message_id".
type MessagePayload struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskSendParams is the body POSTed to {url}/task/send.
type TaskSendParams struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Message   MessagePayload `json:"message"`
}

// TaskStatus reports the remote task state, optionally with an agent message
// for the caller.
type TaskStatus struct {
	State   string          `json:"state"`
	Message *MessagePayload `json:"message,omitempty"`
}

// TaskResult is the nested result object shared by send/status/cancel
// responses.
type TaskResult struct {
	Status    TaskStatus      `json:"status"`
	Artifacts []core.Artifact `json:"artifacts,omitempty"`
}

// TaskResponse is the envelope returned by the task endpoints. Exactly one
// of Result or Error is expected to be set; a malformed envelope degrades to
// a task in state unknown rather than an error.
type TaskResponse struct {
	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// HealthResponse is the body of GET {url}/health. A remote agent is healthy
// iff Status equals "ok".
type HealthResponse struct {
	Status string `json:"status"`
}

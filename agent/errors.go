package agent

import "fmt"

// NotFoundError is returned when an operation names an agent that is not in
// the registry. It is produced before any network activity takes place.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent %s not found", e.Name)
}

// TaskError is returned when a dispatched task lands in canceled or failed
// state. It carries the task context so callers can distinguish it from a
// transport problem (which never surfaces as an error at all).
type TaskError struct {
	AgentName string
	TaskID    string
	State     string
	Message   string
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("task %s on agent %s ended %s: %s", e.TaskID, e.AgentName, e.State, e.Message)
	}
	return fmt.Sprintf("task %s on agent %s ended %s", e.TaskID, e.AgentName, e.State)
}

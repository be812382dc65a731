package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/model"
)

// toolOutcome is the result of executing one host tool call. content goes
// back to the model as a tool message; a non-empty escalate ends the turn
// and its value is streamed to the user verbatim.
type toolOutcome struct {
	content  string
	escalate string
}

// hostToolDefinitions declares the routing tools exposed to the model.
func hostToolDefinitions() []model.ToolDefinition {
	return []model.ToolDefinition{
		{
			Name:        "list_remote_agents",
			Description: "List the remote agents available for task delegation, with their descriptions.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "send_task",
			Description: "Delegate the user's request as a task to a named remote agent and wait for its outcome.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_name": map[string]any{
						"type":        "string",
						"description": "Name of the remote agent, as returned by list_remote_agents.",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "The request to send to the agent.",
					},
				},
				"required": []string{"agent_name", "message"},
			},
		},
		{
			Name:        "check_task_status",
			Description: "Look up the current state of a previously dispatched task by its id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{
						"type":        "string",
						"description": "Id of the task to check.",
					},
				},
				"required": []string{"task_id"},
			},
		},
	}
}

// executeTool runs one tool call. Tool failures are reported back to the
// model as content, never as errors: the model decides how to recover.
func (h *HostAgent) executeTool(ctx context.Context, call model.ToolCall, msg core.Message, rc *RoutingContext) toolOutcome {
	switch call.Name {
	case "list_remote_agents":
		return h.toolListRemoteAgents()
	case "send_task":
		return h.toolSendTask(ctx, call, msg, rc)
	case "check_task_status":
		return h.toolCheckTaskStatus(ctx, call)
	default:
		return toolOutcome{content: fmt.Sprintf("unknown tool %q", call.Name)}
	}
}

func (h *HostAgent) toolListRemoteAgents() toolOutcome {
	infos := h.ListRemoteAgents()
	if len(infos) == 0 {
		return toolOutcome{content: "no remote agents are registered"}
	}
	buf, err := json.Marshal(infos)
	if err != nil {
		return toolOutcome{content: fmt.Sprintf("failed to render agent catalog: %v", err)}
	}
	return toolOutcome{content: string(buf)}
}

func (h *HostAgent) toolSendTask(ctx context.Context, call model.ToolCall, msg core.Message, rc *RoutingContext) toolOutcome {
	var args struct {
		AgentName string `json:"agent_name"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return toolOutcome{content: fmt.Sprintf("invalid send_task arguments: %v", err)}
	}

	taskMsg := msg
	if args.Message != "" {
		taskMsg.Content = args.Message
	}

	result, err := h.SendTask(ctx, args.AgentName, taskMsg, rc)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return toolOutcome{content: fmt.Sprintf("agent %s is not registered; call list_remote_agents for the catalog", args.AgentName)}
		}
		var te *TaskError
		if errors.As(err, &te) {
			return toolOutcome{content: fmt.Sprintf("task %s ended %s: %s", te.TaskID, te.State, te.Message)}
		}
		return toolOutcome{content: fmt.Sprintf("send_task failed: %v", err)}
	}

	task := result.Task
	if result.InputRequired {
		prompt := taskMessage(task)
		if prompt == "" {
			prompt = fmt.Sprintf("%s needs more input to continue.", args.AgentName)
		}
		return toolOutcome{escalate: prompt}
	}

	return toolOutcome{content: renderTask(task)}
}

func (h *HostAgent) toolCheckTaskStatus(ctx context.Context, call model.ToolCall) toolOutcome {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return toolOutcome{content: fmt.Sprintf("invalid check_task_status arguments: %v", err)}
	}

	task, err := h.CheckTaskStatus(ctx, args.TaskID)
	if err != nil {
		return toolOutcome{content: fmt.Sprintf("no registered agent knows task %s", args.TaskID)}
	}
	return toolOutcome{content: renderTask(task)}
}

// renderTask serializes the model-facing view of a task outcome.
func renderTask(task *core.Task) string {
	view := map[string]any{
		"task_id": task.ID,
		"state":   task.State.String(),
	}
	if m := taskMessage(task); m != "" {
		view["message"] = m
	}
	if agent, ok := task.Metadata["agent"].(string); ok {
		view["agent"] = agent
	}
	if len(task.Artifacts) > 0 {
		view["artifacts"] = task.Artifacts
	}
	buf, err := json.Marshal(view)
	if err != nil {
		return fmt.Sprintf("task %s state=%s", task.ID, task.State)
	}
	return string(buf)
}

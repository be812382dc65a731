package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/model"
	"github.com/devflowhq/devflow/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(name, url string) *core.AgentDescriptor {
	desc := core.NewAgentDescriptor(name, name+" specialist")
	desc.Remote = true
	desc.URL = url
	return desc
}

func newTestHost(t *testing.T, m model.Model) *HostAgent {
	t.Helper()
	host, err := NewHostAgent(m, func(o *HostAgentOptions) {
		o.ConnectionConfig = remote.ConnectionConfig{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond}
	})
	require.NoError(t, err)
	return host
}

func startEchoAgent(t *testing.T, host *HostAgent, name string) {
	t.Helper()
	srv := httptest.NewServer(remote.NewServer(remote.NewEchoHandler(), nil).Handler())
	t.Cleanup(srv.Close)
	require.True(t, host.RegisterRemoteAgent(testDescriptor(name, srv.URL)))
}

// startStateAgent registers an agent whose dispatches always answer with the
// given state and message.
func startStateAgent(t *testing.T, host *HostAgent, name, state, message string) *int32 {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		resp := remote.TaskResponse{Result: &remote.TaskResult{
			Status: remote.TaskStatus{State: state},
		}}
		if message != "" {
			resp.Result.Status.Message = &remote.MessagePayload{Role: "assistant", Content: message}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	require.True(t, host.RegisterRemoteAgent(testDescriptor(name, srv.URL)))
	return &calls
}

func TestRegisterRemoteAgent(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))

	assert.True(t, host.RegisterRemoteAgent(testDescriptor("Billing", "http://billing.internal")))
	assert.False(t, host.RegisterRemoteAgent(core.NewAgentDescriptor("Local", "not remote")),
		"invalid descriptor is rejected, not fatal")

	infos := host.ListRemoteAgents()
	require.Len(t, infos, 1)
	assert.Equal(t, "Billing", infos[0].Name)
}

func TestRegisterRemoteAgentIdempotent(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	host.RegisterRemoteAgent(testDescriptor("Billing", "http://one"))
	host.RegisterRemoteAgent(testDescriptor("Search", "http://two"))
	assert.True(t, host.RegisterRemoteAgent(testDescriptor("Billing", "http://three")),
		"an already registered name is a no-op success")

	infos := host.ListRemoteAgents()
	require.Len(t, infos, 2)
	assert.Equal(t, "Billing", infos[0].Name)
	assert.Equal(t, "Search", infos[1].Name)

	conn, ok := host.registry.get("Billing")
	require.True(t, ok)
	assert.Equal(t, "http://one", conn.URL(), "the existing connection stays in place")
}

func TestRegisterRemoteAgentKeepsInFlightTasks(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startStateAgent(t, host, "Billing", "working", "")
	rc := host.RoutingContext("s1")

	result, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "refund"), rc)
	require.NoError(t, err)

	// Re-registering the name must not drop the connection tracking the
	// running task.
	host.RegisterRemoteAgent(testDescriptor("Billing", "http://elsewhere"))

	task, err := host.CheckTaskStatus(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStateWorking, task.State)
	assert.Equal(t, "Billing", task.Metadata["agent"])
}

func TestSendTaskAgentNotFound(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	rc := host.RoutingContext("s1")

	_, err := host.SendTask(context.Background(), "Ghost", core.NewMessage("s1", "user", "hi"), rc)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Ghost", nf.Name)
}

func TestSendTaskCompletedClosesExchange(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startEchoAgent(t, host, "Billing")
	rc := host.RoutingContext("s1")

	result, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "refund?"), rc)
	require.NoError(t, err)
	assert.False(t, result.InputRequired)
	assert.Equal(t, core.TaskStateCompleted, result.Task.State)
	assert.Equal(t, "Billing", rc.ActiveAgent)
	assert.False(t, rc.Open)
	assert.Empty(t, rc.TaskID, "terminal exchange clears the open task")
}

func TestSendTaskInputRequiredKeepsExchangeOpen(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startStateAgent(t, host, "Billing", "input_required", "Which order?")
	rc := host.RoutingContext("s1")

	result, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "refund"), rc)
	require.NoError(t, err)
	assert.True(t, result.InputRequired)
	assert.True(t, rc.Open)
	assert.Equal(t, result.Task.ID, rc.TaskID)
	assert.Equal(t, "Which order?", result.Task.Metadata["status_message"])
}

func TestSendTaskReusesOpenTaskID(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startStateAgent(t, host, "Billing", "working", "")
	rc := host.RoutingContext("s1")

	first, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "a"), rc)
	require.NoError(t, err)
	second, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "b"), rc)
	require.NoError(t, err)
	assert.Equal(t, first.Task.ID, second.Task.ID, "open exchange continues the same task")
}

func TestSendTaskUnknownStateClosesExchange(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startStateAgent(t, host, "Billing", "reticulating", "")
	rc := host.RoutingContext("s1")

	first, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "a"), rc)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStateUnknown, first.Task.State)
	assert.False(t, rc.Open, "an unknown outcome leaves no task to continue")
	assert.Empty(t, rc.TaskID)

	second, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "b"), rc)
	require.NoError(t, err)
	assert.NotEqual(t, first.Task.ID, second.Task.ID, "a closed exchange mints a fresh task id")
}

func TestSendTaskFailedSurfacesTaskError(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	srv := httptest.NewServer(nil)
	srv.Close()
	require.True(t, host.RegisterRemoteAgent(testDescriptor("Billing", srv.URL)))
	rc := host.RoutingContext("s1")

	_, err := host.SendTask(context.Background(), "Billing", core.NewMessage("s1", "user", "hi"), rc)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Billing", te.AgentName)
	assert.Equal(t, core.TaskStateFailed.String(), te.State)
	assert.False(t, rc.Open)
}

func TestCheckTaskStatusRegistrationOrder(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startStateAgent(t, host, "First", "working", "")
	startStateAgent(t, host, "Second", "working", "")
	rc := host.RoutingContext("s1")

	result, err := host.SendTask(context.Background(), "Second", core.NewMessage("s1", "user", "go"), rc)
	require.NoError(t, err)

	task, err := host.CheckTaskStatus(context.Background(), result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Second", task.Metadata["agent"], "only the owning connection answers")

	_, err = host.CheckTaskStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHealthCheckAll(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startEchoAgent(t, host, "Healthy")

	dead := httptest.NewServer(nil)
	dead.Close()
	require.True(t, host.RegisterRemoteAgent(testDescriptor("Dead", dead.URL)))

	results := host.HealthCheckAll(context.Background())
	assert.True(t, results["Healthy"])
	assert.False(t, results["Dead"])
}

func TestProcessMessageToolLoop(t *testing.T) {
	m := model.NewMockModel("mock")
	host := newTestHost(t, m)
	startEchoAgent(t, host, "Billing")

	m.SetScript(
		[]model.Response{{
			ToolCalls: []model.ToolCall{{
				ID:        "c1",
				Name:      "send_task",
				Arguments: `{"agent_name":"Billing","message":"refund order 42"}`,
			}},
			FinishReason: "tool_calls",
		}},
		[]model.Response{
			{Partial: true, Text: "Billing says: "},
			{Partial: true, Text: "done"},
			{Text: "Billing says: done", FinishReason: "stop"},
		},
	)

	chunks, errs, err := host.ProcessMessage(context.Background(), core.NewMessage("s1", "user", "refund order 42"))
	require.NoError(t, err)

	var got string
	for chunk := range chunks {
		got += chunk
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "Billing says: done", got)
}

func TestProcessMessageEscalation(t *testing.T) {
	m := model.NewMockModel("mock")
	host := newTestHost(t, m)
	startStateAgent(t, host, "Billing", "input_required", "Which order number?")

	m.SetScript([]model.Response{{
		ToolCalls: []model.ToolCall{{
			ID:        "c1",
			Name:      "send_task",
			Arguments: `{"agent_name":"Billing","message":"refund"}`,
		}},
		FinishReason: "tool_calls",
	}})

	chunks, errs, err := host.ProcessMessage(context.Background(), core.NewMessage("s1", "user", "refund"))
	require.NoError(t, err)

	var got []string
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 1)
	assert.Equal(t, "Which order number?", got[0], "the remote prompt is relayed verbatim")
	assert.True(t, host.RoutingContext("s1").Open)
}

func TestProcessMessageUnknownAgentRecovers(t *testing.T) {
	m := model.NewMockModel("mock")
	host := newTestHost(t, m)
	startEchoAgent(t, host, "Billing")

	m.SetScript(
		[]model.Response{{
			ToolCalls: []model.ToolCall{{
				ID:        "c1",
				Name:      "send_task",
				Arguments: `{"agent_name":"Ghost","message":"hi"}`,
			}},
			FinishReason: "tool_calls",
		}},
		[]model.Response{{Text: "No such agent, sorry.", FinishReason: "stop"}},
	)

	chunks, errs, err := host.ProcessMessage(context.Background(), core.NewMessage("s1", "user", "hi"))
	require.NoError(t, err)

	var got string
	for chunk := range chunks {
		got += chunk
	}
	require.NoError(t, <-errs, "a missing agent is reported to the model, never escapes the stream")
	assert.Equal(t, "No such agent, sorry.", got)
}

func TestRoutingInstruction(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	startEchoAgent(t, host, "Billing")

	rc := host.RoutingContext("s1")
	instr := host.routingInstruction(rc)
	assert.Contains(t, instr, "Billing")
	assert.Contains(t, instr, "Current active agent: none")

	rc.ActiveAgent = "Billing"
	assert.Contains(t, host.routingInstruction(rc), "Current active agent: Billing")
}

func TestHostTaskLifecycle(t *testing.T) {
	host := newTestHost(t, model.NewMockModel("mock"))
	msg := core.NewMessage("s1", "user", "hi")

	task, err := host.CreateTask(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStateSubmitted, task.State)

	task, err = host.UpdateTask(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStateWorking, task.State)

	require.NoError(t, task.Transition(core.TaskStateCompleted))
	derived, err := host.UpdateTask(context.Background(), task, &msg)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, derived.ID, "terminal tasks are never mutated")
	assert.Equal(t, task.ID, derived.Metadata["derived_from"])
}

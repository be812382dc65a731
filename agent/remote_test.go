package agent

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoRemoteAgent(t *testing.T) *RemoteAgent {
	t.Helper()
	srv := httptest.NewServer(remote.NewServer(remote.NewEchoHandler(), nil).Handler())
	t.Cleanup(srv.Close)

	a, err := NewRemoteAgent(testDescriptor("Echo", srv.URL), func(o *RemoteAgentOptions) {
		o.ConnectionConfig = remote.ConnectionConfig{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond}
	})
	require.NoError(t, err)
	return a
}

func TestRemoteAgentProcessMessage(t *testing.T) {
	a := newEchoRemoteAgent(t)

	chunks, errs, err := a.ProcessMessage(context.Background(), core.NewMessage("s1", "user", "ping"))
	require.NoError(t, err)

	var got []string
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.NoError(t, <-errs)
	require.NotEmpty(t, got)
	assert.Equal(t, "Echo: ping", got[0])
}

func TestRemoteAgentProcessMessageFailure(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close()

	a, err := NewRemoteAgent(testDescriptor("Dead", srv.URL), func(o *RemoteAgentOptions) {
		o.ConnectionConfig = remote.ConnectionConfig{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond}
	})
	require.NoError(t, err)

	chunks, errs, err := a.ProcessMessage(context.Background(), core.NewMessage("s1", "user", "ping"))
	require.NoError(t, err, "transport failure never breaks the streaming boundary")

	for range chunks {
	}
	var te *TaskError
	require.ErrorAs(t, <-errs, &te)
	assert.Equal(t, "Dead", te.AgentName)
}

func TestRemoteAgentTaskLifecycle(t *testing.T) {
	a := newEchoRemoteAgent(t)
	msg := core.NewMessage("s1", "user", "ping")

	task, err := a.CreateTask(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStateCompleted, task.State)
	assert.Equal(t, "Echo", task.AgentID)

	_, err = a.GetTaskStatus(context.Background(), "never-sent")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = a.CancelTask(context.Background(), "never-sent")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

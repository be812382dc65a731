package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskState(t *testing.T) {
	tests := []struct {
		in   string
		want TaskState
	}{
		{"submitted", TaskStateSubmitted},
		{"WORKING", TaskStateWorking},
		{"Working", TaskStateWorking},
		{"completed", TaskStateCompleted},
		{"FAILED", TaskStateFailed},
		{"canceled", TaskStateCanceled},
		{"INPUT_REQUIRED", TaskStateInputRequired},
		{"  working  ", TaskStateWorking},
		{"bogus", TaskStateUnknown},
		{"", TaskStateUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTaskState(tt.in), "input %q", tt.in)
	}
}

func TestTaskStateTerminal(t *testing.T) {
	assert.True(t, TaskStateCompleted.Terminal())
	assert.True(t, TaskStateFailed.Terminal())
	assert.True(t, TaskStateCanceled.Terminal())
	assert.False(t, TaskStateSubmitted.Terminal())
	assert.False(t, TaskStateWorking.Terminal())
	assert.False(t, TaskStateInputRequired.Terminal())
	assert.False(t, TaskStateUnknown.Terminal())
}

func TestTaskTransitions(t *testing.T) {
	task := NewTask("a1", "m1", "s1")
	require.Equal(t, TaskStateSubmitted, task.State)

	require.NoError(t, task.Transition(TaskStateWorking))
	require.NoError(t, task.Transition(TaskStateInputRequired))
	require.NoError(t, task.Transition(TaskStateWorking))
	require.NoError(t, task.Transition(TaskStateCompleted))

	// Terminal: no further transition observable.
	assert.Error(t, task.Transition(TaskStateWorking))
	assert.Error(t, task.Transition(TaskStateCanceled))
	assert.Equal(t, TaskStateCompleted, task.State)
}

func TestTaskCancelFromAnyNonTerminal(t *testing.T) {
	for _, from := range []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired, TaskStateUnknown} {
		task := NewTask("a1", "m1", "s1")
		task.State = from
		require.NoError(t, task.Transition(TaskStateCanceled), "from %s", from)
	}
}

func TestTaskUnknownNeverMovesForward(t *testing.T) {
	task := NewTask("a1", "m1", "s1")
	task.State = TaskStateUnknown
	assert.Error(t, task.Transition(TaskStateWorking))
	assert.Error(t, task.Transition(TaskStateCompleted))
}

func TestTaskArtifactsFrozenWhenTerminal(t *testing.T) {
	task := NewTask("a1", "m1", "s1")
	require.NoError(t, task.AddArtifact(Artifact{"type": "text", "value": "partial"}))
	require.NoError(t, task.Transition(TaskStateCompleted))
	assert.Error(t, task.AddArtifact(Artifact{"type": "text", "value": "late"}))
	assert.Len(t, task.Artifacts, 1)
}

func TestTaskDerive(t *testing.T) {
	task := NewTask("a1", "m1", "s1")
	require.NoError(t, task.Transition(TaskStateFailed))

	nt := task.Derive()
	assert.NotEqual(t, task.ID, nt.ID)
	assert.Equal(t, TaskStateSubmitted, nt.State)
	assert.Equal(t, task.ID, nt.Metadata["derived_from"])
	assert.Equal(t, task.SessionID, nt.SessionID)
}

func TestTaskClone(t *testing.T) {
	task := NewTask("a1", "m1", "s1")
	task.SetMeta("k", "v")
	require.NoError(t, task.AddArtifact(Artifact{"type": "text"}))

	clone := task.Clone()
	clone.Metadata["k"] = "other"
	clone.Artifacts[0]["type"] = "file"

	assert.Equal(t, "v", task.Metadata["k"])
	assert.Equal(t, "text", task.Artifacts[0]["type"])
}

package model

import (
	"context"
	"testing"

	"github.com/devflowhq/devflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, respCh <-chan Response, errCh <-chan error) ([]Response, error) {
	t.Helper()
	var out []Response
	for r := range respCh {
		out = append(out, r)
	}
	return out, <-errCh
}

func TestMockModelCannedResponse(t *testing.T) {
	m := NewMockModel("test")
	m.AddResponse("hi", "hello there")

	respCh, errCh := m.Generate(context.Background(), Request{
		History: []core.Message{core.NewMessage("c1", "user", "hi")},
	})
	out, err := collect(t, respCh, errCh)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hello there", out[0].Text)
	assert.False(t, out[0].Partial)
}

func TestMockModelStreamingEmitsPartials(t *testing.T) {
	m := NewMockModel("test")
	m.AddResponse("hi", "abc")

	respCh, errCh := m.Generate(context.Background(), Request{
		History: []core.Message{core.NewMessage("c1", "user", "hi")},
		Stream:  true,
	})
	out, err := collect(t, respCh, errCh)
	require.NoError(t, err)
	require.Len(t, out, 4) // 3 partials + final

	var streamed string
	for _, r := range out[:3] {
		assert.True(t, r.Partial)
		streamed += r.Text
	}
	assert.Equal(t, "abc", streamed)
	assert.Equal(t, "abc", out[3].Text)
}

func TestMockModelScriptedTurns(t *testing.T) {
	m := NewMockModel("test")
	m.SetScript(
		[]Response{{ToolCalls: []ToolCall{{ID: "tc1", Name: "send_task"}}, FinishReason: "tool_calls"}},
		[]Response{{Text: "done", FinishReason: "stop"}},
	)

	respCh, errCh := m.Generate(context.Background(), Request{})
	out, err := collect(t, respCh, errCh)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].ToolCalls, 1)
	assert.Equal(t, "send_task", out[0].ToolCalls[0].Name)

	respCh, errCh = m.Generate(context.Background(), Request{})
	out, err = collect(t, respCh, errCh)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "done", out[0].Text)
}

func TestMockModelNoUserMessage(t *testing.T) {
	m := NewMockModel("test")
	respCh, errCh := m.Generate(context.Background(), Request{})
	out, err := collect(t, respCh, errCh)
	assert.Empty(t, out)
	assert.Error(t, err)
}

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorValidate(t *testing.T) {
	d := NewAgentDescriptor("Billing", "handles refunds")
	require.NoError(t, d.Validate())

	d.Remote = true
	assert.Error(t, d.Validate(), "remote without url")

	d.URL = "http://billing.internal:8080"
	assert.NoError(t, d.Validate())

	d.URL = "not a url"
	assert.Error(t, d.Validate())

	d.Name = ""
	assert.Error(t, d.Validate())
}

func TestSessionHistoryFiltersRoles(t *testing.T) {
	s := NewSession("s1")
	s.AddMessage(NewMessage("s1", "user", "hi"))
	s.AddMessage(NewMessage("s1", "system", "internal"))
	s.AddMessage(NewMessage("s1", "assistant", "hello"))

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestSessionCloneIsIndependent(t *testing.T) {
	s := NewSession("s1")
	s.SetState("agent", "Billing")
	clone := s.Clone()
	clone.SetState("agent", "Weather")

	v, ok := s.GetState("agent")
	require.True(t, ok)
	assert.Equal(t, "Billing", v)
}

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage("c1", "user", "hi")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "text/plain", m.ContentType)
	assert.Equal(t, "c1", m.ConversationID)
}

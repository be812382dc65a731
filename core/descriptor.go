package core

import (
	"fmt"
	"net/url"
	"time"
)

// AgentDescriptor is the registration record for an agent. Name is unique
// and serves as the routing key. Remote descriptors carry the base URL of
// the peer; local descriptors carry the model and instruction driving
// generation. Descriptors are owned by the AgentStore; a runtime connection
// is constructed from a remote descriptor and cached for the process's
// lifetime while the agent is active.
type AgentDescriptor struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	URL          string         `json:"url,omitempty"`
	Active       bool           `json:"active"`
	Remote       bool           `json:"remote"`
	Model        string         `json:"model,omitempty"`
	Instruction  string         `json:"instruction,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"`
}

// NewAgentDescriptor creates an active descriptor with a generated id.
func NewAgentDescriptor(name, description string) *AgentDescriptor {
	now := time.Now().UTC()
	return &AgentDescriptor{
		ID:          NewID(),
		Name:        name,
		Description: description,
		Active:      true,
		Created:     now,
		Updated:     now,
	}
}

// Validate checks the structural invariants of the descriptor: a name is
// always required and remote agents need a well-formed absolute base URL.
func (d *AgentDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent descriptor: name is required")
	}
	if d.Remote {
		u, err := url.Parse(d.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("agent descriptor %s: invalid base url %q", d.Name, d.URL)
		}
	}
	return nil
}

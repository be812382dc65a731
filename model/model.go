// Package model abstracts the text generation capability consumed by agents.
// A Model turns an instruction plus conversation history into a stream of
// response chunks, optionally surfacing tool calls so the caller can execute
// structured capabilities and feed results back for another round.
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/devflowhq/devflow/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // JSON string of arguments
}

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by agents.
//
// History carries the conversation in core.Message form. Tool results are
// represented as messages with role "tool" whose metadata holds the
// originating "tool_call_id" and "tool_name".
type Request struct {
	Instructions string           `json:"instructions"`
	History      []core.Message   `json:"history"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	Partial      bool       `json:"partial"`
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", etc.
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by agents to drive generation.
// Generate returns a response channel closed by the producer plus a buffered
// error channel (size 1). The stream is finite and one-shot.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Canned completions are keyed by the last user message; scripted turns
// (SetScript) take precedence and are consumed one Generate call at a time,
// which is how tool-loop round trips are simulated.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	script    [][]Response
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      "mock",
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// SetScript queues turns to be emitted verbatim, one slice per Generate call.
func (m *MockModel) SetScript(turns ...[]Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = turns
}

// Generate implements Model; plays the next scripted turn when present,
// otherwise emits optional streaming char chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	var turn []Response
	if len(m.script) > 0 {
		turn = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if turn != nil {
			for _, r := range turn {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- r:
				}
			}
			return
		}

		var inputText string
		for i := len(req.History) - 1; i >= 0; i-- {
			if req.History[i].Role == "user" {
				inputText = req.History[i].Content
				break
			}
		}
		if inputText == "" {
			errCh <- fmt.Errorf("no user message in history")
			return
		}

		m.mu.Lock()
		full := m.responses[inputText]
		m.mu.Unlock()
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		respCh <- Response{Text: full, FinishReason: "stop"}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

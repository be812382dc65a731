package core

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single conversational turn. Role follows the usual chat
// convention (user, assistant, system, tool); ContentType is a MIME hint
// defaulting to plain text.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	ContentType    string         `json:"content_type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Created        time.Time      `json:"created"`
}

// NewMessage creates a message with a generated id and UTC timestamp.
func NewMessage(conversationID, role, content string) Message {
	return Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ContentType:    "text/plain",
		Created:        time.Now().UTC(),
	}
}

// NewID generates a new unique identifier for tasks, messages and sessions.
func NewID() string { return uuid.NewString() }

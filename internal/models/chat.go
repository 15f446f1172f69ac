package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultSessionID is the transcript shared by callers that do not name a session.
const DefaultSessionID = "default"

// Turn is one role-tagged utterance in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRequest is the payload sent to the chat endpoint.
type ChatRequest struct {
	UserInput *string `json:"user_input"`
	SessionID string  `json:"session_id,omitempty"`
}

// ChatResponse is the reply from the relay. Reply is always set; Status
// tells programmatic callers which path produced it.
type ChatResponse struct {
	Reply     string `json:"reply"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

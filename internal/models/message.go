package models

// Message represents one turn of a conversation as it travels on the wire to the chat backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a reply streamed back by the backend.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used by the development backend when it prepends its system prompt.
	RoleSystem Role = "system"
)

// WebRequest is the JSON body posted to the backend's /getMessageWeb endpoint. History already
// contains the turn carried in UserMessage.
type WebRequest struct {
	UserMessage string    `json:"userMessage"`
	History     []Message `json:"history"`
}

// StreamingState values used by the widget templates to mark the state of an assistant message.
const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)

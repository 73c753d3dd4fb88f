package models

import "time"

// EventType names an observable session change
type EventType string

const (
	EventMessageAppended     EventType = "message_appended"
	EventMessageUpdated      EventType = "message_updated"
	EventOptionsChanged      EventType = "options_changed"
	EventStateChanged        EventType = "state_changed"
	EventTyping              EventType = "typing"
	EventModeChanged         EventType = "mode_changed"
	EventConversationCleared EventType = "conversation_cleared"
	EventError               EventType = "error"
	EventSessionClosed       EventType = "session_closed"
)

// Event is pushed to UI subscribers of a session
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

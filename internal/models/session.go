package models

import "time"

// Mode is the interaction mode of a session
type Mode string

const (
	ModeFreeform  Mode = "freeform"
	ModeBranching Mode = "branching"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFreeform, ModeBranching:
		return Mode(s), true
	}
	return "", false
}

// State is the conversation state machine state
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaitingResponse"
)

// TransportKind names the transport a request travelled on
type TransportKind string

const (
	TransportChannel TransportKind = "channel"
	TransportOneShot TransportKind = "oneshot"
)

// Snapshot is a read-only copy of a session
type Snapshot struct {
	SessionID    string              `json:"sessionId"`
	CharacterID  string              `json:"characterId"`
	Character    CharacterDescriptor `json:"character"`
	Mode         Mode                `json:"mode"`
	State        State               `json:"state"`
	Typing       bool                `json:"typing"`
	Transport    TransportKind       `json:"transport"`
	Messages     []Message           `json:"messages"`
	Options      []string            `json:"options"`
	LastError    string              `json:"lastError,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	LastActivity time.Time           `json:"lastActivity"`
}

// Export is the downloadable conversation document
type Export struct {
	SessionID  string    `json:"sessionId"`
	Character  Character `json:"character"`
	Mode       Mode      `json:"mode"`
	Messages   []Message `json:"messages"`
	ExportedAt time.Time `json:"exportedAt"`
}

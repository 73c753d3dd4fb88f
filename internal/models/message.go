package models

import "time"

// Role identifies who authored a message
type Role string

const (
	RolePlayer Role = "player"
	RoleNPC    Role = "npc"
)

// Status tracks delivery of a player message
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Translation is the overlay attached to a message by the enrichment layer
type Translation struct {
	TargetLanguage string `json:"targetLanguage"`
	Text           string `json:"text"`
}

// Message is one entry of a session's conversation log
type Message struct {
	ID          uint64       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"createdAt"`
	Status      Status       `json:"status"`
	Translation *Translation `json:"translation,omitempty"`
	Regenerated bool         `json:"regenerated"`
}

// Clone returns a copy that shares no memory with m
func (m Message) Clone() Message {
	if m.Translation != nil {
		t := *m.Translation
		m.Translation = &t
	}
	return m
}

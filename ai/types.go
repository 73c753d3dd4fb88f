package ai

import (
	"bytes"
	"encoding/json"
)

// Wire types of the dialogue service HTTP API.

// CreateCharacterRequest is the body of POST /api/character/create
type CreateCharacterRequest struct {
	Name          string `json:"name"`
	Role          string `json:"role"`
	Personality   string `json:"personality"`
	Backstory     string `json:"backstory"`
	Setting       string `json:"setting"`
	SpeakingStyle string `json:"speaking_style"`
	KeyTraits     string `json:"key_traits"`
}

type createCharacterResponse struct {
	CharacterID json.RawMessage `json:"character_id"`
}

// id returns the character id as a string; the service may send a string or a number
func (r createCharacterResponse) id() string {
	raw := bytes.TrimSpace(r.CharacterID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// GenerateRequest is the body of POST /api/dialogue/generate
type GenerateRequest struct {
	Message     string `json:"message"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// BranchingRequest is the body of POST /api/dialogue/branching
type BranchingRequest struct {
	CharacterID    string `json:"character_id"`
	SessionID      string `json:"session_id"`
	SelectedOption string `json:"selected_option"`
}

// BranchingResponse carries the npc line and the next reply choices
type BranchingResponse struct {
	Dialogue string   `json:"dialogue"`
	Options  []string `json:"options"`
}

type translateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type translateResponse struct {
	Translated string `json:"translated"`
}

// errorBody covers both error shapes the service emits
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (e errorBody) message() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Detail
}

// ChannelRequest is a frame sent on the persistent channel
type ChannelRequest struct {
	Message string `json:"message"`
}

// ChannelResponse is a frame received on the persistent channel
type ChannelResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

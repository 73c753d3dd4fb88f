package models

import "strings"

// Descriptor defaults sent to the dialogue service when the user leaves them blank
const (
	DefaultSetting       = "sci-fi"
	DefaultSpeakingStyle = "engaging and immersive"
	DefaultKeyTraits     = "helpful, knowledgeable, engaging"
)

// CharacterDescriptor is the user-configured persona
type CharacterDescriptor struct {
	Name          string `json:"name" binding:"required"`
	Role          string `json:"role" binding:"required"`
	Backstory     string `json:"backstory"`
	Personality   string `json:"personality"`
	Setting       string `json:"setting"`
	SpeakingStyle string `json:"speakingStyle"`
	KeyTraits     string `json:"keyTraits"`
}

// WithDefaults trims every field and fills the optional ones
func (d CharacterDescriptor) WithDefaults() CharacterDescriptor {
	d.Name = strings.TrimSpace(d.Name)
	d.Role = strings.TrimSpace(d.Role)
	d.Backstory = strings.TrimSpace(d.Backstory)
	d.Personality = strings.TrimSpace(d.Personality)
	d.Setting = orDefault(d.Setting, DefaultSetting)
	d.SpeakingStyle = orDefault(d.SpeakingStyle, DefaultSpeakingStyle)
	d.KeyTraits = orDefault(d.KeyTraits, DefaultKeyTraits)
	return d
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

// Character is a descriptor bound to its service-assigned id
type Character struct {
	ID         string              `json:"id"`
	Descriptor CharacterDescriptor `json:"descriptor"`
}

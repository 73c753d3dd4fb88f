package session

import (
	"sync"

	"npc-dialogue-ai/backend/internal/models"
)

// Profile holds a session's character descriptor and, once assigned, its id
type Profile struct {
	mu         sync.RWMutex
	descriptor models.CharacterDescriptor
	id         string
}

// NewProfile validates the descriptor and applies defaults
func NewProfile(d models.CharacterDescriptor) (*Profile, error) {
	d = d.WithDefaults()
	if d.Name == "" || d.Role == "" {
		return nil, ErrInvalidCharacter
	}
	return &Profile{descriptor: d}, nil
}

// Bind sets the service-assigned id. It can only be done once.
func (p *Profile) Bind(id string) error {
	if id == "" {
		return ErrCharacterNotBound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return ErrAlreadyBound
	}
	p.id = id
	return nil
}

func (p *Profile) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

func (p *Profile) Bound() bool {
	return p.ID() != ""
}

func (p *Profile) Descriptor() models.CharacterDescriptor {
	return p.descriptor
}

func (p *Profile) Character() models.Character {
	return models.Character{ID: p.ID(), Descriptor: p.descriptor}
}

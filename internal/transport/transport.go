// Package transport carries dialogue requests to the dialogue service over
// either a persistent websocket channel or one-shot HTTP calls.
package transport

import (
	"context"
	"errors"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
)

var (
	// ErrChannelClosed fails requests that were in flight when the channel went away
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelNotOpen is returned when a send targets a channel that is not usable
	ErrChannelNotOpen = errors.New("channel not open")
)

// Request is one outbound generation request
type Request struct {
	// ID correlates the eventual Response; zero is reserved for unsolicited frames
	ID          uint64
	Mode        models.Mode
	CharacterID string
	SessionID   string
	Text        string
}

// Response resolves a Request
type Response struct {
	RequestID uint64
	Transport models.TransportKind
	Text      string
	Options   []string
	Err       error
}

// Handler receives responses; it is called from transport goroutines
type Handler func(Response)

// Sender is the capability shared by the channel and the one-shot sender.
// A nil error means exactly one Response will eventually reach deliver.
type Sender interface {
	Send(ctx context.Context, req Request, deliver Handler) error
	Kind() models.TransportKind
}

// Generator is the one-shot side of the dialogue service
type Generator interface {
	Generate(ctx context.Context, req ai.GenerateRequest) (string, error)
	Branching(ctx context.Context, req ai.BranchingRequest) (ai.BranchingResponse, error)
}

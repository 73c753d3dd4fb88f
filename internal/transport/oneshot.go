package transport

import (
	"context"
	"time"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
)

// OneShot issues a single HTTP call per request
type OneShot struct {
	gen     Generator
	timeout time.Duration
}

// NewOneShot creates a one-shot sender bounded by timeout per call
func NewOneShot(gen Generator, timeout time.Duration) *OneShot {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OneShot{gen: gen, timeout: timeout}
}

// Kind implements Sender
func (o *OneShot) Kind() models.TransportKind {
	return models.TransportOneShot
}

// Send runs the call on its own goroutine. The caller's cancellation does not
// abort it; only the configured timeout does.
func (o *OneShot) Send(ctx context.Context, req Request, deliver Handler) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)

	go func() {
		defer cancel()
		deliver(o.call(callCtx, req))
	}()
	return nil
}

func (o *OneShot) call(ctx context.Context, req Request) Response {
	resp := Response{RequestID: req.ID, Transport: models.TransportOneShot}

	if req.Mode == models.ModeBranching {
		out, err := o.gen.Branching(ctx, ai.BranchingRequest{
			CharacterID:    req.CharacterID,
			SessionID:      req.SessionID,
			SelectedOption: req.Text,
		})
		if err != nil {
			resp.Err = err
			return resp
		}
		resp.Text = out.Dialogue
		resp.Options = out.Options
		return resp
	}

	text, err := o.gen.Generate(ctx, ai.GenerateRequest{
		Message:     req.Text,
		CharacterID: req.CharacterID,
		SessionID:   req.SessionID,
	})
	resp.Text, resp.Err = text, err
	return resp
}

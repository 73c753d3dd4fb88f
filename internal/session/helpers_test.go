package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/internal/transport"
	"npc-dialogue-ai/backend/pkg/logger"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	requests []transport.Request
	kind     models.TransportKind
	err      error
	closed   int
	handler  transport.Handler
	opened   []string
	openErr  error
}

func (f *fakeTransport) Dispatch(_ context.Context, req transport.Request) (models.TransportKind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	if f.kind == "" {
		return models.TransportOneShot, nil
	}
	return f.kind, nil
}

func (f *fakeTransport) Active(string, string) models.TransportKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kind == "" {
		return models.TransportOneShot
	}
	return f.kind
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Open(_ context.Context, characterID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, characterID+"/"+sessionID)
	return f.openErr
}

func (f *fakeTransport) last() transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeGenerator struct {
	text string
	err  error
	reqs []ai.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req ai.GenerateRequest) (string, error) {
	g.reqs = append(g.reqs, req)
	return g.text, g.err
}

// gatedTranslator blocks each call until its language is released
type gatedTranslator struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	err   error
}

func newGatedTranslator(langs ...string) *gatedTranslator {
	g := &gatedTranslator{gates: make(map[string]chan struct{})}
	for _, l := range langs {
		g.gates[l] = make(chan struct{})
	}
	return g
}

func (g *gatedTranslator) Translate(_ context.Context, text, lang string) (string, error) {
	g.mu.Lock()
	gate, ok := g.gates[lang]
	g.mu.Unlock()
	if ok {
		<-gate
	}
	if g.err != nil {
		return "", g.err
	}
	return lang + "(" + text + ")", nil
}

func (g *gatedTranslator) release(lang string) {
	close(g.gates[lang])
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *eventLog) record(ev models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []models.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	sess       *Session
	transport  *fakeTransport
	generator  *fakeGenerator
	translator ai.Translator
	events     *eventLog
}

var errUpstream = errors.New("upstream unavailable")

func newFixture(t *testing.T, opts Options, translator ai.Translator) *fixture {
	t.Helper()
	profile, err := NewProfile(models.CharacterDescriptor{Name: "Aria", Role: "Starship Guide"})
	require.NoError(t, err)
	require.NoError(t, profile.Bind("char_1"))

	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = time.Minute
	}
	if opts.TypingTimeout == 0 {
		opts.TypingTimeout = time.Minute
	}
	if translator == nil {
		translator = newGatedTranslator()
	}

	f := &fixture{
		transport:  &fakeTransport{},
		generator:  &fakeGenerator{text: "An alternative reply."},
		translator: translator,
		events:     &eventLog{},
	}
	f.sess = New("sess-1", profile, Deps{
		Transport:  f.transport,
		Generator:  f.generator,
		Translator: translator,
		Emit:       f.events.record,
		Log:        logger.Discard(),
	}, opts)
	t.Cleanup(f.sess.Close)
	return f
}

// respond answers the most recent request
func (f *fixture) respond(text string, options ...string) {
	f.sess.HandleResponse(transport.Response{
		RequestID: f.transport.last().ID,
		Transport: models.TransportOneShot,
		Text:      text,
		Options:   options,
	})
}

func (f *fixture) fail(err error) {
	f.sess.HandleResponse(transport.Response{RequestID: f.transport.last().ID, Err: err})
}

func transportResponse(id uint64, text string) transport.Response {
	return transport.Response{RequestID: id, Transport: models.TransportOneShot, Text: text}
}

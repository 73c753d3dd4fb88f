package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/internal/transport"
	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/metrics"

	"github.com/google/uuid"
)

// CharacterCreator registers characters with the dialogue service
type CharacterCreator interface {
	CreateCharacter(ctx context.Context, req ai.CreateCharacterRequest) (string, error)
}

// SessionTransport is a per-session transport selector
type SessionTransport interface {
	Transport
	SetHandler(h transport.Handler)
	Open(ctx context.Context, characterID, sessionID string) error
}

// ManagerOptions tunes the manager
type ManagerOptions struct {
	Session           Options
	Greeting          bool
	PersistentChannel bool
	IdleTTL           time.Duration
	CleanupPeriod     time.Duration
	MaxSessions       int
}

// ManagerDeps are the collaborators shared by every session
type ManagerDeps struct {
	Creator      CharacterCreator
	Generator    Generator
	Translator   ai.Translator
	NewTransport func() SessionTransport
	Metrics      *metrics.Collectors
	Log          *logger.Logger
}

// Manager hosts the active sessions and fans their events out to subscribers
type Manager struct {
	deps ManagerDeps
	opts ManagerOptions
	log  *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	reserved int // slots held by starts still talking to the dialogue service

	subMu       sync.RWMutex
	subscribers map[uint64]func(models.Event)
	nextSub     uint64
}

// NewManager creates an empty manager
func NewManager(deps ManagerDeps, opts ManagerOptions) *Manager {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Log == nil {
		deps.Log = logger.GetGlobal()
	}
	return &Manager{
		deps:        deps,
		opts:        opts,
		log:         deps.Log.WithComponent("session-manager"),
		sessions:    make(map[string]*Session),
		subscribers: make(map[uint64]func(models.Event)),
	}
}

// Start configures a character and opens a session for it
func (m *Manager) Start(ctx context.Context, descriptor models.CharacterDescriptor) (*Session, error) {
	profile, err := NewProfile(descriptor)
	if err != nil {
		return nil, err
	}

	if !m.reserve() {
		return nil, ErrCapacity
	}
	registered := false
	defer func() {
		if !registered {
			m.release()
		}
	}()

	d := profile.Descriptor()
	characterID, err := m.deps.Creator.CreateCharacter(ctx, ai.CreateCharacterRequest{
		Name:          d.Name,
		Role:          d.Role,
		Personality:   d.Personality,
		Backstory:     d.Backstory,
		Setting:       d.Setting,
		SpeakingStyle: d.SpeakingStyle,
		KeyTraits:     d.KeyTraits,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := profile.Bind(characterID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	sessionID := uuid.NewString()
	tr := m.deps.NewTransport()
	sess := New(sessionID, profile, Deps{
		Transport:  tr,
		Generator:  m.deps.Generator,
		Translator: m.deps.Translator,
		Emit:       m.publish,
		Metrics:    m.deps.Metrics,
		Log:        m.deps.Log,
	}, m.opts.Session)
	tr.SetHandler(sess.HandleResponse)

	if m.opts.PersistentChannel {
		// one-shot requests still work when this fails
		_ = tr.Open(ctx, characterID, sessionID)
	}
	if m.opts.Greeting {
		sess.Greet()
	}

	m.mu.Lock()
	m.reserved--
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	registered = true
	m.deps.Metrics.ActiveSession.Inc()

	m.log.Info("session started", "session_id", sessionID, "character_id", characterID, "character", d.Name)
	return sess, nil
}

// reserve claims a session slot before the character is created
func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.MaxSessions > 0 && len(m.sessions)+m.reserved >= m.opts.MaxSessions {
		return false
	}
	m.reserved++
	return true
}

func (m *Manager) release() {
	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
}

// Get returns a registered session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns the registered sessions, oldest first
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Close ends a session and forgets it
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	sess.Close()
	m.deps.Metrics.ActiveSession.Dec()
	return nil
}

// CloseAll ends every session, used on shutdown
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		_ = m.Close(s.ID())
	}
}

// Subscribe registers fn for every session event; the returned func unsubscribes.
// fn runs under the emitting session's lock and must not block.
func (m *Manager) Subscribe(fn func(models.Event)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextSub++
	id := m.nextSub
	m.subscribers[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subscribers, id)
	}
}

func (m *Manager) publish(ev models.Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, fn := range m.subscribers {
		fn(ev)
	}
}

// Run reaps idle sessions every CleanupPeriod until ctx is done
func (m *Manager) Run(ctx context.Context) {
	if m.opts.CleanupPeriod <= 0 || m.opts.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ReapIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// ReapIdle closes sessions whose last activity is older than IdleTTL
func (m *Manager) ReapIdle(now time.Time) int {
	reaped := 0
	for _, s := range m.List() {
		if now.Sub(s.LastActivity()) > m.opts.IdleTTL {
			if m.Close(s.ID()) == nil {
				reaped++
			}
		}
	}
	if reaped > 0 {
		m.log.Info("reaped idle sessions", "count", reaped)
	}
	return reaped
}

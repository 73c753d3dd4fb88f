// Package session implements the conversation state machine of a character
// session, its enrichment operations, and the manager that hosts sessions.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/internal/transport"
	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/metrics"
)

const (
	timerResponse = "response"
	timerTyping   = "typing"

	// GreetingTemplate is the welcome line an npc opens a conversation with
	GreetingTemplate = "Greetings! I'm %s, %s. I'm here to assist you in any way I can. What would you like to know or discuss?"
)

// Transport is the dispatch side of the transport selector
type Transport interface {
	Dispatch(ctx context.Context, req transport.Request) (models.TransportKind, error)
	Active(characterID, sessionID string) models.TransportKind
	Close()
}

// Generator produces one-shot replies, used for regeneration
type Generator interface {
	Generate(ctx context.Context, req ai.GenerateRequest) (string, error)
}

// Options tunes a session
type Options struct {
	ResponseTimeout time.Duration
	TypingTimeout   time.Duration
	DefaultLanguage string
	MaxMessages     int
}

// Deps are the collaborators of a session
type Deps struct {
	Transport  Transport
	Generator  Generator
	Translator ai.Translator
	// Emit receives every event while the session lock is held; it must not block
	// or call back into the session
	Emit    func(models.Event)
	Metrics *metrics.Collectors
	Log     *logger.Logger
}

type pendingRequest struct {
	requestID    uint64
	messageID    uint64
	transport    models.TransportKind
	dispatchedAt time.Time
}

// Session is the conversation state machine for one character session.
// All state is guarded by mu; network calls happen outside it.
type Session struct {
	id         string
	profile    *Profile
	transport  Transport
	generator  Generator
	translator ai.Translator
	emitFn     func(models.Event)
	metrics    *metrics.Collectors
	log        *logger.Logger
	opts       Options
	timers     *timers

	mu            sync.Mutex
	mode          models.Mode
	state         models.State
	typing        bool
	typingSeq     uint64
	messages      []models.Message
	options       []string
	lastID        uint64
	lastRequestID uint64
	pending       *pendingRequest
	lastError     string
	createdAt     time.Time
	lastActivity  time.Time
	closed        bool
}

// New creates an idle free-form session with an empty log
func New(id string, profile *Profile, deps Deps, opts Options) *Session {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "spanish"
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Log == nil {
		deps.Log = logger.GetGlobal()
	}
	if deps.Emit == nil {
		deps.Emit = func(models.Event) {}
	}

	now := time.Now()
	return &Session{
		id:           id,
		profile:      profile,
		transport:    deps.Transport,
		generator:    deps.Generator,
		translator:   deps.Translator,
		emitFn:       deps.Emit,
		metrics:      deps.Metrics,
		log:          deps.Log.WithSession(id, profile.ID()),
		opts:         opts,
		timers:       newTimers(),
		mode:         models.ModeFreeform,
		state:        models.StateIdle,
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Profile() *Profile { return s.profile }

// emit must be called with mu held
func (s *Session) emit(t models.EventType, payload any) {
	s.emitFn(models.Event{Type: t, SessionID: s.id, Payload: payload, Timestamp: time.Now()})
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// SendMessage appends a player message and dispatches it in the current mode
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sendLocked(ctx, text)
}

// SelectBranchingOption clears the option set, even if the send is then
// refused or fails, and sends the option as the player's reply
func (s *Session) SelectBranchingOption(ctx context.Context, option string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.clearOptionsLocked()
	return s.sendLocked(ctx, option)
}

func (s *Session) sendLocked(ctx context.Context, text string) error {
	if s.closed {
		return ErrSessionClosed
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !s.profile.Bound() {
		return ErrCharacterNotBound
	}
	if s.state != models.StateIdle {
		return ErrBusy
	}
	if s.opts.MaxMessages > 0 && len(s.messages) >= s.opts.MaxMessages {
		return ErrConversationFull
	}

	s.touch()
	msg := s.appendLocked(models.RolePlayer, text, models.StatusPending)
	s.clearOptionsLocked()
	s.metrics.MessagesSent.WithLabelValues(string(s.mode)).Inc()

	return s.dispatchLocked(ctx, msg)
}

// RetryLast re-dispatches the last message when it is a failed player message
func (s *Session) RetryLast(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.state != models.StateIdle {
		return ErrBusy
	}
	if len(s.messages) == 0 {
		return ErrNothingToRetry
	}
	last := &s.messages[len(s.messages)-1]
	if last.Role != models.RolePlayer || last.Status != models.StatusFailed {
		return ErrNothingToRetry
	}

	s.touch()
	last.Status = models.StatusPending
	s.lastError = ""
	s.emit(models.EventMessageUpdated, last.Clone())

	return s.dispatchLocked(ctx, *last)
}

func (s *Session) appendLocked(role models.Role, content string, status models.Status) models.Message {
	s.lastID++
	msg := models.Message{
		ID:        s.lastID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		Status:    status,
	}
	s.messages = append(s.messages, msg)
	s.emit(models.EventMessageAppended, msg.Clone())
	return msg
}

func (s *Session) clearOptionsLocked() {
	if len(s.options) == 0 {
		return
	}
	s.options = nil
	s.emit(models.EventOptionsChanged, []string{})
}

func (s *Session) dispatchLocked(ctx context.Context, msg models.Message) error {
	s.lastRequestID++
	requestID := s.lastRequestID

	s.state = models.StateAwaitingResponse
	s.emit(models.EventStateChanged, s.state)
	s.setTypingLocked(true)

	req := transport.Request{
		ID:          requestID,
		Mode:        s.mode,
		CharacterID: s.profile.ID(),
		SessionID:   s.id,
		Text:        msg.Content,
	}
	s.pending = &pendingRequest{requestID: requestID, messageID: msg.ID, dispatchedAt: time.Now()}

	kind, err := s.transport.Dispatch(ctx, req)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
		s.failLocked(err)
		return err
	}
	s.pending.transport = kind

	s.timers.schedule(timerResponse, s.opts.ResponseTimeout, func() { s.responseTimedOut(requestID) })
	s.log.Debug("request dispatched", "request_id", requestID, "message_id", msg.ID, "transport", string(kind), "mode", string(s.mode))
	return nil
}

// HandleResponse applies a transport response. Responses that do not match the
// pending request are dropped.
func (s *Session) HandleResponse(resp transport.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.pending == nil || resp.RequestID != s.pending.requestID {
		s.log.Warn("dropping stale response", "request_id", resp.RequestID, "transport", string(resp.Transport))
		s.metrics.Responses.WithLabelValues("stale").Inc()
		return
	}

	if resp.Err != nil {
		s.failLocked(fmt.Errorf("%w: %v", ErrTransport, resp.Err))
		return
	}

	s.touch()
	s.lastError = ""
	s.setStatusLocked(s.pending.messageID, models.StatusDelivered)
	s.appendLocked(models.RoleNPC, resp.Text, models.StatusDelivered)
	if s.mode == models.ModeBranching && len(resp.Options) > 0 {
		s.options = append([]string(nil), resp.Options...)
		s.emit(models.EventOptionsChanged, s.optionsLocked())
	}
	s.metrics.Responses.WithLabelValues("delivered").Inc()
	s.finishLocked()
}

func (s *Session) responseTimedOut(requestID uint64) {
	s.mu.Lock()
	if s.closed || s.pending == nil || s.pending.requestID != requestID {
		s.mu.Unlock()
		return
	}
	viaChannel := s.pending.transport == models.TransportChannel
	s.failLocked(ErrResponseTimeout)
	s.mu.Unlock()

	// A silent channel can no longer be trusted to answer in order
	if viaChannel {
		s.log.Warn("closing dialogue channel after response timeout", "request_id", requestID)
		s.transport.Close()
	}
}

// failLocked leaves the player message in the log marked failed
func (s *Session) failLocked(err error) {
	if s.pending != nil {
		s.setStatusLocked(s.pending.messageID, models.StatusFailed)
	}
	s.lastError = err.Error()
	s.log.Warn("request failed", "error", err.Error())
	s.emit(models.EventError, map[string]any{"message": s.lastError})
	s.metrics.Responses.WithLabelValues("failed").Inc()
	s.finishLocked()
}

func (s *Session) finishLocked() {
	s.pending = nil
	s.timers.cancel(timerResponse)
	s.state = models.StateIdle
	s.emit(models.EventStateChanged, s.state)
	s.setTypingLocked(false)
}

func (s *Session) setStatusLocked(id uint64, status models.Status) {
	if i := s.indexLocked(id); i >= 0 {
		s.messages[i].Status = status
		s.emit(models.EventMessageUpdated, s.messages[i].Clone())
	}
}

// setTypingLocked drives the typing indicator; it also clears itself after TypingTimeout
func (s *Session) setTypingLocked(on bool) {
	s.typingSeq++
	if on {
		seq := s.typingSeq
		s.timers.schedule(timerTyping, s.opts.TypingTimeout, func() { s.typingExpired(seq) })
	} else {
		s.timers.cancel(timerTyping)
	}
	if s.typing != on {
		s.typing = on
		s.emit(models.EventTyping, on)
	}
}

func (s *Session) typingExpired(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || seq != s.typingSeq || !s.typing {
		return
	}
	s.typing = false
	s.emit(models.EventTyping, false)
}

// SwitchMode changes the interaction mode; history is kept, options are not
func (s *Session) SwitchMode(mode models.Mode) error {
	if _, ok := models.ParseMode(string(mode)); !ok {
		return ErrInvalidMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.state != models.StateIdle {
		return ErrBusy
	}

	s.touch()
	s.clearOptionsLocked()
	if s.mode != mode {
		s.mode = mode
		s.emit(models.EventModeChanged, mode)
	}
	return nil
}

// ClearConversation empties the log and option set; ids keep increasing afterwards
func (s *Session) ClearConversation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.state != models.StateIdle {
		return ErrBusy
	}

	s.touch()
	s.messages = nil
	s.options = nil
	s.lastError = ""
	s.emit(models.EventConversationCleared, nil)
	return nil
}

// Greet appends the npc welcome line
func (s *Session) Greet() models.Message {
	d := s.profile.Descriptor()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(models.RoleNPC, fmt.Sprintf(GreetingTemplate, d.Name, d.Role), models.StatusDelivered)
}

// Close stops timers and the channel. Pending requests are abandoned.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.timers.stopAll()
	s.emit(models.EventSessionClosed, nil)
	s.mu.Unlock()

	s.transport.Close()
	s.log.Info("session closed")
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) State() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Mode() models.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Messages returns a copy of the log
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked()
}

// Options returns a copy of the branching option set
func (s *Session) Options() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optionsLocked()
}

// optionsLocked copies the option set; caller holds mu
func (s *Session) optionsLocked() []string {
	return append([]string{}, s.options...)
}

func (s *Session) messagesLocked() []models.Message {
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Snapshot returns a consistent read-only copy of the session
func (s *Session) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	characterID := s.profile.ID()
	return models.Snapshot{
		SessionID:    s.id,
		CharacterID:  characterID,
		Character:    s.profile.Descriptor(),
		Mode:         s.mode,
		State:        s.state,
		Typing:       s.typing,
		Transport:    s.transport.Active(characterID, s.id),
		Messages:     s.messagesLocked(),
		Options:      s.optionsLocked(),
		LastError:    s.lastError,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Export returns the conversation document offered for download
func (s *Session) Export() models.Export {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.Export{
		SessionID:  s.id,
		Character:  s.profile.Character(),
		Mode:       s.mode,
		Messages:   s.messagesLocked(),
		ExportedAt: time.Now(),
	}
}

func (s *Session) indexLocked(id uint64) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/metrics"

	"github.com/gorilla/websocket"
)

// Endpoint locates the persistent channel of the dialogue service
type Endpoint interface {
	ChannelURL(characterID, sessionID string) string
	ChannelHeader() http.Header
}

// SelectorOptions configures a Selector
type SelectorOptions struct {
	Generator      Generator
	Endpoint       Endpoint
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
	Metrics        *metrics.Collectors
}

// Selector picks the transport for each request and owns the channel lifecycle.
// Free-form requests use the open channel of their session; everything else,
// including branching turns, goes one-shot.
type Selector struct {
	oneShot  *OneShot
	endpoint Endpoint
	dialer   *websocket.Dialer
	metrics  *metrics.Collectors
	log      *logger.Logger

	mu      sync.Mutex
	channel *Channel
	handler Handler
}

// NewSelector creates a selector in one-shot mode
func NewSelector(opts SelectorOptions, log *logger.Logger) *Selector {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	return &Selector{
		oneShot:  NewOneShot(opts.Generator, opts.RequestTimeout),
		endpoint: opts.Endpoint,
		dialer:   opts.Dialer,
		metrics:  m,
		log:      log.WithComponent("transport"),
	}
}

// SetHandler registers the receiver of every response
func (s *Selector) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Selector) deliver(resp Response) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	if h == nil {
		s.log.Warn("dropping response with no handler", "request_id", resp.RequestID)
		return
	}
	h(resp)
}

// Open dials the persistent channel for the pair, replacing any previous one.
// A failed dial leaves the selector in one-shot mode.
func (s *Selector) Open(ctx context.Context, characterID, sessionID string) error {
	if s.endpoint == nil {
		return ErrChannelNotOpen
	}

	s.mu.Lock()
	prev := s.channel
	s.channel = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	url := s.endpoint.ChannelURL(characterID, sessionID)
	ch, err := DialChannel(ctx, s.dialer, url, s.endpoint.ChannelHeader(),
		characterID, sessionID, s.deliver, s.channelClosed, s.log)
	if err != nil {
		s.log.Warn("dialogue channel unavailable, using one-shot requests",
			"session_id", sessionID, "error", err.Error())
		return err
	}
	s.metrics.OpenChannels.Inc()

	s.mu.Lock()
	prev = s.channel
	s.channel = ch
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

// channelClosed demotes the selector when its channel goes away
func (s *Selector) channelClosed(ch *Channel) {
	s.metrics.OpenChannels.Dec()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == ch {
		s.channel = nil
		s.log.Info("dialogue channel lost, demoted to one-shot requests", "session_id", ch.sessionID)
	}
}

// Close closes the channel, if any. The selector keeps working in one-shot mode.
func (s *Selector) Close() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// Active reports which transport a free-form request for the pair would use
func (s *Selector) Active(characterID, sessionID string) models.TransportKind {
	if ch := s.usableChannel(characterID, sessionID); ch != nil {
		return models.TransportChannel
	}
	return models.TransportOneShot
}

func (s *Selector) usableChannel(characterID, sessionID string) *Channel {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch == nil || ch.Closed() || !ch.Matches(characterID, sessionID) {
		return nil
	}
	return ch
}

// Dispatch emits req on exactly one transport and reports which
func (s *Selector) Dispatch(ctx context.Context, req Request) (models.TransportKind, error) {
	var sender Sender = s.oneShot

	if req.Mode == models.ModeFreeform {
		if ch := s.usableChannel(req.CharacterID, req.SessionID); ch != nil {
			err := ch.Send(ctx, req, s.deliver)
			if err == nil {
				s.metrics.Dispatches.WithLabelValues(string(models.TransportChannel)).Inc()
				return models.TransportChannel, nil
			}
			if !IsChannelError(err) {
				return "", err
			}
			s.log.Warn("channel send failed, falling back to one-shot",
				"session_id", req.SessionID, "request_id", req.ID, "error", err.Error())
		}
	}

	if err := sender.Send(ctx, req, s.deliver); err != nil {
		return "", err
	}
	s.metrics.Dispatches.WithLabelValues(string(sender.Kind())).Inc()
	return sender.Kind(), nil
}

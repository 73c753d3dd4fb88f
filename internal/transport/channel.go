package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	sendBuffer = 16
)

type inflight struct {
	id      uint64
	deliver Handler
}

// Channel is a persistent websocket to the dialogue service for one
// (character, session) pair. The service answers frames in order, so each
// inbound frame resolves the oldest in-flight request.
type Channel struct {
	conn        *websocket.Conn
	characterID string
	sessionID   string
	send        chan []byte
	done        chan struct{}
	fallback    Handler
	onClose     func(*Channel)
	log         *logger.Logger

	mu       sync.Mutex
	closed   bool
	inflight []inflight
	once     sync.Once
}

// DialChannel connects to url and starts the read and write pumps. Frames that
// arrive with nothing in flight go to fallback with request id 0; onClose runs
// once when the channel shuts down for any reason.
func DialChannel(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header,
	characterID, sessionID string, fallback Handler, onClose func(*Channel), log *logger.Logger) (*Channel, error) {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	ch := &Channel{
		conn:        conn,
		characterID: characterID,
		sessionID:   sessionID,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		fallback:    fallback,
		onClose:     onClose,
		log:         log.WithSession(sessionID, characterID).WithComponent("channel"),
	}

	go ch.writePump()
	go ch.readPump()

	ch.log.Info("dialogue channel opened", "url", url)
	return ch, nil
}

// Kind implements Sender
func (c *Channel) Kind() models.TransportKind {
	return models.TransportChannel
}

// Matches reports whether the channel serves the given pair
func (c *Channel) Matches(characterID, sessionID string) bool {
	return c.characterID == characterID && c.sessionID == sessionID
}

// Closed reports whether the channel has shut down
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send enqueues a {message} frame. An error means nothing was emitted.
func (c *Channel) Send(_ context.Context, req Request, deliver Handler) error {
	frame, err := json.Marshal(ai.ChannelRequest{Message: req.Text})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	select {
	case c.send <- frame:
		c.inflight = append(c.inflight, inflight{id: req.ID, deliver: deliver})
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrChannelNotOpen)
	}
}

// Close shuts the channel down locally
func (c *Channel) Close() {
	c.shutdown(nil)
}

func (c *Channel) readPump() {
	defer c.shutdown(ErrChannelClosed)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("dialogue channel read failed", "error", err.Error())
			}
			return
		}

		var frame ai.ChannelResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("discarding malformed channel frame", "error", err.Error())
			continue
		}

		entry := c.popOldest()
		resp := Response{RequestID: entry.id, Transport: models.TransportChannel, Text: frame.Response}
		if frame.Error != "" {
			resp.Err = &ai.ServiceError{Op: ai.OpGenerate, Message: frame.Error}
		}
		entry.deliver(resp)
	}
}

func (c *Channel) popOldest() inflight {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inflight) == 0 {
		return inflight{deliver: c.fallback}
	}
	entry := c.inflight[0]
	c.inflight = c.inflight[1:]
	return entry
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("dialogue channel write failed", "error", err.Error())
				c.shutdown(ErrChannelClosed)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(ErrChannelClosed)
				return
			}

		case <-c.done:
			return
		}
	}
}

// shutdown closes the connection once and fails everything still in flight
func (c *Channel) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.inflight
		c.inflight = nil
		c.mu.Unlock()

		close(c.done)
		if cause == nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
		}
		_ = c.conn.Close()

		c.log.Info("dialogue channel closed", "in_flight", len(pending), "remote", cause != nil)

		for _, entry := range pending {
			entry.deliver(Response{
				RequestID: entry.id,
				Transport: models.TransportChannel,
				Err:       ErrChannelClosed,
			})
		}

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// IsChannelError reports whether err came from the channel itself
func IsChannelError(err error) bool {
	return errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrChannelNotOpen)
}

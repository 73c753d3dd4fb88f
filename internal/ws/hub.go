package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/internal/session"
	apperrors "npc-dialogue-ai/backend/pkg/errors"
	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per client before it is considered slow
	sendBuffer = 256

	// Session events buffered between the sessions and the hub loop
	eventBuffer = 1024
)

// Frame types exchanged with UI clients
const (
	FrameSnapshot     = "snapshot"
	FrameChat         = "chat"
	FrameSelectOption = "select_option"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameError        = "error"
)

// Message is the envelope of every UI frame
type Message struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Sessions is the part of the session manager the hub needs
type Sessions interface {
	Get(id string) (*session.Session, error)
	Subscribe(fn func(models.Event)) func()
}

// Client is one UI connection watching a session
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Hub       *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

// Hub fans session events out to the UI clients watching each session
type Hub struct {
	sessions Sessions
	upgrader websocket.Upgrader
	metrics  *metrics.Collectors
	log      *logger.Logger

	register   chan *Client
	unregister chan *Client
	events     chan models.Event
	quit       chan struct{}

	mu      sync.Mutex
	clients map[string]map[*Client]bool
}

// NewHub creates a hub; allowedOrigins of "*" accepts any origin
func NewHub(sessions Sessions, allowedOrigins []string, m *metrics.Collectors, log *logger.Logger) *Hub {
	if m == nil {
		m = metrics.NewNop()
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	h := &Hub{
		sessions:   sessions,
		metrics:    m,
		log:        log.WithComponent("ui-hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan models.Event, eventBuffer),
		quit:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      originChecker(allowedOrigins),
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run subscribes to session events and serves the hub until ctx is done
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.sessions.Subscribe(h.enqueue)
	defer unsubscribe()
	defer close(h.quit)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SessionID] == nil {
				h.clients[client.SessionID] = make(map[*Client]bool)
			}
			h.clients[client.SessionID][client] = true
			h.mu.Unlock()
			h.metrics.UIClients.Inc()
			client.log.Debug("client registered")

		case client := <-h.unregister:
			h.remove(client)

		case ev := <-h.events:
			h.deliver(ev)

		case <-ctx.Done():
			// events queued before shutdown, session_closed included, still go out
			h.drain()
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					client.close()
					h.metrics.UIClients.Dec()
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.events:
			h.deliver(ev)
		default:
			return
		}
	}
}

// enqueue runs under a session lock, so it never blocks
func (h *Hub) enqueue(ev models.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("event dropped, hub is behind", "session_id", ev.SessionID, "type", ev.Type)
	}
}

func (h *Hub) deliver(ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.LogError(err, "marshal event", "session_id", ev.SessionID)
		return
	}

	h.mu.Lock()
	set := h.clients[ev.SessionID]
	var slow []*Client
	for client := range set {
		if !client.trySend(payload) {
			slow = append(slow, client)
		}
	}
	h.mu.Unlock()

	for _, client := range slow {
		client.log.Warn("client removed due to blocked channel")
		h.remove(client)
	}

	if ev.Type == models.EventSessionClosed {
		h.mu.Lock()
		for client := range h.clients[ev.SessionID] {
			client.close()
		}
		h.mu.Unlock()
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.SessionID]
	if ok && set[client] {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, client.SessionID)
		}
	} else {
		ok = false
	}
	h.mu.Unlock()

	client.close()
	if ok {
		h.metrics.UIClients.Dec()
		client.log.Debug("client unregistered")
	}
}

// ClientCount returns the number of clients watching sessionID
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

// ServeWs upgrades the request and attaches the client to the session in the path
func ServeWs(hub *Hub, c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := hub.sessions.Get(sessionID)
	if err != nil {
		c.Error(apperrors.NewNotFoundError(apperrors.CodeSessionNotFound, "Session not found").WithCause(err))
		return
	}

	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.LogError(err, "websocket upgrade failed", "session_id", sessionID)
		return
	}
	conn.EnableWriteCompression(true)

	client := &Client{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Conn:      conn,
		Hub:       hub,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	client.log = hub.log.WithSession(sessionID, "").WithFields("client_id", client.ID)

	// the snapshot goes first so later events apply on top of it
	client.sendMessage(FrameSnapshot, sess.Snapshot())
	select {
	case hub.register <- client:
	case <-hub.quit:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// ReadPump reads UI frames until the connection fails
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.quit:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err.Error())
			}
			return
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.sendError(apperrors.CodeValidation, "malformed frame")
			continue
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message Message) {
	switch message.Type {
	case FrameChat:
		var body struct {
			Text string `json:"text"`
		}
		if !c.decode(message.Content, &body) {
			return
		}
		c.act(func(s *session.Session) error { return s.SendMessage(context.Background(), body.Text) })

	case FrameSelectOption:
		var body struct {
			Option string `json:"option"`
		}
		if !c.decode(message.Content, &body) {
			return
		}
		c.act(func(s *session.Session) error { return s.SelectBranchingOption(context.Background(), body.Option) })

	case FrameSnapshot:
		// lets a client resync after it missed events
		sess, err := c.Hub.sessions.Get(c.SessionID)
		if err != nil {
			c.sendError(apperrors.CodeSessionNotFound, err.Error())
			return
		}
		c.sendMessage(FrameSnapshot, sess.Snapshot())

	case FramePing:
		c.sendMessage(FramePong, nil)

	default:
		c.sendError(apperrors.CodeValidation, "unknown frame type: "+message.Type)
	}
}

func (c *Client) decode(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		c.sendError(apperrors.CodeValidation, "frame content is required")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.sendError(apperrors.CodeValidation, "malformed frame content")
		return false
	}
	return true
}

// act runs fn against the client's session and reports refusals back to the client
func (c *Client) act(fn func(*session.Session) error) {
	sess, err := c.Hub.sessions.Get(c.SessionID)
	if err == nil {
		err = fn(sess)
	}
	if err == nil {
		return
	}

	code := apperrors.CodeValidation
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		code = apperrors.CodeSessionNotFound
	case errors.Is(err, session.ErrBusy):
		code = apperrors.CodeSessionBusy
	case errors.Is(err, session.ErrConversationFull):
		code = apperrors.CodeCapacity
	case errors.Is(err, session.ErrTransport):
		code = apperrors.CodeTransport
	}
	c.sendError(code, err.Error())
}

func (c *Client) sendMessage(messageType string, content any) {
	raw, err := json.Marshal(content)
	if err != nil {
		c.log.LogError(err, "marshal frame content", "type", messageType)
		return
	}
	if content == nil {
		raw = nil
	}
	frame, err := json.Marshal(Message{Type: messageType, Content: raw})
	if err != nil {
		c.log.LogError(err, "marshal frame", "type", messageType)
		return
	}
	if !c.trySend(frame) {
		c.log.Warn("frame dropped, client is slow", "type", messageType)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(FrameError, map[string]string{"code": code, "message": message})
}

func (c *Client) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WritePump writes queued frames and keeps the connection alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Send any queued messages as separate frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-c.done:
			// flush what is already queued, then say goodbye
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			for n := len(c.send); n > 0; n-- {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

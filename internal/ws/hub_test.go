package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/internal/session"
	"npc-dialogue-ai/backend/internal/transport"
	apperrors "npc-dialogue-ai/backend/pkg/errors"
	"npc-dialogue-ai/backend/pkg/logger"
)

type stubCreator struct{}

func (stubCreator) CreateCharacter(context.Context, ai.CreateCharacterRequest) (string, error) {
	return "char_7", nil
}

type stubTransport struct {
	mu      sync.Mutex
	handler transport.Handler
	last    transport.Request
}

func (s *stubTransport) Dispatch(_ context.Context, req transport.Request) (models.TransportKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	return models.TransportOneShot, nil
}

func (s *stubTransport) Active(string, string) models.TransportKind { return models.TransportOneShot }
func (s *stubTransport) Close()                                     {}
func (s *stubTransport) Open(context.Context, string, string) error { return nil }

func (s *stubTransport) SetHandler(h transport.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *stubTransport) reply(text string) {
	s.mu.Lock()
	h, id := s.handler, s.last.ID
	s.mu.Unlock()
	h(transport.Response{RequestID: id, Transport: models.TransportOneShot, Text: text})
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, ai.GenerateRequest) (string, error) { return "", nil }

type stubTranslator struct{}

func (stubTranslator) Translate(_ context.Context, text, _ string) (string, error) { return text, nil }

type hubFixture struct {
	manager   *session.Manager
	hub       *Hub
	server    *httptest.Server
	transport *stubTransport
	cancel    context.CancelFunc
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tr := &stubTransport{}
	manager := session.NewManager(session.ManagerDeps{
		Creator:      stubCreator{},
		Generator:    stubGenerator{},
		Translator:   stubTranslator{},
		NewTransport: func() session.SessionTransport { return tr },
		Log:          logger.Discard(),
	}, session.ManagerOptions{
		Session: session.Options{ResponseTimeout: time.Minute, TypingTimeout: time.Minute},
	})

	hub := NewHub(manager, []string{"*"}, nil, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.Use(apperrors.ErrorHandler())
	r.GET("/ws/sessions/:id", func(c *gin.Context) { ServeWs(hub, c) })
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		manager.CloseAll()
		cancel()
		srv.Close()
	})
	return &hubFixture{manager: manager, hub: hub, server: srv, transport: tr, cancel: cancel}
}

func (f *hubFixture) start(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.manager.Start(context.Background(), models.CharacterDescriptor{Name: "Aria", Role: "Guide"})
	require.NoError(t, err)
	return sess
}

func (f *hubFixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/sessions/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one
func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(frameType string) func(Message) bool {
	return func(m Message) bool { return m.Type == frameType }
}

func send(t *testing.T, conn *websocket.Conn, frameType string, content any) {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: frameType, Content: raw}))
}

func TestHubSendsSnapshotThenEvents(t *testing.T) {
	f := newHubFixture(t)
	sess := f.start(t)
	conn := f.dial(t, sess.ID())

	first := readUntil(t, conn, func(Message) bool { return true })
	require.Equal(t, FrameSnapshot, first.Type)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(first.Content, &snap))
	assert.Equal(t, sess.ID(), snap.SessionID)
	assert.Equal(t, 1, f.hub.ClientCount(sess.ID()))

	send(t, conn, FrameChat, map[string]string{"text": "Hello there"})

	appended := readUntil(t, conn, ofType(string(models.EventMessageAppended)))
	var player models.Message
	require.NoError(t, json.Unmarshal(appended.Content, &player))
	assert.Equal(t, models.RolePlayer, player.Role)
	assert.Equal(t, "Hello there", player.Content)

	f.transport.reply("Welcome aboard.")

	appended = readUntil(t, conn, ofType(string(models.EventMessageAppended)))
	var npc models.Message
	require.NoError(t, json.Unmarshal(appended.Content, &npc))
	assert.Equal(t, models.RoleNPC, npc.Role)
	assert.Equal(t, "Welcome aboard.", npc.Content)
}

func TestHubReportsRefusals(t *testing.T) {
	f := newHubFixture(t)
	sess := f.start(t)
	conn := f.dial(t, sess.ID())
	readUntil(t, conn, ofType(FrameSnapshot))

	send(t, conn, FrameChat, map[string]string{"text": "   "})
	frame := readUntil(t, conn, ofType(FrameError))
	assert.Contains(t, string(frame.Content), apperrors.CodeValidation)

	send(t, conn, FrameChat, map[string]string{"text": "first"})
	send(t, conn, FrameChat, map[string]string{"text": "second"})
	frame = readUntil(t, conn, ofType(FrameError))
	assert.Contains(t, string(frame.Content), apperrors.CodeSessionBusy)

	require.NoError(t, conn.WriteJSON(Message{Type: "shout"}))
	frame = readUntil(t, conn, ofType(FrameError))
	assert.Contains(t, string(frame.Content), "unknown frame type")
}

func TestHubPingAndResync(t *testing.T) {
	f := newHubFixture(t)
	sess := f.start(t)
	conn := f.dial(t, sess.ID())
	readUntil(t, conn, ofType(FrameSnapshot))

	require.NoError(t, conn.WriteJSON(Message{Type: FramePing}))
	readUntil(t, conn, ofType(FramePong))

	require.NoError(t, conn.WriteJSON(Message{Type: FrameSnapshot}))
	frame := readUntil(t, conn, ofType(FrameSnapshot))
	assert.Contains(t, string(frame.Content), sess.ID())
}

func TestHubClosesClientsWithSession(t *testing.T) {
	f := newHubFixture(t)
	sess := f.start(t)
	conn := f.dial(t, sess.ID())
	readUntil(t, conn, ofType(FrameSnapshot))

	require.NoError(t, f.manager.Close(sess.ID()))

	readUntil(t, conn, ofType(string(models.EventSessionClosed)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool { return f.hub.ClientCount(sess.ID()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDeliversQueuedEventsOnShutdown(t *testing.T) {
	f := newHubFixture(t)
	sess := f.start(t)
	conn := f.dial(t, sess.ID())
	readUntil(t, conn, ofType(FrameSnapshot))
	require.Eventually(t, func() bool { return f.hub.ClientCount(sess.ID()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// same order as server shutdown: sessions close, then the hub stops
	f.manager.CloseAll()
	f.cancel()

	readUntil(t, conn, ofType(string(models.EventSessionClosed)))
}

func TestServeWsUnknownSession(t *testing.T) {
	f := newHubFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/sessions/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://game.test"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://game.test")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, check(req))
}

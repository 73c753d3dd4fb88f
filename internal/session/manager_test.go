package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
	"npc-dialogue-ai/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreator struct {
	mu    sync.Mutex
	reqs  []ai.CreateCharacterRequest
	err   error
	delay time.Duration
}

func (c *fakeCreator) CreateCharacter(_ context.Context, req ai.CreateCharacterRequest) (string, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	err, delay := c.err, c.delay
	c.mu.Unlock()

	time.Sleep(delay)
	if err != nil {
		return "", err
	}
	return "char_42", nil
}

func (c *fakeCreator) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ManagerOptions) (*Manager, *fakeCreator, *[]*fakeTransport) {
	t.Helper()
	creator := &fakeCreator{}
	var (
		mu         sync.Mutex
		transports []*fakeTransport
	)
	m := NewManager(ManagerDeps{
		Creator:    creator,
		Generator:  &fakeGenerator{},
		Translator: newGatedTranslator(),
		NewTransport: func() SessionTransport {
			tr := &fakeTransport{}
			mu.Lock()
			transports = append(transports, tr)
			mu.Unlock()
			return tr
		},
		Log: logger.Discard(),
	}, opts)
	t.Cleanup(m.CloseAll)
	return m, creator, &transports
}

var aria = models.CharacterDescriptor{Name: "Aria", Role: "Starship Guide", Personality: "curious"}

func TestManagerStartBindsCharacterAndOpensChannel(t *testing.T) {
	m, creator, transports := newTestManager(t, ManagerOptions{PersistentChannel: true, Greeting: true})

	sess, err := m.Start(context.Background(), aria)
	require.NoError(t, err)

	assert.Equal(t, "char_42", sess.Profile().ID())
	assert.NotEmpty(t, sess.ID())

	require.Len(t, creator.reqs, 1)
	assert.Equal(t, models.DefaultSetting, creator.reqs[0].Setting)
	assert.Equal(t, models.DefaultSpeakingStyle, creator.reqs[0].SpeakingStyle)
	assert.Equal(t, "curious", creator.reqs[0].Personality)

	require.Len(t, *transports, 1)
	tr := (*transports)[0]
	assert.Equal(t, []string{"char_42/" + sess.ID()}, tr.opened)
	require.NotNil(t, tr.handler)

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleNPC, msgs[0].Role)
	assert.Equal(t, "Greetings! I'm Aria, Starship Guide. I'm here to assist you in any way I can. What would you like to know or discuss?", msgs[0].Content)

	got, err := m.Get(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)
}

func TestManagerWithoutGreetingStartsEmpty(t *testing.T) {
	m, _, transports := newTestManager(t, ManagerOptions{})
	sess, err := m.Start(context.Background(), aria)
	require.NoError(t, err)

	assert.Empty(t, sess.Messages())
	assert.Empty(t, (*transports)[0].opened)

	require.NoError(t, sess.SendMessage(context.Background(), "Hello"))
	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
}

func TestManagerResponsesRouteThroughTransportHandler(t *testing.T) {
	m, _, transports := newTestManager(t, ManagerOptions{})
	sess, err := m.Start(context.Background(), aria)
	require.NoError(t, err)

	require.NoError(t, sess.SendMessage(context.Background(), "Hello"))
	tr := (*transports)[0]
	tr.handler(transportResponse(tr.last().ID, "Hi!"))

	assert.Len(t, sess.Messages(), 2)
	assert.Equal(t, models.StateIdle, sess.State())
}

func TestManagerCreateFailureRegistersNothing(t *testing.T) {
	m, creator, _ := newTestManager(t, ManagerOptions{})
	creator.err = errUpstream

	_, err := m.Start(context.Background(), aria)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, m.List())

	_, err = m.Start(context.Background(), models.CharacterDescriptor{Name: "NoRole"})
	assert.ErrorIs(t, err, ErrInvalidCharacter)
}

func TestManagerCapacity(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerOptions{MaxSessions: 1})
	_, err := m.Start(context.Background(), aria)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), aria)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestManagerCapacityHoldsUnderConcurrentStarts(t *testing.T) {
	m, creator, _ := newTestManager(t, ManagerOptions{MaxSessions: 1})
	creator.delay = 50 * time.Millisecond

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		rejected int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start(context.Background(), aria)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if errors.Is(err, ErrCapacity) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 4, rejected)
	assert.Len(t, m.List(), 1)
}

func TestManagerFailedStartReleasesSlot(t *testing.T) {
	m, creator, _ := newTestManager(t, ManagerOptions{MaxSessions: 1})
	creator.fail(errors.New("upstream unavailable"))

	_, err := m.Start(context.Background(), aria)
	require.ErrorIs(t, err, ErrTransport)

	creator.fail(nil)
	_, err = m.Start(context.Background(), aria)
	require.NoError(t, err)
	assert.Len(t, m.List(), 1)
}

func TestManagerCloseRemovesSession(t *testing.T) {
	m, _, transports := newTestManager(t, ManagerOptions{})
	sess, err := m.Start(context.Background(), aria)
	require.NoError(t, err)

	require.NoError(t, m.Close(sess.ID()))
	assert.True(t, sess.Closed())
	assert.Equal(t, 1, (*transports)[0].closed)

	_, err = m.Get(sess.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Close(sess.ID()), ErrSessionNotFound)
}

func TestManagerReapsIdleSessions(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerOptions{IdleTTL: time.Hour})
	sess, err := m.Start(context.Background(), aria)
	require.NoError(t, err)

	assert.Zero(t, m.ReapIdle(time.Now()))
	assert.Equal(t, 1, m.ReapIdle(time.Now().Add(2*time.Hour)))
	assert.True(t, sess.Closed())
	assert.Empty(t, m.List())
}

func TestManagerFansOutEvents(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerOptions{Greeting: true})
	events := &eventLog{}
	unsubscribe := m.Subscribe(events.record)

	sess, err := m.Start(context.Background(), aria)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventMessageAppended}, events.types())
	assert.Equal(t, sess.ID(), events.events[0].SessionID)

	unsubscribe()
	require.NoError(t, sess.SwitchMode(models.ModeBranching))
	assert.Len(t, events.types(), 1)
}

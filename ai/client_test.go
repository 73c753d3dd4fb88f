package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/middleware"
	"npc-dialogue-ai/backend/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, WSURL: "ws://dialogue.test", APIKey: "sk-test"}, logger.Discard())
}

func TestGenerateSendsExpectedRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dialogue/generate", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "req-42", r.Header.Get("X-Request-ID"))

		var body GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, GenerateRequest{Message: "Hello", CharacterID: "char_1", SessionID: "sess-1"}, body)

		_ = json.NewEncoder(w).Encode(map[string]string{"response": "Well met, traveler."})
	})

	ctx := middleware.WithRequestID(context.Background(), "req-42")
	got, err := c.Generate(ctx, GenerateRequest{Message: "Hello", CharacterID: "char_1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "Well met, traveler.", got)
}

func TestCreateCharacterAndBranching(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/character/create":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "engaging and immersive", body["speaking_style"])
			_, _ = w.Write([]byte(`{"character_id":"char_7"}`))
		case "/api/dialogue/branching":
			_, _ = w.Write([]byte(`{"dialogue":"You see a door.","options":["Open it","Walk away"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	id, err := c.CreateCharacter(context.Background(), CreateCharacterRequest{Name: "Aria", Role: "Guide", SpeakingStyle: "engaging and immersive"})
	require.NoError(t, err)
	assert.Equal(t, "char_7", id)

	resp, err := c.Branching(context.Background(), BranchingRequest{CharacterID: "char_7", SessionID: "s", SelectedOption: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "You see a door.", resp.Dialogue)
	assert.Equal(t, []string{"Open it", "Walk away"}, resp.Options)
}

func TestCreateCharacterAcceptsStringAndNumericIDs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "string", body: `{"character_id":"char_1"}`, want: "char_1"},
		{name: "number", body: `{"character_id":42}`, want: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})

			id, err := c.CreateCharacter(context.Background(), CreateCharacterRequest{Name: "Aria", Role: "Guide"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestCreateCharacterWithoutIDFails(t *testing.T) {
	for _, body := range []string{`{}`, `{"character_id":null}`, `{"character_id":""}`, `{"character_id":{"id":1}}`} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})

		_, err := c.CreateCharacter(context.Background(), CreateCharacterRequest{Name: "Aria", Role: "Guide"})
		var svcErr *ServiceError
		assert.ErrorAs(t, err, &svcErr, body)
	}
}

func TestErrorBodiesBecomeServiceErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/translate":
			_, _ = w.Write([]byte(`{"error":"unsupported language"}`))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"character not found"}`))
		}
	})

	_, err := c.Translate(context.Background(), "Hello", "klingon")
	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "unsupported language", se.Message)

	_, err = c.Generate(context.Background(), GenerateRequest{Message: "Hi"})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "character not found", se.Message)
	assert.False(t, IsServiceFailure(err))
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker(resilience.Config{
		Name:             "dialogue-service",
		FailureThreshold: 2,
		RetryTimeout:     time.Minute,
		IsFailure:        IsServiceFailure,
	}, logger.Discard())
	c := NewClient(Options{BaseURL: srv.URL, Breaker: breaker}, logger.Discard())

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), GenerateRequest{Message: "Hi"})
		assert.Error(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, resilience.StateOpen, breaker.GetState())
}

func TestChannelURL(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://dialogue.test", WSURL: "ws://dialogue.test/"}, logger.Discard())
	assert.Equal(t, "ws://dialogue.test/ws/char_1/sess-1", c.ChannelURL("char_1", "sess-1"))
	assert.Empty(t, c.ChannelHeader().Get("Authorization"))
}

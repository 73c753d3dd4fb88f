package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"npc-dialogue-ai/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversed(t *testing.T, f *fixture) (player, npc models.Message) {
	t.Helper()
	require.NoError(t, f.sess.SendMessage(context.Background(), "Hello"))
	f.respond("Well met.")
	msgs := f.sess.Messages()
	require.Len(t, msgs, 2)
	return msgs[0], msgs[1]
}

func TestTranslateDefaultsToSpanish(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	_, npc := conversed(t, f)

	got, err := f.sess.Translate(context.Background(), npc.ID, "")
	require.NoError(t, err)
	require.NotNil(t, got.Translation)
	assert.Equal(t, "spanish", got.Translation.TargetLanguage)
	assert.Equal(t, "spanish(Well met.)", got.Translation.Text)
	assert.Equal(t, npc.Content, got.Content)
}

func TestTranslateUnknownMessageMutatesNothing(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	conversed(t, f)
	before := f.sess.Messages()

	_, err := f.sess.Translate(context.Background(), 999, "french")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Equal(t, before, f.sess.Messages())
}

func TestTranslateLastResponseWins(t *testing.T) {
	tr := newGatedTranslator("spanish", "french")
	f := newFixture(t, Options{}, tr)
	_, npc := conversed(t, f)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = f.sess.Translate(context.Background(), npc.ID, "spanish") }()
	go func() { defer wg.Done(); _, _ = f.sess.Translate(context.Background(), npc.ID, "french") }()

	// french resolves first, spanish last
	tr.release("french")
	assert.Eventually(t, func() bool {
		m := f.sess.Messages()[1]
		return m.Translation != nil && m.Translation.TargetLanguage == "french"
	}, time.Second, 5*time.Millisecond)
	tr.release("spanish")
	wg.Wait()

	m := f.sess.Messages()[1]
	require.NotNil(t, m.Translation)
	assert.Equal(t, "spanish", m.Translation.TargetLanguage)
}

func TestTranslateResultDroppedAfterClear(t *testing.T) {
	tr := newGatedTranslator("german")
	f := newFixture(t, Options{}, tr)
	_, npc := conversed(t, f)

	errs := make(chan error, 1)
	go func() {
		_, err := f.sess.Translate(context.Background(), npc.ID, "german")
		errs <- err
	}()

	// translation is in flight and does not hold the session
	require.NoError(t, f.sess.ClearConversation())
	tr.release("german")

	assert.ErrorIs(t, <-errs, ErrMessageNotFound)
	assert.Empty(t, f.sess.Messages())
}

func TestTranslateFailureIsTransportError(t *testing.T) {
	tr := newGatedTranslator()
	tr.err = errUpstream
	f := newFixture(t, Options{}, tr)
	_, npc := conversed(t, f)

	_, err := f.sess.Translate(context.Background(), npc.ID, "french")
	assert.ErrorIs(t, err, ErrTransport)
	assert.Nil(t, f.sess.Messages()[1].Translation)
}

func TestTranslateWhileAwaitingResponse(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	_, npc := conversed(t, f)
	require.NoError(t, f.sess.SendMessage(context.Background(), "Next"))

	got, err := f.sess.Translate(context.Background(), npc.ID, "french")
	require.NoError(t, err)
	assert.NotNil(t, got.Translation)
	assert.Equal(t, models.StateAwaitingResponse, f.sess.State())
}

func TestRegeneratePlayerMessageRejected(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	player, _ := conversed(t, f)
	before := f.sess.Messages()

	_, err := f.sess.Regenerate(context.Background(), player.ID)
	assert.ErrorIs(t, err, ErrNotRegenerable)
	assert.Equal(t, before, f.sess.Messages())
	assert.Empty(t, f.generator.reqs)

	_, err = f.sess.Regenerate(context.Background(), 999)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestRegenerateReplacesContentInPlace(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	_, npc := conversed(t, f)
	_, err := f.sess.Translate(context.Background(), npc.ID, "french")
	require.NoError(t, err)

	got, err := f.sess.Regenerate(context.Background(), npc.ID)
	require.NoError(t, err)

	assert.Equal(t, npc.ID, got.ID)
	assert.Equal(t, npc.Role, got.Role)
	assert.Equal(t, npc.CreatedAt, got.CreatedAt)
	assert.Equal(t, "An alternative reply.", got.Content)
	assert.True(t, got.Regenerated)
	require.NotNil(t, got.Translation, "the old translation is kept")
	assert.Equal(t, "french(Well met.)", got.Translation.Text)

	require.Len(t, f.generator.reqs, 1)
	assert.Equal(t, RegeneratePrompt, f.generator.reqs[0].Message)
	assert.Equal(t, "char_1", f.generator.reqs[0].CharacterID)

	msgs := f.sess.Messages()
	assert.Len(t, msgs, 2, "regeneration never appends")
	assert.Equal(t, got, msgs[1])
}

func TestRegenerateFailureMutatesNothing(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	_, npc := conversed(t, f)
	f.generator.err = errUpstream

	_, err := f.sess.Regenerate(context.Background(), npc.ID)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "Well met.", f.sess.Messages()[1].Content)
}

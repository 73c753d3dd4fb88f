package session

import (
	"context"
	"fmt"
	"strings"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/models"
)

// RegeneratePrompt asks the service for a different take on its last line
const RegeneratePrompt = "Please provide an alternative response to the previous message"

// Translate attaches a translation to a message. The service is called without
// the session lock; if the message was cleared meanwhile the result is dropped.
// Concurrent translations of one message resolve last-write-wins.
func (s *Session) Translate(ctx context.Context, messageID uint64, targetLanguage string) (models.Message, error) {
	targetLanguage = strings.TrimSpace(targetLanguage)
	if targetLanguage == "" {
		targetLanguage = s.opts.DefaultLanguage
	}

	content, err := s.lookupContent(messageID, "translate")
	if err != nil {
		return models.Message{}, err
	}

	translated, err := s.translator.Translate(ctx, content, targetLanguage)
	if err != nil {
		s.metrics.Enrichments.WithLabelValues("translate", "failed").Inc()
		s.log.Warn("translation failed", "message_id", messageID, "error", err.Error())
		return models.Message{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	return s.applyEnrichment(messageID, "translate", func(m *models.Message) {
		m.Translation = &models.Translation{TargetLanguage: targetLanguage, Text: translated}
	})
}

// Regenerate replaces an npc message's content in place. id, role and
// createdAt are kept; an existing translation is left as is.
func (s *Session) Regenerate(ctx context.Context, messageID uint64) (models.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.Message{}, ErrSessionClosed
	}
	i := s.indexLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		s.log.Warn("regenerate for unknown message", "message_id", messageID)
		return models.Message{}, ErrMessageNotFound
	}
	if s.messages[i].Role != models.RoleNPC {
		s.mu.Unlock()
		return models.Message{}, ErrNotRegenerable
	}
	s.mu.Unlock()

	text, err := s.generator.Generate(ctx, ai.GenerateRequest{
		Message:     RegeneratePrompt,
		CharacterID: s.profile.ID(),
		SessionID:   s.id,
	})
	if err != nil {
		s.metrics.Enrichments.WithLabelValues("regenerate", "failed").Inc()
		s.log.Warn("regeneration failed", "message_id", messageID, "error", err.Error())
		return models.Message{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	return s.applyEnrichment(messageID, "regenerate", func(m *models.Message) {
		m.Content = text
		m.Regenerated = true
	})
}

func (s *Session) lookupContent(messageID uint64, op string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	i := s.indexLocked(messageID)
	if i < 0 {
		s.log.Warn(op+" for unknown message", "message_id", messageID)
		return "", ErrMessageNotFound
	}
	return s.messages[i].Content, nil
}

func (s *Session) applyEnrichment(messageID uint64, op string, mutate func(*models.Message)) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Message{}, ErrSessionClosed
	}
	i := s.indexLocked(messageID)
	if i < 0 {
		s.metrics.Enrichments.WithLabelValues(op, "dropped").Inc()
		s.log.Info(op+" result dropped, message no longer exists", "message_id", messageID)
		return models.Message{}, ErrMessageNotFound
	}

	mutate(&s.messages[i])
	s.touch()
	s.metrics.Enrichments.WithLabelValues(op, "applied").Inc()

	updated := s.messages[i].Clone()
	s.emit(models.EventMessageUpdated, updated)
	return updated, nil
}

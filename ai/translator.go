package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"npc-dialogue-ai/backend/pkg/cache"
)

// Translator translates a piece of text
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// CachedTranslator memoizes translations in a cache store
type CachedTranslator struct {
	next  Translator
	store cache.Store
}

// NewCachedTranslator wraps next; a nil store disables caching
func NewCachedTranslator(next Translator, store cache.Store) *CachedTranslator {
	return &CachedTranslator{next: next, store: store}
}

// Translate serves from the cache when possible. Failures are never cached.
func (t *CachedTranslator) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	if t.store == nil {
		return t.next.Translate(ctx, text, targetLanguage)
	}

	key := CacheKey(targetLanguage, text)
	if v, ok := t.store.Get(ctx, key); ok {
		return v, nil
	}

	translated, err := t.next.Translate(ctx, text, targetLanguage)
	if err != nil {
		return "", err
	}
	t.store.Set(ctx, key, translated)
	return translated, nil
}

// CacheKey derives the cache key for a (language, text) pair
func CacheKey(targetLanguage, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "translate:" + strings.ToLower(strings.TrimSpace(targetLanguage)) + ":" + hex.EncodeToString(sum[:])
}

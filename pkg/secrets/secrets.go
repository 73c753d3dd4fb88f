package secrets

import (
	"context"
	"errors"
	"sync"

	"npc-dialogue-ai/backend/pkg/logger"
)

// Keys the gateway resolves through the manager
const (
	KeyDialogueAPIKey = "dialogue_api_key"
	KeyRedisPassword  = "redis_password"
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretWithDefault retrieves a secret with a default value if not found
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

var (
	defaultManager Manager
	managerMu      sync.RWMutex

	// ErrManagerNotInitialized is returned by package helpers before Init
	ErrManagerNotInitialized = errors.New("secrets manager not initialized")
)

// Init initializes the default secrets manager from the environment
func Init(log *logger.Logger) error {
	manager, err := NewVaultManager(LoadVaultConfig(), log)
	if err != nil {
		return err
	}
	SetManager(manager)
	return nil
}

// GetSecret retrieves a secret from the default manager
func GetSecret(ctx context.Context, key string) (string, error) {
	m := current()
	if m == nil {
		return "", ErrManagerNotInitialized
	}
	return m.GetSecret(ctx, key)
}

// GetSecretWithDefault retrieves a secret with a default value if not found
func GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	m := current()
	if m == nil {
		return defaultValue
	}
	return m.GetSecretWithDefault(ctx, key, defaultValue)
}

// SetManager replaces the default secrets manager
func SetManager(manager Manager) {
	managerMu.Lock()
	defer managerMu.Unlock()
	defaultManager = manager
}

func current() Manager {
	managerMu.RLock()
	defer managerMu.RUnlock()
	return defaultManager
}

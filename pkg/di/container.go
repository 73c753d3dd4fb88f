package di

import (
	"context"
	"net/http"
	"time"

	"npc-dialogue-ai/backend/ai"
	"npc-dialogue-ai/backend/internal/session"
	"npc-dialogue-ai/backend/internal/transport"
	"npc-dialogue-ai/backend/internal/ws"
	"npc-dialogue-ai/backend/pkg/cache"
	"npc-dialogue-ai/backend/pkg/config"
	"npc-dialogue-ai/backend/pkg/health"
	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/metrics"
	"npc-dialogue-ai/backend/pkg/resilience"
	"npc-dialogue-ai/backend/pkg/secrets"
	"npc-dialogue-ai/backend/shared/redis"

	"github.com/prometheus/client_golang/prometheus"
)

// Health check names
const (
	CheckDialogueService = "dialogue-service"
	CheckRedis           = "redis"
)

// Container holds all the dependencies for the application
type Container struct {
	Config     *config.Config
	Logger     *logger.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Collectors
	Breaker    *resilience.CircuitBreaker
	Dialogue   *ai.Client
	Translator ai.Translator
	Sessions   *session.Manager
	Health     *health.Checker
	Hub        *ws.Hub

	closers []func()
}

// New wires the gateway. reg receives the gateway's collectors and backs /metrics;
// nil creates a fresh registry.
func New(cfg *config.Config, log *logger.Logger, reg *prometheus.Registry) (*Container, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Secrets come from Vault when enabled, the environment otherwise
	if err := secrets.Init(log); err != nil {
		log.Warn("Secret manager unavailable, using environment", "error", err.Error())
	}
	apiKey := secrets.GetSecretWithDefault(ctx, secrets.KeyDialogueAPIKey, cfg.Dialogue.APIKey)

	m := metrics.New(reg)

	breakerCfg := resilience.DefaultConfig(CheckDialogueService)
	breakerCfg.FailureThreshold = cfg.Resilience.FailureThreshold
	breakerCfg.RetryTimeout = cfg.Resilience.RetryTimeout
	breakerCfg.IsFailure = ai.IsServiceFailure
	breaker := resilience.NewCircuitBreaker(breakerCfg, log)

	client := ai.NewClient(ai.Options{
		BaseURL: cfg.Dialogue.BaseURL,
		WSURL:   cfg.Dialogue.WSURL,
		APIKey:  apiKey,
		Timeout: cfg.Dialogue.Timeout,
		Breaker: breaker,
	}, log)

	c := &Container{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  m,
		Breaker:  breaker,
		Dialogue: client,
	}

	checker := health.NewChecker(log, 30*time.Second)
	checker.RegisterAPICheck(CheckDialogueService, client.BaseURL()+"/health", &http.Client{Timeout: 5 * time.Second})
	checker.MarkCritical(CheckDialogueService)
	c.Health = checker

	c.Translator = ai.NewCachedTranslator(client, c.translationStore(ctx))

	c.Sessions = session.NewManager(session.ManagerDeps{
		Creator:    client,
		Generator:  client,
		Translator: c.Translator,
		NewTransport: func() session.SessionTransport {
			return transport.NewSelector(transport.SelectorOptions{
				Generator:      client,
				Endpoint:       client,
				RequestTimeout: cfg.Session.ResponseTimeout,
				Metrics:        m,
			}, log)
		},
		Metrics: m,
		Log:     log,
	}, session.ManagerOptions{
		Session: session.Options{
			ResponseTimeout: cfg.Session.ResponseTimeout,
			TypingTimeout:   cfg.Session.TypingTimeout,
			DefaultLanguage: cfg.Session.DefaultLanguage,
			MaxMessages:     cfg.Session.MaxMessagesPerSession,
		},
		Greeting:          cfg.Session.Greeting,
		PersistentChannel: cfg.Dialogue.PersistentChannel,
		IdleTTL:           cfg.Session.IdleTTL,
		CleanupPeriod:     cfg.Session.CleanupPeriod,
		MaxSessions:       cfg.Session.MaxSessions,
	})
	c.closers = append(c.closers, c.Sessions.CloseAll)

	c.Hub = ws.NewHub(c.Sessions, cfg.Security.AllowedOrigins, m, log)

	return c, nil
}

// translationStore picks the cache backend; nil disables caching
func (c *Container) translationStore(ctx context.Context) cache.Store {
	cfg := c.Config
	if !cfg.Cache.Enabled {
		return nil
	}

	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewRedisClient(redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: secrets.GetSecretWithDefault(ctx, secrets.KeyRedisPassword, cfg.Redis.Password),
			DB:       cfg.Redis.DB,
			Prefix:   "npc-dialogue:",
			TTL:      cfg.Cache.TTL,
		}, c.Logger)
		c.Health.RegisterPingCheck(CheckRedis, client.Ping)
		c.closers = append(c.closers, func() { client.Close() })
		c.Logger.Info("Translation cache enabled", "backend", "redis", "addr", cfg.Redis.Addr)
		return client

	default:
		mem := cache.New(cache.Options{
			TTL:         cfg.Cache.TTL,
			MaxItems:    cfg.Cache.MaxSize,
			PurgeWindow: cfg.Cache.PurgeWindow,
		})
		c.closers = append(c.closers, mem.Close)
		c.Logger.Info("Translation cache enabled", "backend", "memory", "max_items", cfg.Cache.MaxSize)
		return mem
	}
}

// Close releases sessions and cache connections in reverse order of creation
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port              string
		Env               string
		Timeout           time.Duration
		ShutdownTimeout   time.Duration
		OpenAPISchemaPath string
	}

	// Dialogue service endpoints and timeouts
	Dialogue struct {
		BaseURL           string
		WSURL             string
		APIKey            string
		Timeout           time.Duration
		PersistentChannel bool
	}

	// Session behaviour
	Session struct {
		ResponseTimeout       time.Duration
		TypingTimeout         time.Duration
		Greeting              bool
		DefaultLanguage       string
		IdleTTL               time.Duration
		CleanupPeriod         time.Duration
		MaxSessions           int
		MaxMessagesPerSession int
	}

	// Security configuration
	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
		MaxBodySize    int64
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Translation cache settings
	Cache struct {
		Enabled     bool
		Backend     string
		TTL         time.Duration
		MaxSize     int
		PurgeWindow time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// Circuit breaker around dialogue service calls
	Resilience struct {
		FailureThreshold uint
		RetryTimeout     time.Duration
	}

	Observability struct {
		ServiceName    string
		TracingEnabled bool
		MetricsEnabled bool
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load builds a fresh Config from the current environment without touching the singleton
func Load() *Config {
	cfg := &Config{}

	// Server config
	cfg.Server.Port = getEnvString("PORT", "8081")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)
	cfg.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	cfg.Server.OpenAPISchemaPath = getEnvString("OPENAPI_SCHEMA_PATH", "")

	// Dialogue service config
	cfg.Dialogue.BaseURL = strings.TrimRight(getEnvString("DIALOGUE_SERVICE_URL", "http://localhost:8000"), "/")
	cfg.Dialogue.WSURL = strings.TrimRight(getEnvString("DIALOGUE_WS_URL", websocketURL(cfg.Dialogue.BaseURL)), "/")
	cfg.Dialogue.APIKey = getEnvString("DIALOGUE_API_KEY", "")
	cfg.Dialogue.Timeout = getEnvDuration("DIALOGUE_TIMEOUT", 60*time.Second)
	cfg.Dialogue.PersistentChannel = getEnvBool("DIALOGUE_PERSISTENT_CHANNEL", true)

	// Session config
	cfg.Session.ResponseTimeout = getEnvDuration("SESSION_RESPONSE_TIMEOUT", 90*time.Second)
	cfg.Session.TypingTimeout = getEnvDuration("SESSION_TYPING_TIMEOUT", 3*time.Second)
	cfg.Session.Greeting = getEnvBool("SESSION_GREETING", true)
	cfg.Session.DefaultLanguage = getEnvString("SESSION_DEFAULT_LANGUAGE", "spanish")
	cfg.Session.IdleTTL = getEnvDuration("SESSION_IDLE_TTL", 2*time.Hour)
	cfg.Session.CleanupPeriod = getEnvDuration("SESSION_CLEANUP_PERIOD", 10*time.Minute)
	cfg.Session.MaxSessions = getEnvInt("MAX_SESSIONS", 1000)
	cfg.Session.MaxMessagesPerSession = getEnvInt("MAX_MESSAGES_PER_SESSION", 1000)

	// Security config
	cfg.Security.RateLimit = float64(getEnvInt("RATE_LIMIT", 5))
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
	cfg.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 1<<20) // 1MB

	// Logging config
	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	// Cache settings
	cfg.Cache.Enabled = getEnvBool("CACHE_ENABLED", true)
	cfg.Cache.Backend = getEnvString("CACHE_BACKEND", "memory")
	cfg.Cache.TTL = getEnvDuration("CACHE_TTL", 24*time.Hour)
	cfg.Cache.MaxSize = getEnvInt("CACHE_MAX_SIZE", 1000)
	cfg.Cache.PurgeWindow = getEnvDuration("CACHE_PURGE_WINDOW", 10*time.Minute)

	cfg.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Resilience.FailureThreshold = uint(getEnvInt("BREAKER_FAILURE_THRESHOLD", 5))
	cfg.Resilience.RetryTimeout = getEnvDuration("BREAKER_RETRY_TIMEOUT", 30*time.Second)

	cfg.Observability.ServiceName = getEnvString("SERVICE_NAME", "npc-dialogue-gateway")
	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)
	cfg.Observability.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)

	return cfg
}

// websocketURL maps an http(s) base URL onto its ws(s) counterpart
func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

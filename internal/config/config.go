package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultHTTPAddress      = ":8080"
	DefaultUpstreamEndpoint = "wss://api.elevenlabs.io/v1/convai/conversation"
	DefaultResponseTimeout  = 10 * time.Second
	DefaultDrainWindow      = 2 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSessionShards    = 32
	DefaultRedisTTL         = 7 * 24 * time.Hour
	DefaultOpenAIModel      = "gpt-4o-mini"
	DefaultNotifyChannel    = "conversation_attention"
	DefaultSupabaseBucket   = "agent-audio"

	// Drain windows outside this range are accepted but usually mean the
	// provider's chunk cadence was not measured.
	minTunedDrain = 1 * time.Second
	maxTunedDrain = 3 * time.Second
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	UpstreamProvider string // "elevenlabs" or "openai"
	UpstreamEndpoint string
	UpstreamAPIKey   string
	HandshakeTimeout time.Duration

	// ResponseTimeout is the resettable wait for the first reply text.
	ResponseTimeout time.Duration
	// DrainWindow is the fixed post-reply window for trailing audio.
	DrainWindow time.Duration

	OpenAIKey   string
	OpenAIModel string

	StoreBackend  string // "memory", "postgres" or "redis"
	DatabaseURL   string
	NotifyChannel string
	RedisURL      string
	RedisTTL      time.Duration

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	SessionShards int

	LogLevel  string
	LogFormat string
}

// Timing is the slice of configuration the response collector needs.
type Timing struct {
	ResponseTimeout time.Duration
	DrainWindow     time.Duration
}

// Collector returns the collector timing parameters.
func (c Config) Collector() Timing {
	return Timing{ResponseTimeout: c.ResponseTimeout, DrainWindow: c.DrainWindow}
}

// AudioArchiveEnabled reports whether agent audio should be uploaded.
func (c Config) AudioArchiveEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

// Load reads environment variables (after an optional .env file) and
// returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}

	cfg := Config{
		HTTPAddress:            getEnv("HTTP_ADDRESS", DefaultHTTPAddress),
		UpstreamProvider:       getEnv("UPSTREAM_PROVIDER", "elevenlabs"),
		UpstreamEndpoint:       getEnv("UPSTREAM_ENDPOINT", DefaultUpstreamEndpoint),
		UpstreamAPIKey:         os.Getenv("UPSTREAM_API_KEY"),
		HandshakeTimeout:       getDuration("UPSTREAM_HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout),
		ResponseTimeout:        getDuration("RESPONSE_TIMEOUT", DefaultResponseTimeout),
		DrainWindow:            getDuration("DRAIN_WINDOW", DefaultDrainWindow),
		OpenAIKey:              os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:            getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		StoreBackend:           getEnv("STORE_BACKEND", "memory"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		NotifyChannel:          getEnv("POSTGRES_NOTIFY_CHANNEL", DefaultNotifyChannel),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisTTL:               getDuration("REDIS_TTL", DefaultRedisTTL),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", DefaultSupabaseBucket),
		SessionShards:          getInt("SESSION_SHARDS", DefaultSessionShards),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
	}

	switch cfg.UpstreamProvider {
	case "elevenlabs":
		if cfg.UpstreamAPIKey == "" {
			slog.Warn("UPSTREAM_API_KEY not set - only public agents will accept connections")
		}
	case "openai":
		if cfg.OpenAIKey == "" {
			slog.Warn("OPENAI_API_KEY not set - openai upstream will not work")
		}
	default:
		slog.Warn("unknown UPSTREAM_PROVIDER, falling back to elevenlabs", "value", cfg.UpstreamProvider)
		cfg.UpstreamProvider = "elevenlabs"
	}

	if cfg.DrainWindow < minTunedDrain || cfg.DrainWindow > maxTunedDrain {
		slog.Warn("DRAIN_WINDOW outside the tuned 1s-3s range", "drain_window", cfg.DrainWindow)
	}
	if cfg.SessionShards <= 0 {
		cfg.SessionShards = DefaultSessionShards
	}

	slog.Info("config loaded",
		"http_address", cfg.HTTPAddress,
		"upstream_provider", cfg.UpstreamProvider,
		"store_backend", cfg.StoreBackend,
		"response_timeout", cfg.ResponseTimeout,
		"drain_window", cfg.DrainWindow,
	)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

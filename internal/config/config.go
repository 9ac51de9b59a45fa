// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// LLM providers.
const (
	ProviderOpenAI = "openai"
	ProviderYandex = "yandex"
	ProviderGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	LogLevel    string `env:"RECLASS_LOG_LEVEL" envDefault:"info"`

	Store      StoreConfig
	LLM        LLMConfig
	Dialogue   DialogueConfig
	Transcript TranscriptLogConfig
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	Driver        string        `env:"STORE_DRIVER" envDefault:"sqlite"`
	DBPath        string        `env:"DB_PATH" envDefault:"./data/reclass.db"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisTTL      time.Duration `env:"REDIS_TTL" envDefault:"0s"`
}

// LLMConfig configures the completion gateway.
type LLMConfig struct {
	Provider           string        `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey       string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL      string        `env:"OPENAI_BASE_URL"`
	Model              string        `env:"OPENAI_MODEL" envDefault:"gpt-4.1"`
	RouterModel        string        `env:"ROUTER_MODEL"`
	OpenRouterReferrer string        `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string        `env:"OPENROUTER_TITLE"`
	YandexOAuthToken   string        `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID     string        `env:"YANDEX_FOLDER_ID"`
	GRPCAddr           string        `env:"COMPLETION_GRPC_ADDR" envDefault:"localhost:50051"`
	Timeout            time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"30s"`
}

// DialogueConfig tunes routing and the per-session context window.
type DialogueConfig struct {
	ContextWindow   int  `env:"RECLASS_CONTEXT_WINDOW" envDefault:"10"`
	StarvationTurns int  `env:"ROUTER_STARVATION_TURNS" envDefault:"6"`
	RouterUseLLM    bool `env:"ROUTER_USE_LLM" envDefault:"false"`
}

// TranscriptLogConfig controls the NDJSON transcript audit log.
type TranscriptLogConfig struct {
	Enabled   bool   `env:"TRANSCRIPT_LOG_ENABLED" envDefault:"true"`
	Dir       string `env:"TRANSCRIPT_LOG_DIR" envDefault:"./data/logs/transcripts"`
	QueueSize int    `env:"TRANSCRIPT_LOG_QUEUE_SIZE" envDefault:"1000"`
}

// Load reads a .env file when present, then the environment, and validates
// the whole configuration.
func Load(dotenvPaths ...string) (*Config, error) {
	cfg, err := parse(dotenvPaths)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadStore is Load for commands that only touch the session store; the
// completion provider settings are not checked.
func LoadStore(dotenvPaths ...string) (*Config, error) {
	cfg, err := parse(dotenvPaths)
	if err != nil {
		return nil, err
	}
	if err := cfg.Store.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parse(dotenvPaths []string) (*Config, error) {
	if len(dotenvPaths) == 0 {
		dotenvPaths = []string{".env"}
	}
	for _, p := range dotenvPaths {
		// Missing files are fine; real environment variables take precedence.
		_ = godotenv.Load(p)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the driver-specific store settings.
func (s StoreConfig) Validate() error {
	switch s.Driver {
	case StoreSQLite:
		if s.DBPath == "" {
			return errors.New("DB_PATH cannot be empty")
		}
	case StoreRedis:
		if s.RedisAddr == "" {
			return errors.New("REDIS_ADDR cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", s.Driver)
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderYandex:
		if c.LLM.YandexOAuthToken == "" || c.LLM.YandexFolderID == "" {
			return errors.New("YANDEX_OAUTH_TOKEN and YANDEX_FOLDER_ID are required for the yandex provider")
		}
	case ProviderGRPC:
		if c.LLM.GRPCAddr == "" {
			return errors.New("COMPLETION_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("COMPLETION_TIMEOUT must be > 0")
	}
	if c.Dialogue.ContextWindow <= 0 {
		return errors.New("RECLASS_CONTEXT_WINDOW must be > 0")
	}
	if c.Dialogue.StarvationTurns <= 0 {
		return errors.New("ROUTER_STARVATION_TURNS must be > 0")
	}
	if c.Transcript.Enabled {
		if c.Transcript.Dir == "" {
			return errors.New("TRANSCRIPT_LOG_DIR cannot be empty")
		}
		if c.Transcript.QueueSize <= 0 {
			return errors.New("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
		}
	}
	return nil
}

// RouterModelName returns the model used for routing calls.
func (c *Config) RouterModelName() string {
	if c.LLM.RouterModel != "" {
		return c.LLM.RouterModel
	}
	return c.LLM.Model
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

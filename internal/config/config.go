package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultCollaboratorTimeout = 120 * time.Second
	minCollaboratorTimeout     = 60 * time.Second
)

// GradingConfig configures the collaborator services and the pipeline.
type GradingConfig struct {
	ExtractionURL  string        `validate:"required,url"`
	TraitsURL      string        `validate:"required,url"`
	PrimaryURL     string        `validate:"required,url"`
	Timeout        time.Duration `validate:"gte=60000000000"`
	Concurrency    int           `validate:"gte=1,lte=32"`
	Workers        int           `validate:"gte=1,lte=64"`
	QueueSize      int           `validate:"gte=1"`
	LockTTL        time.Duration `validate:"gt=0"`
	BreakerEnabled bool
	EventChannel   string
	RateLimit      int `validate:"gte=0"`
}

// AIConfig selects the reasoning model used as secondary scorer.
type AIConfig struct {
	Provider        string `validate:"oneof=openai anthropic"`
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName          string `validate:"required"`
	AppEnv           string `validate:"required"`
	AppPort          string `validate:"required"`
	LogLevel         string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	JWTSecret        string
	JWTRefreshSecret string
	Grading          GradingConfig
	AI               AIConfig
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// RequireServer checks the settings only the HTTP API needs.
func (c Config) RequireServer() error {
	if c.JWTSecret == "" || c.JWTRefreshSecret == "" {
		return fmt.Errorf("jwt secrets must be provided")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url must be provided")
	}
	return nil
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("grading.timeout", defaultCollaboratorTimeout.String())
	v.SetDefault("grading.concurrency", 4)
	v.SetDefault("grading.workers", 2)
	v.SetDefault("grading.queue_size", 64)
	v.SetDefault("grading.lock_ttl", "15m")
	v.SetDefault("grading.breaker_enabled", true)
	v.SetDefault("grading.event_channel", "grading")
	v.SetDefault("grading.rate_limit", 30)
	v.SetDefault("ai.provider", "openai")

	timeout, err := parseDuration(v, "grading.timeout")
	if err != nil {
		return Config{}, err
	}
	if timeout < minCollaboratorTimeout {
		timeout = minCollaboratorTimeout
	}

	lockTTL, err := parseDuration(v, "grading.lock_ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		LogLevel:         strings.ToLower(v.GetString("log.level")),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		JWTSecret:        v.GetString("jwt.secret"),
		JWTRefreshSecret: v.GetString("jwt.refresh_secret"),
		Grading: GradingConfig{
			ExtractionURL:  strings.TrimSpace(v.GetString("grading.extraction_url")),
			TraitsURL:      strings.TrimSpace(v.GetString("grading.traits_url")),
			PrimaryURL:     strings.TrimSpace(v.GetString("grading.primary_url")),
			Timeout:        timeout,
			Concurrency:    v.GetInt("grading.concurrency"),
			Workers:        v.GetInt("grading.workers"),
			QueueSize:      v.GetInt("grading.queue_size"),
			LockTTL:        lockTTL,
			BreakerEnabled: v.GetBool("grading.breaker_enabled"),
			EventChannel:   v.GetString("grading.event_channel"),
			RateLimit:      v.GetInt("grading.rate_limit"),
		},
		AI: AIConfig{
			Provider:        strings.ToLower(strings.TrimSpace(v.GetString("ai.provider"))),
			Model:           v.GetString("ai.model"),
			OpenAIAPIKey:    v.GetString("openai_api_key"),
			AnthropicAPIKey: v.GetString("anthropic_api_key"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value := strings.TrimSpace(v.GetString(key))
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return duration, nil
}

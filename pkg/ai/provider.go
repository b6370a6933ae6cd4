package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProviderConfig selects and configures the reasoning model backend.
type ProviderConfig struct {
	Provider        string
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	Timeout         time.Duration
	Logger          zerolog.Logger
}

// NewTraitScorer builds the scorer for the configured provider. Missing credentials surface as
// ErrMissingCredentials before any request is made.
func NewTraitScorer(cfg ProviderConfig) (TraitScorer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		scorer, err := NewOpenAIScorer(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return scorer, nil
	case "anthropic":
		scorer, err := NewAnthropicScorer(AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return scorer, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

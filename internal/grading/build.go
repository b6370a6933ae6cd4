package grading

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/collaborator"
)

// BuildPipeline wires the HTTP collaborators and the configured reasoning model into a
// pipeline. A missing model credential does not fail the build: the pipeline reports it as a
// configuration error on every run so the API can still start and serve health checks.
func BuildPipeline(grading config.GradingConfig, model config.AIConfig, logger zerolog.Logger) (*Pipeline, error) {
	breaker := collaborator.DefaultBreakerConfig()
	breaker.Enabled = grading.BreakerEnabled

	endpoint := func(url string) collaborator.Config {
		return collaborator.Config{
			Endpoint: url,
			Timeout:  grading.Timeout,
			Breaker:  breaker,
			Logger:   logger,
		}
	}

	extractor, err := collaborator.NewExtractionClient(endpoint(grading.ExtractionURL))
	if err != nil {
		return nil, fmt.Errorf("extraction client: %w", err)
	}
	parser, err := collaborator.NewTraitParserClient(endpoint(grading.TraitsURL))
	if err != nil {
		return nil, fmt.Errorf("trait parser client: %w", err)
	}
	primary, err := collaborator.NewPrimaryScorerClient(endpoint(grading.PrimaryURL))
	if err != nil {
		return nil, fmt.Errorf("primary scorer client: %w", err)
	}

	var secondary ai.TraitScorer
	scorer, err := ai.NewTraitScorer(ai.ProviderConfig{
		Provider:        model.Provider,
		Model:           model.Model,
		OpenAIAPIKey:    model.OpenAIAPIKey,
		AnthropicAPIKey: model.AnthropicAPIKey,
		Timeout:         grading.Timeout,
		Logger:          logger,
	})
	switch {
	case err == nil:
		secondary = scorer
	case errors.Is(err, ai.ErrMissingCredentials):
		logger.Warn().Str("provider", model.Provider).Msg("reasoning model credentials missing; grading runs will fail with a configuration error")
	default:
		return nil, fmt.Errorf("reasoning model: %w", err)
	}

	return NewPipeline(extractor, parser, primary, secondary, Options{Concurrency: grading.Concurrency}, logger), nil
}

package ai

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "trait_scoring_duration_seconds",
		Help:      "Duration of per-trait scoring requests to the reasoning model",
	}, []string{"provider", "model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "trait_scoring_failures_total",
		Help:      "Number of per-trait scoring requests that failed outright",
	}, []string{"provider", "model"})

	aiUnparsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "trait_scoring_unparsed_total",
		Help:      "Number of replies that carried no usable 0-3 score",
	}, []string{"provider", "model"})
)

// DefaultTimeout bounds a single reasoning-model call.
const DefaultTimeout = 120 * time.Second

// OpenAIConfig defines configuration options for the OpenAI trait scorer.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// OpenAIScorer implements TraitScorer against the OpenAI chat completion API.
type OpenAIScorer struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIScorer builds a new scorer using the provided configuration.
func NewOpenAIScorer(cfg OpenAIConfig) (*OpenAIScorer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingCredentials)
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 400
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	tracer := otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAIScorer{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger.With().Str("component", "openai_trait_scorer").Logger(),
	}, nil
}

// ScoreTrait asks the model to rate one trait and parses the trailing integer score.
func (s *OpenAIScorer) ScoreTrait(parent context.Context, input TraitInput) (TraitResult, error) {
	ctx, span := s.tracer.Start(parent, "openai.score_trait", trace.WithAttributes(
		attribute.String("model", s.cfg.Model),
		attribute.String("trait", input.Name),
	))
	defer span.End()

	temperature := s.cfg.Temperature
	if temperature == 0 {
		// The request field is omitempty, so a literal zero would fall back to the API default.
		temperature = math.SmallestNonzeroFloat32
	}

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: traitSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: BuildTraitPrompt(input),
			},
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues("openai", s.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues("openai", s.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TraitResult{}, fmt.Errorf("openai score trait %q: %w", input.Name, err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		aiFailures.WithLabelValues("openai", s.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TraitResult{}, err
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	s.logger.Debug().Str("trait", input.Name).Str("reply", content).Msg("reasoning model replied")

	result := ParseTraitResponse(content)
	if result.Score == nil {
		aiUnparsed.WithLabelValues("openai", s.cfg.Model).Inc()
		span.SetAttributes(attribute.Bool("trait.parsed", false))
		s.logger.Warn().Str("trait", input.Name).Msg("reasoning model reply carried no usable score")
	} else {
		span.SetAttributes(attribute.Int("trait.score", *result.Score))
	}

	return result, nil
}

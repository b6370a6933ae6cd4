package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicConfig holds configuration for the Anthropic trait scorer.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// AnthropicScorer implements TraitScorer against the Anthropic Messages API.
type AnthropicScorer struct {
	httpClient *http.Client
	cfg        AnthropicConfig
	tracer     trace.Tracer
	logger     zerolog.Logger
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicScorer constructs a scorer for Claude models.
func NewAnthropicScorer(cfg AnthropicConfig) (*AnthropicScorer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingCredentials)
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 400
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &AnthropicScorer{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		tracer:     otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/anthropic"),
		logger:     logger.With().Str("component", "anthropic_trait_scorer").Logger(),
	}, nil
}

// ScoreTrait sends the trait prompt to the Messages API and parses the trailing score.
func (a *AnthropicScorer) ScoreTrait(parent context.Context, input TraitInput) (TraitResult, error) {
	ctx, span := a.tracer.Start(parent, "anthropic.score_trait", trace.WithAttributes(
		attribute.String("model", a.cfg.Model),
		attribute.String("trait", input.Name),
	))
	defer span.End()

	start := time.Now()
	content, err := a.complete(ctx, input)
	aiDuration.WithLabelValues("anthropic", a.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues("anthropic", a.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TraitResult{}, fmt.Errorf("anthropic score trait %q: %w", input.Name, err)
	}

	result := ParseTraitResponse(content)
	if result.Score == nil {
		aiUnparsed.WithLabelValues("anthropic", a.cfg.Model).Inc()
		a.logger.Warn().Str("trait", input.Name).Msg("reasoning model reply carried no usable score")
	}
	return result, nil
}

func (a *AnthropicScorer) complete(ctx context.Context, input TraitInput) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: 0,
		System:      traitSystemPrompt(),
		Messages:    []anthropicMessage{{Role: "user", Content: BuildTraitPrompt(input)}},
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var data anthropicResponse
	if err := json.Unmarshal(payload, &data); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if data.Error != nil {
			return "", fmt.Errorf("status %d: %s: %s", resp.StatusCode, data.Error.Type, data.Error.Message)
		}
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	parts := make([]string, 0, len(data.Content))
	for _, block := range data.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text content returned from anthropic")
	}

	return strings.TrimSpace(strings.Join(parts, "")), nil
}

package ai

import (
	"context"
	"errors"
)

// ErrMissingCredentials is returned when a provider is configured without an API key.
var ErrMissingCredentials = errors.New("ai provider credentials missing")

// ErrUnknownProvider is returned for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown ai provider")

// TraitInput carries what the reasoning model needs to rate one rubric trait.
type TraitInput struct {
	Name       string
	Definition string
	Essay      string
}

// TraitResult is the model's verdict for one trait. A nil Score means the reply held no usable
// score; Feedback then explains why and embeds the raw reply.
type TraitResult struct {
	Score    *int   `json:"score"`
	Feedback string `json:"feedback"`
	Raw      string `json:"raw,omitempty"`
}

// TraitScorer rates a single trait per call. Errors are reserved for failed calls; an
// unparseable reply is a normal result with a nil Score.
type TraitScorer interface {
	ScoreTrait(ctx context.Context, input TraitInput) (TraitResult, error)
}

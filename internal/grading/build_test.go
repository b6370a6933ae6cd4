package grading

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

func testGradingConfig() config.GradingConfig {
	return config.GradingConfig{
		ExtractionURL: "http://127.0.0.1:1/extract",
		TraitsURL:     "http://127.0.0.1:1/traits",
		PrimaryURL:    "http://127.0.0.1:1/score",
		Timeout:       time.Minute,
		Concurrency:   2,
	}
}

func TestBuildPipelineWithoutCredentialsFailsOnRun(t *testing.T) {
	pipeline, err := BuildPipeline(testGradingConfig(), config.AIConfig{Provider: "anthropic"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = pipeline.Run(context.Background(), Input{SubmissionID: "1", EssayPath: "essay.pdf", RubricPath: "rubric.pdf"})
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, ai.ErrMissingCredentials)
	stage, ok := FailedStage(err)
	require.True(t, ok)
	require.Equal(t, StageConfigure, stage)
}

func TestBuildPipelineRejectsBadSettings(t *testing.T) {
	_, err := BuildPipeline(testGradingConfig(), config.AIConfig{Provider: "mystery", OpenAIAPIKey: "key"}, zerolog.Nop())
	require.ErrorIs(t, err, ai.ErrUnknownProvider)

	cfg := testGradingConfig()
	cfg.PrimaryURL = ""
	_, err = BuildPipeline(cfg, config.AIConfig{Provider: "openai", OpenAIAPIKey: "key"}, zerolog.Nop())
	require.Error(t, err)
}

package grading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/collaborator"
)

type fakeExtractor struct {
	texts map[string]string
	errs  map[string]error
	calls []string
	mu    sync.Mutex
}

func (f *fakeExtractor) Extract(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if err := f.errs[path]; err != nil {
		return "", err
	}
	return f.texts[path], nil
}

type fakeParser struct {
	traits []Trait
	err    error
}

func (f *fakeParser) Parse(context.Context, string) ([]Trait, error) {
	return f.traits, f.err
}

type fakePrimary struct {
	scores []PrimaryScore
	err    error
	calls  int32
}

func (f *fakePrimary) Score(context.Context, string, []Trait) ([]PrimaryScore, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.scores, f.err
}

type fakeSecondary struct {
	replies map[string]string
	errs    map[string]error
	panics  map[string]bool
	delay   time.Duration
	calls   int32
}

func (f *fakeSecondary) ScoreTrait(ctx context.Context, input ai.TraitInput) (ai.TraitResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ai.TraitResult{}, ctx.Err()
		}
	}
	if f.panics[input.Name] {
		panic("model client exploded")
	}
	if err := f.errs[input.Name]; err != nil {
		return ai.TraitResult{}, err
	}
	return ai.ParseTraitResponse(f.replies[input.Name]), nil
}

func threeTraitFixture() (*fakeExtractor, *fakeParser, *fakePrimary, *fakeSecondary) {
	extractor := &fakeExtractor{texts: map[string]string{
		"essay.pdf":  "Social media has reshaped how teenagers communicate.",
		"rubric.pdf": "Thesis: clear claim. Evidence: relevant support. Style: varied sentences.",
	}}
	parser := &fakeParser{traits: []Trait{
		{Name: "Thesis", Definition: "States a clear, arguable claim."},
		{Name: "Evidence", Definition: "Supports the claim with relevant sources."},
		{Name: "Style", Definition: "Uses varied sentence structure."},
	}}
	primary := &fakePrimary{scores: []PrimaryScore{
		{Trait: "Style", Score: 1.0},
		{Trait: "Thesis", Score: 2.6},
		{Trait: "Evidence", Score: 1.2},
	}}
	secondary := &fakeSecondary{replies: map[string]string{
		"Thesis":   "Your claim is precise and debatable.\n3",
		"Evidence": "Good sources, but connect them to the claim.\n2",
		"Style":    "The sentences are varied but I cannot decide.",
	}}
	return extractor, parser, primary, secondary
}

func newTestPipeline(extractor Extractor, parser TraitParser, primary PrimaryScorer, secondary ai.TraitScorer) *Pipeline {
	return NewPipeline(extractor, parser, primary, secondary, Options{Concurrency: 2}, zerolog.Nop())
}

func testInput() Input {
	return Input{SubmissionID: "42", EssayPath: "essay.pdf", RubricPath: "rubric.pdf"}
}

func TestPipelineGradesFromCombinedTraitsOnly(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	pipeline := newTestPipeline(extractor, parser, primary, secondary)

	result, err := pipeline.Run(context.Background(), testInput())
	require.NoError(t, err)

	require.Len(t, result.Scores, 3)
	require.Equal(t, 2, result.CombinedCount())

	// Scores follow rubric order regardless of primary response order.
	require.Equal(t, "Thesis", result.Scores[0].Trait)
	require.Equal(t, "Evidence", result.Scores[1].Trait)
	require.Equal(t, "Style", result.Scores[2].Trait)

	require.Equal(t, 3, *result.Scores[0].Score)
	require.Equal(t, OutcomeAgreement, result.Scores[0].Outcome)
	require.Equal(t, 2, *result.Scores[1].Score)
	require.Equal(t, OutcomeAveraged, result.Scores[1].Outcome)
	require.Nil(t, result.Scores[2].Score)
	require.Nil(t, result.Scores[2].Percent)
	require.Equal(t, OutcomeIncomplete, result.Scores[2].Outcome)
	require.Contains(t, result.Scores[2].InternalNote, "could not parse")

	require.Equal(t, Aggregate([]int{3, 2}, MaxTraitScore), result.Grade)
	require.Equal(t, 83.3, result.Grade)

	require.Contains(t, result.Feedback, "Overall AI Grade: 83.3/100")
	require.Contains(t, result.Feedback, "### Style\nScore: [Scoring Incomplete]")
	require.Contains(t, result.Feedback, "Score: 3/3 (100.0%)")
	require.NotContains(t, result.Feedback, "could not parse")

	require.Len(t, result.Audit, 1)
	require.Equal(t, "Style", result.Audit[0].Trait)
}

func TestPipelineEmptyEssayFailsAtExtraction(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	extractor.texts["essay.pdf"] = "   \n"
	pipeline := newTestPipeline(extractor, parser, primary, secondary)

	_, err := pipeline.Run(context.Background(), testInput())
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageExtractEssay, stageErr.Stage)
	require.ErrorIs(t, err, ErrExtraction)
	require.ErrorIs(t, err, collaborator.ErrEmptyText)
	require.Equal(t, []string{"essay.pdf"}, extractor.calls)
	require.Zero(t, atomic.LoadInt32(&secondary.calls))
}

func TestPipelineFailFastStages(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name  string
		setup func(*fakeExtractor, *fakeParser, *fakePrimary)
		stage Stage
		kind  error
	}{
		{
			name:  "rubric extraction",
			setup: func(e *fakeExtractor, _ *fakeParser, _ *fakePrimary) { e.errs = map[string]error{"rubric.pdf": boom} },
			stage: StageExtractRubric,
			kind:  ErrExtraction,
		},
		{
			name:  "trait parsing error",
			setup: func(_ *fakeExtractor, p *fakeParser, _ *fakePrimary) { p.err = boom },
			stage: StageParseTraits,
			kind:  ErrTraitParsing,
		},
		{
			name:  "zero traits",
			setup: func(_ *fakeExtractor, p *fakeParser, _ *fakePrimary) { p.traits = nil },
			stage: StageParseTraits,
			kind:  ErrTraitParsing,
		},
		{
			name:  "primary error",
			setup: func(_ *fakeExtractor, _ *fakeParser, p *fakePrimary) { p.err = boom },
			stage: StagePrimaryScore,
			kind:  ErrPrimaryScoring,
		},
		{
			name:  "zero primary scores",
			setup: func(_ *fakeExtractor, _ *fakeParser, p *fakePrimary) { p.scores = nil },
			stage: StagePrimaryScore,
			kind:  ErrPrimaryScoring,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			extractor, parser, primary, secondary := threeTraitFixture()
			tc.setup(extractor, parser, primary)
			pipeline := newTestPipeline(extractor, parser, primary, secondary)

			_, err := pipeline.Run(context.Background(), testInput())
			stage, ok := FailedStage(err)
			require.True(t, ok)
			require.Equal(t, tc.stage, stage)
			require.ErrorIs(t, err, tc.kind)
			require.Zero(t, atomic.LoadInt32(&secondary.calls))
		})
	}
}

func TestPipelineMissingSecondaryIsConfigurationError(t *testing.T) {
	extractor, parser, primary, _ := threeTraitFixture()
	pipeline := newTestPipeline(extractor, parser, primary, nil)

	_, err := pipeline.Run(context.Background(), testInput())
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, ai.ErrMissingCredentials)
	stage, _ := FailedStage(err)
	require.Equal(t, StageConfigure, stage)
	require.Empty(t, extractor.calls)
	require.Zero(t, atomic.LoadInt32(&primary.calls))
}

func TestPipelineAllTraitsIncompleteIsAggregationFailure(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	secondary.replies = map[string]string{}
	secondary.errs = map[string]error{"Thesis": errors.New("rate limited")}
	pipeline := newTestPipeline(extractor, parser, primary, secondary)

	_, err := pipeline.Run(context.Background(), testInput())
	require.ErrorIs(t, err, ErrAggregation)
	stage, _ := FailedStage(err)
	require.Equal(t, StageAggregate, stage)
}

func TestPipelineSkipsTraitsWithoutDefinition(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	primary.scores = append(primary.scores,
		PrimaryScore{Trait: "Grammar", Score: 2},
		PrimaryScore{Trait: "Thesis", Score: 0},
	)
	pipeline := newTestPipeline(extractor, parser, primary, secondary)

	result, err := pipeline.Run(context.Background(), testInput())
	require.NoError(t, err)
	require.Len(t, result.Scores, 3)
	require.Equal(t, 3, *result.Scores[0].Score)

	var skipped []string
	for _, entry := range result.Audit {
		if entry.Outcome == OutcomeSkipped {
			skipped = append(skipped, entry.Trait)
			require.Contains(t, entry.Note, ErrReconciliationSkipped.Error())
		}
	}
	require.ElementsMatch(t, []string{"Grammar", "Thesis"}, skipped)
	require.NotContains(t, result.Feedback, "Grammar")
	require.Equal(t, int32(3), atomic.LoadInt32(&secondary.calls))
}

func TestPipelineAbsorbsSecondaryErrorsAndPanics(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	secondary.errs = map[string]error{"Evidence": fmt.Errorf("upstream 500")}
	secondary.panics = map[string]bool{"Style": true}
	pipeline := newTestPipeline(extractor, parser, primary, secondary)

	result, err := pipeline.Run(context.Background(), testInput())
	require.NoError(t, err)
	require.Equal(t, 1, result.CombinedCount())
	require.Equal(t, 100.0, result.Grade)
	require.Contains(t, result.Scores[1].InternalNote, "upstream 500")
	require.Contains(t, result.Scores[2].InternalNote, "panic")
	require.Len(t, result.Audit, 2)
}

func TestPipelineIsIdempotent(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	pipeline := newTestPipeline(extractor, parser, primary, secondary)

	first, err := pipeline.Run(context.Background(), testInput())
	require.NoError(t, err)
	second, err := pipeline.Run(context.Background(), testInput())
	require.NoError(t, err)

	require.Equal(t, first.Grade, second.Grade)
	require.Equal(t, first.Feedback, second.Feedback)
}

func TestPipelineCancelledBeforeStart(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	pipeline := newTestPipeline(extractor, parser, primary, secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.Run(ctx, testInput())
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, extractor.calls)
}

func TestPipelineCancelledDuringTraitLoop(t *testing.T) {
	extractor, parser, primary, secondary := threeTraitFixture()
	secondary.delay = 2 * time.Second
	pipeline := NewPipeline(extractor, parser, primary, secondary, Options{Concurrency: 1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := pipeline.Run(ctx, testInput())
	require.ErrorIs(t, err, ErrCancelled)
	stage, _ := FailedStage(err)
	require.Equal(t, StageSecondaryScore, stage)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, int32(1), atomic.LoadInt32(&secondary.calls))
}

package grading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/collaborator"
)

// DefaultConcurrency bounds simultaneous reasoning model calls when no option is given.
const DefaultConcurrency = 4

// Extractor turns a stored document into plain text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// TraitParser derives scoring traits from rubric text.
type TraitParser interface {
	Parse(ctx context.Context, rubricText string) ([]Trait, error)
}

// PrimaryScorer scores an essay against every trait in one call.
type PrimaryScorer interface {
	Score(ctx context.Context, essay string, traits []Trait) ([]PrimaryScore, error)
}

// Options tunes a pipeline.
type Options struct {
	// Concurrency caps in-flight secondary scorer calls. Values below one use DefaultConcurrency.
	Concurrency int
}

// Pipeline grades one submission at a time. It holds no per-run state and is safe for
// concurrent use across different submissions.
type Pipeline struct {
	extractor   Extractor
	parser      TraitParser
	primary     PrimaryScorer
	secondary   ai.TraitScorer
	concurrency int
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewPipeline wires the collaborators of a grading run.
func NewPipeline(extractor Extractor, parser TraitParser, primary PrimaryScorer, secondary ai.TraitScorer, opts Options, logger zerolog.Logger) *Pipeline {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	return &Pipeline{
		extractor:   extractor,
		parser:      parser,
		primary:     primary,
		secondary:   secondary,
		concurrency: concurrency,
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/grading"),
		logger:      logger.With().Str("component", "grading_pipeline").Logger(),
	}
}

// Run executes the pipeline for one submission. Stages up to primary scoring fail fast; the
// per-trait loop absorbs individual trait failures into the audit trail. The returned error is
// always a *StageError.
func (p *Pipeline) Run(ctx context.Context, input Input) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "grading.pipeline.run", trace.WithAttributes(
		attribute.String("grading.submission_id", input.SubmissionID),
	))
	defer span.End()

	logger := p.logger.With().Str("submission_id", input.SubmissionID).Logger()
	start := time.Now()

	result, err := p.run(ctx, input, logger)
	if err != nil {
		stage, _ := FailedStage(err)
		observability.PipelineRuns().WithLabelValues("failed").Observe(time.Since(start).Seconds())
		observability.StageFailures().WithLabelValues(string(stage)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		logger.Warn().Err(err).Str("stage", string(stage)).Msg("grading run failed")
		return Result{}, err
	}

	observability.PipelineRuns().WithLabelValues("succeeded").Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Float64("grading.grade", result.Grade),
		attribute.Int("grading.traits_combined", result.CombinedCount()),
		attribute.Int("grading.traits_total", len(result.Traits)),
	)
	logger.Info().
		Float64("grade", result.Grade).
		Int("traits_combined", result.CombinedCount()).
		Int("traits_total", len(result.Traits)).
		Dur("elapsed", time.Since(start)).
		Msg("grading run completed")
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, input Input, logger zerolog.Logger) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}

	essay, err := p.extract(ctx, StageExtractEssay, input.EssayPath)
	if err != nil {
		return Result{}, err
	}
	logger.Debug().Int("essay_chars", len(essay)).Msg("essay extracted")

	rubric, err := p.extract(ctx, StageExtractRubric, input.RubricPath)
	if err != nil {
		return Result{}, err
	}

	traits, err := p.parseTraits(ctx, rubric)
	if err != nil {
		return Result{}, err
	}
	logger.Debug().Int("traits", len(traits)).Msg("rubric traits parsed")

	primary, err := p.scorePrimary(ctx, essay, traits)
	if err != nil {
		return Result{}, err
	}

	scores, audit, err := p.scoreTraits(ctx, essay, traits, primary, logger)
	if err != nil {
		return Result{}, err
	}

	finals := make([]int, 0, len(scores))
	for _, score := range scores {
		if score.Score != nil {
			finals = append(finals, *score.Score)
		}
	}
	if len(finals) == 0 {
		return Result{}, stageError(StageAggregate, ErrAggregation,
			fmt.Errorf("%d traits scored, none combined", len(scores)))
	}
	grade := Aggregate(finals, MaxTraitScore)

	if err := checkCancelled(ctx, StageCompose); err != nil {
		return Result{}, err
	}

	return Result{
		SubmissionID: input.SubmissionID,
		Traits:       traits,
		Scores:       scores,
		Audit:        audit,
		Grade:        grade,
		Feedback:     Compose(scores, grade),
	}, nil
}

func (p *Pipeline) validate() error {
	switch {
	case p.secondary == nil:
		return stageError(StageConfigure, ErrConfiguration, ai.ErrMissingCredentials)
	case p.extractor == nil:
		return stageError(StageConfigure, ErrConfiguration, errors.New("extraction client not configured"))
	case p.parser == nil:
		return stageError(StageConfigure, ErrConfiguration, errors.New("trait parser client not configured"))
	case p.primary == nil:
		return stageError(StageConfigure, ErrConfiguration, errors.New("primary scorer client not configured"))
	}
	return nil
}

func (p *Pipeline) extract(ctx context.Context, stage Stage, path string) (string, error) {
	if err := checkCancelled(ctx, stage); err != nil {
		return "", err
	}

	ctx, span := p.tracer.Start(ctx, "grading.stage."+string(stage))
	defer span.End()

	text, err := p.extractor.Extract(ctx, path)
	if err == nil && strings.TrimSpace(text) == "" {
		err = collaborator.ErrEmptyText
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction_failed")
		return "", p.failure(ctx, stage, ErrExtraction, err)
	}
	return text, nil
}

func (p *Pipeline) parseTraits(ctx context.Context, rubric string) ([]Trait, error) {
	if err := checkCancelled(ctx, StageParseTraits); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "grading.stage."+string(StageParseTraits))
	defer span.End()

	traits, err := p.parser.Parse(ctx, rubric)
	if err == nil && len(traits) == 0 {
		err = collaborator.ErrNoTraits
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "trait_parsing_failed")
		return nil, p.failure(ctx, StageParseTraits, ErrTraitParsing, err)
	}
	span.SetAttributes(attribute.Int("grading.traits", len(traits)))
	return traits, nil
}

func (p *Pipeline) scorePrimary(ctx context.Context, essay string, traits []Trait) ([]PrimaryScore, error) {
	if err := checkCancelled(ctx, StagePrimaryScore); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "grading.stage."+string(StagePrimaryScore))
	defer span.End()

	scores, err := p.primary.Score(ctx, essay, traits)
	if err == nil && len(scores) == 0 {
		err = collaborator.ErrNoScores
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "primary_scoring_failed")
		return nil, p.failure(ctx, StagePrimaryScore, ErrPrimaryScoring, err)
	}
	return scores, nil
}

// traitTask is one unit of the fail-soft per-trait loop.
type traitTask struct {
	primary    PrimaryScore
	definition string
	order      int
	skip       string
}

type traitOutcome struct {
	score CombinedScore
	audit *AuditEntry
	order int
	done  bool
}

func (p *Pipeline) scoreTraits(ctx context.Context, essay string, traits []Trait, primary []PrimaryScore, logger zerolog.Logger) ([]CombinedScore, []AuditEntry, error) {
	ctx, span := p.tracer.Start(ctx, "grading.stage."+string(StageSecondaryScore), trace.WithAttributes(
		attribute.Int("grading.primary_scores", len(primary)),
		attribute.Int("grading.concurrency", p.concurrency),
	))
	defer span.End()

	order := make(map[string]int, len(traits))
	definitions := make(map[string]string, len(traits))
	for i, trait := range traits {
		order[trait.Name] = i
		definitions[trait.Name] = trait.Definition
	}

	tasks := make([]traitTask, len(primary))
	seen := make(map[string]struct{}, len(primary))
	for i, score := range primary {
		task := traitTask{primary: score, order: len(traits) + i}
		definition, ok := definitions[score.Trait]
		switch _, dup := seen[score.Trait]; {
		case !ok:
			task.skip = "no rubric definition for trait"
		case dup:
			task.skip = "duplicate primary score for trait"
		default:
			task.definition = definition
			task.order = order[score.Trait]
		}
		seen[score.Trait] = struct{}{}
		tasks[i] = task
	}

	outcomes := make([]traitOutcome, len(tasks))
	var group errgroup.Group
	group.SetLimit(p.concurrency)

	for i := range tasks {
		if ctx.Err() != nil {
			break
		}
		i := i
		task := tasks[i]
		if task.skip != "" {
			outcomes[i] = skippedOutcome(task)
			continue
		}
		group.Go(func() error {
			outcomes[i] = p.scoreTrait(ctx, essay, task)
			return nil
		})
	}
	_ = group.Wait()

	if err := checkCancelled(ctx, StageSecondaryScore); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	sort.SliceStable(outcomes, func(a, b int) bool { return outcomes[a].order < outcomes[b].order })

	scores := make([]CombinedScore, 0, len(outcomes))
	audit := make([]AuditEntry, 0)
	for _, outcome := range outcomes {
		if !outcome.done {
			continue
		}
		observability.TraitOutcomes().WithLabelValues(string(outcomeLabel(outcome))).Inc()
		if outcome.audit != nil {
			audit = append(audit, *outcome.audit)
			logger.Info().
				Str("trait", outcome.audit.Trait).
				Str("outcome", string(outcome.audit.Outcome)).
				Str("note", outcome.audit.Note).
				Msg("trait not combined")
		}
		if outcome.audit != nil && outcome.audit.Outcome == OutcomeSkipped {
			continue
		}
		scores = append(scores, outcome.score)
		if outcome.score.Score != nil {
			logger.Info().
				Str("trait", outcome.score.Trait).
				Int("score", *outcome.score.Score).
				Str("note", outcome.score.InternalNote).
				Msg("trait reconciled")
		}
	}

	return scores, audit, nil
}

func skippedOutcome(task traitTask) traitOutcome {
	note := fmt.Sprintf("%v: %s", ErrReconciliationSkipped, task.skip)
	return traitOutcome{
		order: task.order,
		done:  true,
		audit: &AuditEntry{Trait: task.primary.Trait, Outcome: OutcomeSkipped, Note: note},
	}
}

func (p *Pipeline) scoreTrait(ctx context.Context, essay string, task traitTask) (outcome traitOutcome) {
	name := task.primary.Trait
	outcome = traitOutcome{order: task.order, done: true}

	incomplete := func(note string) traitOutcome {
		outcome.score = CombinedScore{Trait: name, InternalNote: note, Outcome: OutcomeIncomplete}
		outcome.audit = &AuditEntry{Trait: name, Outcome: OutcomeIncomplete, Note: note}
		return outcome
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error().Str("trait", name).Interface("panic", recovered).Msg("trait scoring panicked")
			outcome = incomplete(fmt.Sprintf("%v: panic: %v", ErrSecondaryScoring, recovered))
		}
	}()

	if ctx.Err() != nil {
		outcome.done = false
		return outcome
	}

	result, err := p.secondary.ScoreTrait(ctx, ai.TraitInput{
		Name:       name,
		Definition: task.definition,
		Essay:      essay,
	})
	if err != nil {
		if ctx.Err() != nil {
			outcome.done = false
			return outcome
		}
		return incomplete(fmt.Sprintf("%v: %v", ErrSecondaryScoring, err))
	}
	if result.Score == nil {
		return incomplete(fmt.Sprintf("%v: %s", ErrSecondaryScoring, result.Feedback))
	}

	reconciled := Combine(task.primary.Score, *result.Score, result.Feedback)
	final := reconciled.Final
	percent := TraitPercent(final, MaxTraitScore)
	outcome.score = CombinedScore{
		Trait:           name,
		Score:           &final,
		Percent:         &percent,
		InternalNote:    reconciled.Note,
		StudentFeedback: result.Feedback,
		Outcome:         reconciled.Outcome,
	}
	return outcome
}

func outcomeLabel(outcome traitOutcome) Outcome {
	if outcome.audit != nil {
		return outcome.audit.Outcome
	}
	return outcome.score.Outcome
}

func (p *Pipeline) failure(ctx context.Context, stage Stage, kind, err error) error {
	if ctx.Err() != nil {
		return stageError(stage, ErrCancelled, ctx.Err())
	}
	return stageError(stage, kind, err)
}

func checkCancelled(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return stageError(stage, ErrCancelled, err)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/repository"
)

var (
	// ErrSubmissionNotFound indicates the submission was not located.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrSubmissionNotGradable indicates the submission lacks an essay or its assignment lacks a rubric.
	ErrSubmissionNotGradable = errors.New("submission has no essay or rubric to grade")
)

// GradingRunner executes the grading pipeline for one set of documents.
type GradingRunner interface {
	Run(ctx context.Context, input grading.Input) (grading.Result, error)
}

// GradeRequest identifies a grading run.
type GradeRequest struct {
	SubmissionID uint
	Actor        ActivityActor
	JobID        string
}

// AutogradeService grades a stored submission and persists the outcome exactly once.
type AutogradeService interface {
	Grade(ctx context.Context, req GradeRequest) (dto.AutogradeResponse, error)
}

type autogradeService struct {
	repo     repository.SubmissionRepository
	runner   GradingRunner
	locker   grading.Locker
	events   GradingEventPublisher
	activity ActivityRecorder
	tracer   trace.Tracer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAutogradeService constructs the auto-grading service. events and activity may be nil.
func NewAutogradeService(repo repository.SubmissionRepository, runner GradingRunner, locker grading.Locker, events GradingEventPublisher, activity ActivityRecorder, logger zerolog.Logger) AutogradeService {
	if locker == nil {
		locker = grading.NewMemoryLocker()
	}
	return &autogradeService{
		repo:     repo,
		runner:   runner,
		locker:   locker,
		events:   events,
		activity: activity,
		tracer:   otel.Tracer("github.com/noah-isme/gema-grader/internal/service/autograde"),
		logger:   logger.With().Str("component", "autograde_service").Logger(),
		now:      time.Now,
	}
}

func (s *autogradeService) Grade(ctx context.Context, req GradeRequest) (dto.AutogradeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "autograde.grade", trace.WithAttributes(
		attribute.Int64("grading.submission_id", int64(req.SubmissionID)),
		attribute.String("grading.job_id", req.JobID),
	))
	defer span.End()

	logger := s.logger.With().
		Uint("submission_id", req.SubmissionID).
		Str("job_id", req.JobID).
		Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
		Logger()

	key := strconv.FormatUint(uint64(req.SubmissionID), 10)
	lockCtx, release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission_locked")
		return dto.AutogradeResponse{}, err
	}
	defer release()

	submission, err := s.repo.GetByID(lockCtx, req.SubmissionID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "submission_not_found")
			return dto.AutogradeResponse{}, ErrSubmissionNotFound
		}
		span.SetStatus(codes.Error, "submission_lookup_failed")
		return dto.AutogradeResponse{}, err
	}

	if strings.TrimSpace(submission.EssayPath) == "" || strings.TrimSpace(submission.RubricPath()) == "" {
		span.SetStatus(codes.Error, "submission_not_gradable")
		return dto.AutogradeResponse{}, ErrSubmissionNotGradable
	}

	result, err := s.runner.Run(lockCtx, grading.Input{
		SubmissionID: key,
		EssayPath:    submission.EssayPath,
		RubricPath:   submission.RubricPath(),
	})
	if err == nil {
		err = lockLost(lockCtx)
	} else if lost := lockLost(lockCtx); lost != nil {
		err = fmt.Errorf("%w: %w", lost, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline_failed")
		s.finish(ctx, req, nil, err)
		return dto.AutogradeResponse{}, err
	}

	gradedAt := s.now().UTC()
	if err := s.repo.SaveAIGrade(lockCtx, submission.ID, repository.AIGradeUpdate{
		Grade:    result.Grade,
		Feedback: result.Feedback,
		GradedAt: gradedAt,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission_update_failed")
		err = fmt.Errorf("persist ai grade: %w", err)
		s.finish(ctx, req, nil, err)
		return dto.AutogradeResponse{}, err
	}

	logger.Info().Float64("ai_grade", result.Grade).Msg("submission auto-graded")
	span.SetAttributes(attribute.Float64("grading.grade", result.Grade))
	s.finish(ctx, req, &result, nil)

	return dto.NewAutogradeResponse(submission.ID, result, gradedAt), nil
}

// lockLost reports whether the submission lock was lost while the run held it.
func lockLost(lockCtx context.Context) error {
	if cause := context.Cause(lockCtx); errors.Is(cause, grading.ErrLockLost) {
		return cause
	}
	return nil
}

func (s *autogradeService) finish(ctx context.Context, req GradeRequest, result *grading.Result, runErr error) {
	event := GradingEvent{
		JobID:         req.JobID,
		SubmissionID:  req.SubmissionID,
		CorrelationID: middleware.CorrelationIDFromContext(ctx),
		Status:        "succeeded",
	}
	metadata := map[string]interface{}{"submission_id": req.SubmissionID}
	if req.JobID != "" {
		metadata["job_id"] = req.JobID
	}
	action := "submission.autograded"

	if runErr != nil {
		action = "submission.autograde_failed"
		event.Status = "failed"
		if errors.Is(runErr, grading.ErrCancelled) && !errors.Is(runErr, grading.ErrLockLost) {
			event.Status = "cancelled"
		}
		event.Reason = runErr.Error()
		if stage, ok := grading.FailedStage(runErr); ok {
			event.FailedStage = string(stage)
			metadata["failed_stage"] = string(stage)
		}
		metadata["reason"] = runErr.Error()
	} else if result != nil {
		grade := result.Grade
		event.Grade = &grade
		metadata["ai_grade"] = grade
		metadata["traits_combined"] = result.CombinedCount()
		metadata["traits_total"] = len(result.Traits)
	}

	// Cancellation of the run must not prevent the audit trail from being written.
	ctx = context.WithoutCancel(ctx)

	if s.activity != nil {
		entityID := req.SubmissionID
		if err := s.activity.Record(ctx, ActivityEntry{
			ActorID:    req.Actor.ID,
			ActorRole:  req.Actor.Role,
			Action:     action,
			EntityType: "submission",
			EntityID:   &entityID,
			Metadata:   metadata,
		}); err != nil {
			s.logger.Warn().Err(err).Uint("submission_id", req.SubmissionID).Msg("failed to record grading activity")
		}
	}
	if s.events != nil {
		s.events.Publish(ctx, event)
	}
}

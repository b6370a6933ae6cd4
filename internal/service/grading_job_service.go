package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

const defaultJobQueueSize = 64

var (
	// ErrGradingJobNotFound indicates the job id is unknown.
	ErrGradingJobNotFound = errors.New("grading job not found")
	// ErrGradingJobActive indicates the submission already has a queued or running job.
	ErrGradingJobActive = errors.New("submission already has an active grading job")
	// ErrGradingJobFinished indicates the job already reached a terminal state.
	ErrGradingJobFinished = errors.New("grading job already finished")
	// ErrGradingQueueFull indicates the worker queue cannot accept more jobs.
	ErrGradingQueueFull = errors.New("grading queue is full")
)

// GradingJobService runs auto-grading in the background with a bounded worker pool.
type GradingJobService interface {
	Enqueue(ctx context.Context, submissionID uint, actor ActivityActor) (dto.GradingJobResponse, error)
	Get(ctx context.Context, id string) (dto.GradingJobResponse, error)
	Cancel(ctx context.Context, id string) (dto.GradingJobResponse, error)
	Start(ctx context.Context)
	Wait()
}

// GradingJobConfig sizes the worker pool.
type GradingJobConfig struct {
	Workers   int
	QueueSize int
}

type queuedJob struct {
	id            string
	submissionID  uint
	actor         ActivityActor
	correlationID string
}

type gradingJobService struct {
	jobs        repository.GradingJobRepository
	submissions repository.SubmissionRepository
	grader      AutogradeService
	workers     int
	queue       chan queuedJob
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewGradingJobService constructs the background grading service. Call Start to launch workers.
func NewGradingJobService(jobs repository.GradingJobRepository, submissions repository.SubmissionRepository, grader AutogradeService, cfg GradingJobConfig, logger zerolog.Logger) GradingJobService {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultJobQueueSize
	}
	return &gradingJobService{
		jobs:        jobs,
		submissions: submissions,
		grader:      grader,
		workers:     cfg.Workers,
		queue:       make(chan queuedJob, cfg.QueueSize),
		logger:      logger.With().Str("component", "grading_job_service").Logger(),
		now:         time.Now,
		running:     make(map[string]context.CancelFunc),
	}
}

func (s *gradingJobService) Enqueue(ctx context.Context, submissionID uint, actor ActivityActor) (dto.GradingJobResponse, error) {
	if _, err := s.submissions.GetByID(ctx, submissionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingJobResponse{}, ErrSubmissionNotFound
		}
		return dto.GradingJobResponse{}, err
	}

	if active, err := s.jobs.FindActiveBySubmission(ctx, submissionID); err == nil {
		return dto.NewGradingJobResponse(active), ErrGradingJobActive
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.GradingJobResponse{}, err
	}

	job := models.GradingJob{
		SubmissionID: submissionID,
		RequestedBy:  actor.ID,
		Status:       models.GradingJobQueued,
	}
	if err := s.jobs.Create(ctx, &job); err != nil {
		// A concurrent enqueue claimed the active-job index first.
		if active, findErr := s.jobs.FindActiveBySubmission(ctx, submissionID); findErr == nil {
			return dto.NewGradingJobResponse(active), ErrGradingJobActive
		}
		return dto.GradingJobResponse{}, err
	}

	select {
	case s.queue <- queuedJob{id: job.ID, submissionID: submissionID, actor: actor, correlationID: middleware.CorrelationIDFromContext(ctx)}:
	default:
		finished := s.now().UTC()
		job.Status = models.GradingJobFailed
		job.Reason = ErrGradingQueueFull.Error()
		job.FinishedAt = &finished
		if _, err := s.jobs.Finish(context.WithoutCancel(ctx), &job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to reject job on full queue")
		}
		return dto.GradingJobResponse{}, ErrGradingQueueFull
	}

	s.logger.Info().Str("job_id", job.ID).Uint("submission_id", submissionID).Msg("grading job queued")
	return dto.NewGradingJobResponse(job), nil
}

func (s *gradingJobService) Get(ctx context.Context, id string) (dto.GradingJobResponse, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingJobResponse{}, ErrGradingJobNotFound
		}
		return dto.GradingJobResponse{}, err
	}
	return dto.NewGradingJobResponse(job), nil
}

// Cancel stops a queued job immediately. A running job is signalled and reaches the cancelled
// state at the pipeline's next stage or trait boundary.
func (s *gradingJobService) Cancel(ctx context.Context, id string) (dto.GradingJobResponse, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingJobResponse{}, ErrGradingJobNotFound
		}
		return dto.GradingJobResponse{}, err
	}
	if job.Status.Terminal() {
		return dto.NewGradingJobResponse(job), ErrGradingJobFinished
	}

	cancelled, err := s.jobs.CancelQueued(ctx, id, s.now().UTC())
	if err != nil {
		return dto.GradingJobResponse{}, err
	}
	if !cancelled {
		s.mu.Lock()
		cancel, ok := s.running[id]
		s.mu.Unlock()
		if ok {
			cancel()
			s.logger.Info().Str("job_id", id).Msg("cancellation requested for running grading job")
		}
	}

	return s.Get(ctx, id)
}

// Start recovers jobs left over from a previous process and launches the workers. Workers
// exit when ctx is done.
func (s *gradingJobService) Start(ctx context.Context) {
	s.recoverJobs(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func(worker int) {
			defer s.wg.Done()
			s.work(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (s *gradingJobService) Wait() {
	s.wg.Wait()
}

func (s *gradingJobService) recoverJobs(ctx context.Context) {
	stale, err := s.jobs.ListByStatus(ctx, models.GradingJobRunning)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list interrupted grading jobs")
	}
	for i := range stale {
		finished := s.now().UTC()
		stale[i].Status = models.GradingJobFailed
		stale[i].Reason = "interrupted by service restart"
		stale[i].FinishedAt = &finished
		if _, err := s.jobs.Finish(ctx, &stale[i]); err != nil {
			s.logger.Error().Err(err).Str("job_id", stale[i].ID).Msg("failed to close interrupted grading job")
		}
	}

	queued, err := s.jobs.ListByStatus(ctx, models.GradingJobQueued)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list queued grading jobs")
		return
	}
	for _, job := range queued {
		select {
		case s.queue <- queuedJob{id: job.ID, submissionID: job.SubmissionID, actor: ActivityActor{ID: job.RequestedBy}}:
		default:
			s.logger.Warn().Str("job_id", job.ID).Msg("queue full while recovering grading jobs")
			return
		}
	}
	if len(queued) > 0 || len(stale) > 0 {
		s.logger.Info().Int("requeued", len(queued)).Int("interrupted", len(stale)).Msg("grading jobs recovered")
	}
}

func (s *gradingJobService) work(ctx context.Context, worker int) {
	logger := s.logger.With().Int("worker", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.process(ctx, job, logger)
		}
	}
}

func (s *gradingJobService) process(parent context.Context, queued queuedJob, logger zerolog.Logger) {
	// Register before claiming so a cancel arriving right after the claim is not lost.
	ctx, cancel := context.WithCancel(middleware.ContextWithCorrelation(parent, queued.correlationID))
	s.mu.Lock()
	s.running[queued.id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, queued.id)
		s.mu.Unlock()
		cancel()
	}()

	claimed, err := s.jobs.MarkRunning(parent, queued.id, s.now().UTC())
	if err != nil {
		logger.Error().Err(err).Str("job_id", queued.id).Msg("failed to claim grading job")
		return
	}
	if !claimed {
		logger.Debug().Str("job_id", queued.id).Msg("grading job no longer queued")
		return
	}

	observability.JobsInFlight().Inc()
	defer observability.JobsInFlight().Dec()

	job := models.GradingJob{ID: queued.id, SubmissionID: queued.submissionID}
	result, runErr := s.runSafely(ctx, GradeRequest{SubmissionID: queued.submissionID, Actor: queued.actor, JobID: queued.id})

	finished := s.now().UTC()
	job.FinishedAt = &finished
	switch {
	case runErr == nil:
		grade := result.AIGrade
		job.Status = models.GradingJobSucceeded
		job.Grade = &grade
		job.SetAudit(result.Audit)
	case !errors.Is(runErr, grading.ErrLockLost) && (errors.Is(runErr, grading.ErrCancelled) || errors.Is(runErr, context.Canceled)):
		job.Status = models.GradingJobCancelled
		job.Reason = runErr.Error()
		if stage, ok := grading.FailedStage(runErr); ok {
			job.FailedStage = string(stage)
		}
	default:
		job.Status = models.GradingJobFailed
		job.Reason = runErr.Error()
		if stage, ok := grading.FailedStage(runErr); ok {
			job.FailedStage = string(stage)
		}
	}

	if _, err := s.jobs.Finish(context.WithoutCancel(parent), &job); err != nil {
		logger.Error().Err(err).Str("job_id", queued.id).Msg("failed to store grading job result")
		return
	}

	logger.Info().
		Str("job_id", queued.id).
		Uint("submission_id", queued.submissionID).
		Str("status", string(job.Status)).
		Str("failed_stage", job.FailedStage).
		Msg("grading job finished")
}

func (s *gradingJobService) runSafely(ctx context.Context, req GradeRequest) (response dto.AutogradeResponse, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("grading job panicked: %v", recovered)
		}
	}()
	return s.grader.Grade(ctx, req)
}

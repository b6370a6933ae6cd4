package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

var activeJobStatuses = []models.GradingJobStatus{models.GradingJobQueued, models.GradingJobRunning}

// GradingJobRepository persists background grading job records.
type GradingJobRepository interface {
	Create(ctx context.Context, job *models.GradingJob) error
	GetByID(ctx context.Context, id string) (models.GradingJob, error)
	FindActiveBySubmission(ctx context.Context, submissionID uint) (models.GradingJob, error)
	ListByStatus(ctx context.Context, statuses ...models.GradingJobStatus) ([]models.GradingJob, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	Finish(ctx context.Context, job *models.GradingJob) (bool, error)
	CancelQueued(ctx context.Context, id string, at time.Time) (bool, error)
}

type gradingJobRepository struct {
	db *gorm.DB
}

// NewGradingJobRepository constructs the grading job repository.
func NewGradingJobRepository(db *gorm.DB) GradingJobRepository {
	return &gradingJobRepository{db: db}
}

func (r *gradingJobRepository) Create(ctx context.Context, job *models.GradingJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gradingJobRepository) GetByID(ctx context.Context, id string) (models.GradingJob, error) {
	var job models.GradingJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return models.GradingJob{}, err
	}
	return job, nil
}

func (r *gradingJobRepository) FindActiveBySubmission(ctx context.Context, submissionID uint) (models.GradingJob, error) {
	var job models.GradingJob
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Where("status IN ?", activeJobStatuses).
		Order("created_at DESC").
		First(&job).Error; err != nil {
		return models.GradingJob{}, err
	}
	return job, nil
}

func (r *gradingJobRepository) ListByStatus(ctx context.Context, statuses ...models.GradingJobStatus) ([]models.GradingJob, error) {
	var jobs []models.GradingJob
	if err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkRunning moves a queued job to running. It reports false when the job was no longer queued.
func (r *gradingJobRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GradingJob{}).
		Where("id = ? AND status = ?", id, models.GradingJobQueued).
		Updates(map[string]interface{}{
			"status":     models.GradingJobRunning,
			"started_at": &startedAt,
		})
	return result.RowsAffected > 0, result.Error
}

// Finish stores the terminal state of an active job. Jobs already terminal are left alone.
func (r *gradingJobRepository) Finish(ctx context.Context, job *models.GradingJob) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GradingJob{}).
		Where("id = ? AND status IN ?", job.ID, activeJobStatuses).
		Updates(map[string]interface{}{
			"status":       job.Status,
			"failed_stage": job.FailedStage,
			"reason":       job.Reason,
			"grade":        job.Grade,
			"audit":        job.Audit,
			"finished_at":  job.FinishedAt,
		})
	return result.RowsAffected > 0, result.Error
}

// CancelQueued cancels a job that no worker has picked up yet.
func (r *gradingJobRepository) CancelQueued(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GradingJob{}).
		Where("id = ? AND status = ?", id, models.GradingJobQueued).
		Updates(map[string]interface{}{
			"status":      models.GradingJobCancelled,
			"reason":      "cancelled before start",
			"finished_at": &at,
		})
	return result.RowsAffected > 0, result.Error
}

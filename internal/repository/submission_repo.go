package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// AIGradeUpdate carries the fields an auto-grading run writes back to a submission.
type AIGradeUpdate struct {
	Grade    float64
	Feedback string
	GradedAt time.Time
}

// SubmissionRepository defines data operations for submissions.
type SubmissionRepository interface {
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	Create(ctx context.Context, submission *models.Submission) error
	SaveAIGrade(ctx context.Context, id uint, update AIGradeUpdate) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).
		Preload("Assignment").
		Preload("Student").
		First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

// SaveAIGrade writes grade, flag and feedback in one UPDATE statement.
func (r *submissionRepository) SaveAIGrade(ctx context.Context, id uint, update AIGradeUpdate) error {
	gradedAt := update.GradedAt
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"ai_grade":     update.Grade,
			"graded_by_ai": true,
			"feedback":     update.Feedback,
			"status":       models.SubmissionStatusGraded,
			"graded_at":    &gradedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Student{},
		&models.Assignment{},
		&models.Submission{},
		&models.GradingJob{},
		&models.ActivityLog{},
	))
	return db
}

func seedSubmission(t *testing.T, db *gorm.DB) models.Submission {
	t.Helper()
	student := models.Student{Name: "Alice Johnson", Email: "alice@example.com"}
	require.NoError(t, db.Create(&student).Error)
	assignment := models.Assignment{Title: "Persuasive essay", DueDate: time.Now().Add(24 * time.Hour), RubricPath: "/data/rubric.pdf"}
	require.NoError(t, db.Create(&assignment).Error)
	submission := models.Submission{
		AssignmentID: assignment.ID,
		StudentID:    student.ID,
		EssayPath:    "/data/essay.pdf",
		Status:       models.SubmissionStatusSubmitted,
	}
	require.NoError(t, db.Create(&submission).Error)
	return submission
}

func TestSubmissionRepositoryLoadsRubricPath(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	seeded := seedSubmission(t, db)

	submission, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, "/data/essay.pdf", submission.EssayPath)
	require.Equal(t, "/data/rubric.pdf", submission.RubricPath())
	require.Equal(t, "Alice Johnson", submission.Student.Name)
	require.Nil(t, submission.AIGrade)
	require.False(t, submission.GradedByAI)

	_, err = repo.GetByID(context.Background(), seeded.ID+100)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSubmissionRepositorySaveAIGrade(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	seeded := seedSubmission(t, db)

	gradedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.SaveAIGrade(context.Background(), seeded.ID, AIGradeUpdate{
		Grade:    83.3,
		Feedback: "Overall AI Grade: 83.3/100",
		GradedAt: gradedAt,
	}))

	submission, err := repo.GetByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.NotNil(t, submission.AIGrade)
	require.Equal(t, 83.3, *submission.AIGrade)
	require.True(t, submission.GradedByAI)
	require.Equal(t, models.SubmissionStatusGraded, submission.Status)
	require.Equal(t, "Overall AI Grade: 83.3/100", submission.Feedback)
	require.NotNil(t, submission.GradedAt)

	err = repo.SaveAIGrade(context.Background(), seeded.ID+100, AIGradeUpdate{Grade: 1})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestGradingJobRepositoryLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGradingJobRepository(db)
	ctx := context.Background()

	job := models.GradingJob{SubmissionID: 5, RequestedBy: 1}
	require.NoError(t, repo.Create(ctx, &job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.GradingJobQueued, job.Status)

	active, err := repo.FindActiveBySubmission(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, job.ID, active.ID)

	claimed, err := repo.MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.False(t, claimed, "a running job cannot be claimed twice")

	grade := 75.0
	finished := time.Now()
	job.Status = models.GradingJobSucceeded
	job.Grade = &grade
	job.FinishedAt = &finished
	job.SetAudit([]map[string]string{{"trait": "Style", "outcome": "incomplete"}})
	updated, err := repo.Finish(ctx, &job)
	require.NoError(t, err)
	require.True(t, updated)

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.GradingJobSucceeded, stored.Status)
	require.Equal(t, 75.0, *stored.Grade)
	require.JSONEq(t, `[{"trait":"Style","outcome":"incomplete"}]`, string(stored.Audit))

	job.Status = models.GradingJobFailed
	updated, err = repo.Finish(ctx, &job)
	require.NoError(t, err)
	require.False(t, updated, "terminal jobs are immutable")

	_, err = repo.FindActiveBySubmission(ctx, 5)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestGradingJobRepositoryAllowsOneActiveJobPerSubmission(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGradingJobRepository(db)
	ctx := context.Background()

	first := models.GradingJob{SubmissionID: 8}
	require.NoError(t, repo.Create(ctx, &first))

	duplicate := models.GradingJob{SubmissionID: 8}
	require.Error(t, repo.Create(ctx, &duplicate))

	other := models.GradingJob{SubmissionID: 9}
	require.NoError(t, repo.Create(ctx, &other))

	finished := time.Now()
	first.Status = models.GradingJobFailed
	first.FinishedAt = &finished
	updated, err := repo.Finish(ctx, &first)
	require.NoError(t, err)
	require.True(t, updated)

	retry := models.GradingJob{SubmissionID: 8}
	require.NoError(t, repo.Create(ctx, &retry))
}

func TestGradingJobRepositoryCancelQueued(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGradingJobRepository(db)
	ctx := context.Background()

	queued := models.GradingJob{SubmissionID: 1}
	running := models.GradingJob{SubmissionID: 2}
	require.NoError(t, repo.Create(ctx, &queued))
	require.NoError(t, repo.Create(ctx, &running))
	_, err := repo.MarkRunning(ctx, running.ID, time.Now())
	require.NoError(t, err)

	cancelled, err := repo.CancelQueued(ctx, queued.ID, time.Now())
	require.NoError(t, err)
	require.True(t, cancelled)

	cancelled, err = repo.CancelQueued(ctx, running.ID, time.Now())
	require.NoError(t, err)
	require.False(t, cancelled)

	jobs, err := repo.ListByStatus(ctx, models.GradingJobRunning)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, running.ID, jobs[0].ID)
}

func TestActivityLogRepositoryListForEntity(t *testing.T) {
	db := setupTestDB(t)
	repo := NewActivityLogRepository(db)
	ctx := context.Background()

	submissionID := uint(9)
	otherID := uint(10)
	require.NoError(t, repo.Create(ctx, &models.ActivityLog{ActorID: 1, ActorRole: "teacher", Action: "submission.autograded", EntityType: "submission", EntityID: &submissionID}))
	require.NoError(t, repo.Create(ctx, &models.ActivityLog{ActorID: 1, ActorRole: "teacher", Action: "submission.autograde_failed", EntityType: "submission", EntityID: &submissionID}))
	require.NoError(t, repo.Create(ctx, &models.ActivityLog{ActorID: 1, ActorRole: "teacher", Action: "submission.autograded", EntityType: "submission", EntityID: &otherID}))

	entries, err := repo.ListForEntity(ctx, "submission", submissionID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "submission.autograde_failed", entries[0].Action)
}

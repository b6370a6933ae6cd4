package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
)

// TraitScoreResponse describes one reconciled trait in an auto-grading result.
type TraitScoreResponse struct {
	Trait    string   `json:"trait"`
	Score    *int     `json:"score"`
	Percent  *float64 `json:"percent"`
	Outcome  string   `json:"outcome"`
	Feedback string   `json:"feedback"`
	Note     string   `json:"note"`
}

// AuditEntryResponse describes a trait the pipeline skipped or could not combine.
type AuditEntryResponse struct {
	Trait   string `json:"trait"`
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

// AutogradeResponse is returned after a synchronous auto-grading run.
type AutogradeResponse struct {
	SubmissionID uint                 `json:"submission_id"`
	AIGrade      float64              `json:"ai_grade"`
	GradedByAI   bool                 `json:"graded_by_ai"`
	Feedback     string               `json:"feedback"`
	Traits       []TraitScoreResponse `json:"traits"`
	Audit        []AuditEntryResponse `json:"audit"`
	GradedAt     time.Time            `json:"graded_at"`
}

// GradingJobResponse describes a background grading job.
type GradingJobResponse struct {
	ID           string               `json:"id"`
	SubmissionID uint                 `json:"submission_id"`
	Status       string               `json:"status"`
	FailedStage  string               `json:"failed_stage,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Grade        *float64             `json:"grade"`
	Audit        []AuditEntryResponse `json:"audit"`
	StartedAt    *time.Time           `json:"started_at"`
	FinishedAt   *time.Time           `json:"finished_at"`
	CreatedAt    time.Time            `json:"created_at"`
}

// NewAutogradeResponse maps a pipeline result onto the API representation.
func NewAutogradeResponse(submissionID uint, result grading.Result, gradedAt time.Time) AutogradeResponse {
	traits := make([]TraitScoreResponse, 0, len(result.Scores))
	for _, score := range result.Scores {
		traits = append(traits, TraitScoreResponse{
			Trait:    score.Trait,
			Score:    score.Score,
			Percent:  score.Percent,
			Outcome:  string(score.Outcome),
			Feedback: grading.SanitizeFeedback(score.StudentFeedback),
			Note:     score.InternalNote,
		})
	}

	return AutogradeResponse{
		SubmissionID: submissionID,
		AIGrade:      result.Grade,
		GradedByAI:   true,
		Feedback:     result.Feedback,
		Traits:       traits,
		Audit:        NewAuditEntryResponses(result.Audit),
		GradedAt:     gradedAt,
	}
}

// NewAuditEntryResponses converts pipeline audit entries.
func NewAuditEntryResponses(entries []grading.AuditEntry) []AuditEntryResponse {
	responses := make([]AuditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, AuditEntryResponse{
			Trait:   entry.Trait,
			Outcome: string(entry.Outcome),
			Note:    entry.Note,
		})
	}
	return responses
}

// NewGradingJobResponse converts a job model to its API representation.
func NewGradingJobResponse(job models.GradingJob) GradingJobResponse {
	return GradingJobResponse{
		ID:           job.ID,
		SubmissionID: job.SubmissionID,
		Status:       string(job.Status),
		FailedStage:  job.FailedStage,
		Reason:       job.Reason,
		Grade:        job.Grade,
		Audit:        decodeJobAudit(job),
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		CreatedAt:    job.CreatedAt,
	}
}

func decodeJobAudit(job models.GradingJob) []AuditEntryResponse {
	entries := []AuditEntryResponse{}
	if len(job.Audit) == 0 {
		return entries
	}
	if err := json.Unmarshal(job.Audit, &entries); err != nil {
		return []AuditEntryResponse{}
	}
	return entries
}

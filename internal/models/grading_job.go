package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GradingJobStatus enumerates the lifecycle of a background grading run.
type GradingJobStatus string

const (
	GradingJobQueued    GradingJobStatus = "queued"
	GradingJobRunning   GradingJobStatus = "running"
	GradingJobSucceeded GradingJobStatus = "succeeded"
	GradingJobFailed    GradingJobStatus = "failed"
	GradingJobCancelled GradingJobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s GradingJobStatus) Terminal() bool {
	switch s {
	case GradingJobSucceeded, GradingJobFailed, GradingJobCancelled:
		return true
	}
	return false
}

// GradingJob records a background auto-grading run. The grade of record lives on the
// submission; the job only mirrors it for status polling. At most one queued or running job
// exists per submission.
type GradingJob struct {
	ID           string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	SubmissionID uint             `gorm:"not null;index;uniqueIndex:idx_grading_jobs_active_submission,where:status = 'queued' OR status = 'running'" json:"submission_id"`
	RequestedBy  uint             `json:"requested_by"`
	Status       GradingJobStatus `gorm:"size:16;not null;index" json:"status"`
	FailedStage  string           `gorm:"size:32" json:"failed_stage,omitempty"`
	Reason       string           `gorm:"type:text" json:"reason,omitempty"`
	Grade        *float64         `json:"grade"`
	Audit        datatypes.JSON   `gorm:"type:json" json:"-"`
	StartedAt    *time.Time       `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// BeforeCreate assigns a uuid when the caller did not.
func (j *GradingJob) BeforeCreate(*gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = GradingJobQueued
	}
	return nil
}

// SetAudit serializes the per-trait audit entries into the JSON column.
func (j *GradingJob) SetAudit(entries interface{}) {
	data, err := json.Marshal(entries)
	if err != nil {
		j.Audit = datatypes.JSON([]byte("[]"))
		return
	}
	j.Audit = datatypes.JSON(data)
}

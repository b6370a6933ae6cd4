package models

import "time"

// Submission represents an essay submitted by a student for an assignment.
type Submission struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AssignmentID uint       `gorm:"not null;index" json:"assignment_id"`
	StudentID    uint       `gorm:"not null;index" json:"student_id"`
	EssayPath    string     `gorm:"size:512;not null" json:"essay_path"`
	Status       string     `gorm:"size:32;not null" json:"status"`
	AIGrade      *float64   `gorm:"column:ai_grade" json:"ai_grade"`
	GradedByAI   bool       `gorm:"column:graded_by_ai;not null;default:false" json:"graded_by_ai"`
	Feedback     string     `gorm:"type:text" json:"feedback"`
	GradedAt     *time.Time `json:"graded_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Assignment   Assignment `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"assignment"`
	Student      Student    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"student"`
}

const (
	// SubmissionStatusSubmitted indicates the submission has been uploaded but not graded.
	SubmissionStatusSubmitted = "submitted"
	// SubmissionStatusGraded indicates the submission has been evaluated.
	SubmissionStatusGraded = "graded"
)

// RubricPath is the rubric document of the owning assignment.
func (s Submission) RubricPath() string {
	return s.Assignment.RubricPath
}

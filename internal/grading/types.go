// Package grading implements the essay auto-grading pipeline: extraction, trait parsing, primary
// and secondary scoring, reconciliation, aggregation and feedback composition.
package grading

import (
	"github.com/noah-isme/gema-grader/pkg/collaborator"
)

// MaxTraitScore is the top of the 0-3 scale shared by both scorers.
const MaxTraitScore = 3.0

// Trait is a rubric criterion as returned by the trait parsing service.
type Trait = collaborator.Trait

// PrimaryScore is the raw score the primary scoring service assigned to a trait.
type PrimaryScore = collaborator.PrimaryScore

// SecondaryScore is the reasoning model's verdict for one trait. A nil Score is a parse miss.
type SecondaryScore struct {
	Trait    string
	Score    *int
	Feedback string
}

// Outcome labels how a trait's final score was reached.
type Outcome string

const (
	OutcomeAgreement  Outcome = "agreement"
	OutcomeAveraged   Outcome = "averaged"
	OutcomeOverridden Outcome = "overridden"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeSkipped    Outcome = "skipped"
)

// CombinedScore is the reconciled result for one trait. Score and Percent are nil when the trait
// could not be combined; such entries are excluded from the grade but kept for the audit trail.
type CombinedScore struct {
	Trait           string   `json:"trait"`
	Score           *int     `json:"score"`
	Percent         *float64 `json:"percent"`
	InternalNote    string   `json:"internal_note"`
	StudentFeedback string   `json:"student_feedback"`
	Outcome         Outcome  `json:"outcome"`
}

// Combined reports whether the trait contributes to the grade.
func (c CombinedScore) Combined() bool {
	return c.Score != nil
}

// AuditEntry records a trait the per-trait loop skipped or could not combine.
type AuditEntry struct {
	Trait   string  `json:"trait"`
	Outcome Outcome `json:"outcome"`
	Note    string  `json:"note"`
}

// Input identifies the documents to grade.
type Input struct {
	SubmissionID string
	EssayPath    string
	RubricPath   string
}

// Result is the outcome of a successful pipeline run.
type Result struct {
	SubmissionID string
	Traits       []Trait
	Scores       []CombinedScore
	Audit        []AuditEntry
	Grade        float64
	Feedback     string
}

// CombinedCount returns how many traits contributed to the grade.
func (r Result) CombinedCount() int {
	count := 0
	for _, score := range r.Scores {
		if score.Combined() {
			count++
		}
	}
	return count
}

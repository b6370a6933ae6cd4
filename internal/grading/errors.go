package grading

import (
	"errors"
	"fmt"
)

// Stage names a step of the pipeline state machine.
type Stage string

const (
	StageConfigure      Stage = "configure"
	StageExtractEssay   Stage = "extract_essay"
	StageExtractRubric  Stage = "extract_rubric"
	StageParseTraits    Stage = "parse_traits"
	StagePrimaryScore   Stage = "primary_score"
	StageSecondaryScore Stage = "secondary_score"
	StageAggregate      Stage = "aggregate"
	StageCompose        Stage = "compose"
)

var (
	// ErrExtraction covers missing files, transport errors and empty text from the extraction service.
	ErrExtraction = errors.New("extraction failed")
	// ErrTraitParsing indicates the rubric could not be turned into traits.
	ErrTraitParsing = errors.New("trait parsing failed")
	// ErrPrimaryScoring indicates the primary scorer returned nothing usable.
	ErrPrimaryScoring = errors.New("primary scoring failed")
	// ErrSecondaryScoring marks a per-trait reasoning model failure. It never aborts a run.
	ErrSecondaryScoring = errors.New("secondary scoring failed")
	// ErrReconciliationSkipped marks a primary-scored trait with no rubric definition.
	ErrReconciliationSkipped = errors.New("reconciliation skipped")
	// ErrAggregation indicates no trait could be combined, so no grade exists.
	ErrAggregation = errors.New("no traits could be combined")
	// ErrConfiguration indicates the pipeline is missing a required collaborator or credential.
	ErrConfiguration = errors.New("grading pipeline misconfigured")
	// ErrCancelled indicates the run was cancelled between stages.
	ErrCancelled = errors.New("grading run cancelled")
	// ErrSubmissionBusy indicates another run holds the submission.
	ErrSubmissionBusy = errors.New("submission is already being graded")
	// ErrLockLost indicates the submission lock expired or was taken over while a run held it.
	ErrLockLost = errors.New("grading lock lost")
)

// StageError reports the stage at which a run failed, the failure category and the cause.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the category and the underlying cause to errors.Is and errors.As.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stageError(stage Stage, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// FailedStage returns the stage recorded on err, if any.
func FailedStage(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrGeneration      = errors.New("generation failed")
	ErrTimeout         = errors.New("job timed out")
	ErrQualityRejected = errors.New("quality rejected")
	ErrStopped         = errors.New("job stopped")
)

// AuthorizationError is returned when a caller is not allowed to trigger work
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// ValidationError reports a missing or unusable input, such as an inactive project
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError is returned when a project already has an active job
type ConflictError struct {
	ProjectID string
	JobID     string
}

func (e *ConflictError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("project %s already has an active job", e.ProjectID)
	}
	return fmt.Sprintf("project %s already has an active job %s", e.ProjectID, e.JobID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// GenerationError wraps a backend failure or an exhausted retry budget
type GenerationError struct {
	Stage   string
	Attempt int
	Cause   error
}

func (e *GenerationError) Error() string {
	msg := "generation failed during " + e.Stage
	if e.Attempt > 0 {
		msg += fmt.Sprintf(" (attempt %d)", e.Attempt)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Cause }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// TimeoutError is recorded by the watchdog on abandoned jobs
type TimeoutError struct {
	JobID string
	Idle  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s had no progress for %s", e.JobID, e.Idle.Truncate(time.Second))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// QualityRejection is raised when no draft reaches the acceptance threshold
// within the attempt budget
type QualityRejection struct {
	Attempts   int
	BestScore  float64
	Threshold  float64
	Violations []Violation
}

func (e *QualityRejection) Error() string {
	return fmt.Sprintf("no draft accepted after %d attempts (best score %.1f, threshold %.1f, %d violations)",
		e.Attempts, e.BestScore, e.Threshold, len(e.Violations))
}

func (e *QualityRejection) Is(target error) bool { return target == ErrQualityRejected }

// Error codes written into Job.ErrorMessage and returned by triggers
const (
	CodeUnauthorized    = "unauthorized"
	CodeValidation      = "validation"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeTimeout         = "timeout"
	CodeQualityRejected = "quality_rejected"
	CodeGeneration      = "generation"
	CodeStopped         = "stopped"
	CodeInternal        = "internal"
)

// ErrorCode classifies err into a stable machine-usable code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrQualityRejected):
		return CodeQualityRejected
	case errors.Is(err, ErrGeneration):
		return CodeGeneration
	case errors.Is(err, ErrStopped):
		return CodeStopped
	default:
		return CodeInternal
	}
}

// JobErrorMessage formats err as "<code>: <detail>" for Job.ErrorMessage
func JobErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return ErrorCode(err) + ": " + err.Error()
}

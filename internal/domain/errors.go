package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrEmptyURL        = fmt.Errorf("%w: url is required", ErrValidation)
	ErrInvalidURL      = fmt.Errorf("%w: invalid URL", ErrValidation)
	ErrInvalidStatus   = fmt.Errorf("%w: unknown status", ErrValidation)
	ErrInvalidOffset   = fmt.Errorf("%w: offset must not be negative", ErrValidation)
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrSystem          = errors.New("internal error")
)

// ErrInvalidTransition marks a status write that skips or reverses a stage.
var ErrInvalidTransition = errors.New("invalid status transition")

// RecoveredMessage is the error recorded on jobs interrupted by a restart.
const RecoveredMessage = "interrupted by restart"

// StageError is a failure reported by a stage executor.
type StageError struct {
	Stage   JobStatus
	Message string
	Err     error
}

// NewStageError wraps err with a human-readable message.
func NewStageError(stage JobStatus, message string, err error) *StageError {
	return &StageError{Stage: stage, Message: message, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage.Stage(), e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage.Stage(), e.Message, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailureMessage returns the text stored as a job's error message.
func FailureMessage(err error) string {
	var se *StageError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

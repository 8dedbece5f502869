package harvest

import (
	"context"
	"errors"
	"fmt"
)

// Sentinels for the failure taxonomy. Typed errors below unwrap to them.
var (
	ErrNavigation          = errors.New("navigation failed")
	ErrValidationRejection = errors.New("query rejected by source")
	ErrSessionLost         = errors.New("driver session lost")
	ErrRecoverableIO       = errors.New("persisted state unreadable")
	ErrRetrieval           = errors.New("document retrieval failed")
	ErrStalePage           = errors.New("page content did not change")
	ErrRetriesExhausted    = errors.New("retries exhausted")
)

// NavigationError is a transient page-transition failure.
type NavigationError struct {
	Page int
	Op   string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation %s (page %d): %v", e.Op, e.Page, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *NavigationError) Unwrap() []error {
	return []error{ErrNavigation, e.Err}
}

// ValidationRejection is returned when the source refuses the query itself.
type ValidationRejection struct {
	Task    SearchTask
	Message string
}

func (e *ValidationRejection) Error() string {
	return fmt.Sprintf("search %s rejected: %s", e.Task, e.Message)
}

// Unwrap returns ErrValidationRejection.
func (e *ValidationRejection) Unwrap() error {
	return ErrValidationRejection
}

// RecoverableIOError reports a partition whose persisted state cannot be read.
type RecoverableIOError struct {
	Partition PartitionKey
	Path      string
	Err       error
}

func (e *RecoverableIOError) Error() string {
	return fmt.Sprintf("partition %s unreadable at %s: %v", e.Partition, e.Path, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *RecoverableIOError) Unwrap() []error {
	return []error{ErrRecoverableIO, e.Err}
}

// RetrievalError reports a failed document download.
type RetrievalError struct {
	URL string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve %s: %v", e.URL, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *RetrievalError) Unwrap() []error {
	return []error{ErrRetrieval, e.Err}
}

// SessionFailure wraps err so it matches ErrSessionLost.
func SessionFailure(err error) error {
	if err == nil {
		return ErrSessionLost
	}
	if errors.Is(err, ErrSessionLost) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSessionLost, err)
}

// FailureKind is the coarse class of a task failure.
type FailureKind string

// Failure kinds reported per task.
const (
	FailureNone       FailureKind = ""
	FailureNavigation FailureKind = "navigation"
	FailureValidation FailureKind = "validation_rejection"
	FailureSession    FailureKind = "session"
	FailureIO         FailureKind = "io"
	FailureCanceled   FailureKind = "canceled"
	FailureOther      FailureKind = "other"
)

// Classify maps an error into the failure taxonomy.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrNavigation):
		return FailureCanceled
	case errors.Is(err, ErrValidationRejection):
		return FailureValidation
	case errors.Is(err, ErrSessionLost):
		return FailureSession
	case errors.Is(err, ErrNavigation), errors.Is(err, ErrStalePage):
		return FailureNavigation
	case errors.Is(err, ErrRecoverableIO):
		return FailureIO
	default:
		return FailureOther
	}
}

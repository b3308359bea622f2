// Package errors provides the error taxonomy for the forge pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors. A FAILED run always carries one.
type Kind string

const (
	KindAnalysis          Kind = "analysis"
	KindSelection         Kind = "selection"
	KindGeneration        Kind = "generation"
	KindGenerationTimeout Kind = "generation_timeout"
	KindValidation        Kind = "validation"
	KindCommunication     Kind = "communication"
	KindPermission        Kind = "permission"
	KindInternal          Kind = "internal"
)

// Sentinel errors for common failure modes.
var (
	ErrEmptyProfile      = errors.New("project profile is empty")
	ErrNoViableTemplates = errors.New("no template cleared the inclusion threshold")
	ErrDependencyCycle   = errors.New("template dependency cycle")
	ErrAllTasksFailed    = errors.New("all generation tasks failed")
	ErrCancelled         = errors.New("cancelled")
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrRequiredArtifact  = errors.New("required artifact failed blocking validation")

	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrIDCollision        = errors.New("handoff id collision")
	ErrInvalidParticipant = errors.New("invalid participant id")
	ErrAlreadyConsumed    = errors.New("handoff already consumed")
	ErrHandoffExpired     = errors.New("handoff expired")
	ErrHandoffNotFound    = errors.New("handoff not found")

	ErrTimeout     = errors.New("operation timed out")
	ErrUnavailable = errors.New("service unavailable")
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Analysis wraps err as an AnalysisError.
func Analysis(op string, err error) *Error { return New(KindAnalysis, op, err) }

// Selection wraps err as a SelectionError.
func Selection(op string, err error) *Error { return New(KindSelection, op, err) }

// Generation wraps err as a GenerationError.
func Generation(op string, err error) *Error { return New(KindGeneration, op, err) }

// GenerationTimeout wraps err as a GenerationTimeoutError.
func GenerationTimeout(op string, err error) *Error { return New(KindGenerationTimeout, op, err) }

// Validation wraps err as a ValidationError.
func Validation(op string, err error) *Error { return New(KindValidation, op, err) }

// Communication wraps err as a CommunicationError.
func Communication(op string, err error) *Error { return New(KindCommunication, op, err) }

// Permission wraps err as a PermissionError.
func Permission(op string, err error) *Error { return New(KindPermission, op, err) }

// KindOf returns the outermost classification found in err's chain,
// or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Cause returns the deepest error in err's unwrap chain.
func Cause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

package tool

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a Failure outcome.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation_error"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindTimeout            ErrorKind = "timeout"
	KindTransient          ErrorKind = "transient_error"
	KindInternal           ErrorKind = "internal_error"
	KindNotFound           ErrorKind = "not_found"
	KindNoSourceConfigured ErrorKind = "no_source_configured"
)

// DefaultRetryable reports whether failures of this kind are retryable
// unless the producer says otherwise.
func (k ErrorKind) DefaultRetryable() bool {
	return k == KindTimeout || k == KindTransient
}

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomeNeedsConfirmation
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeNeedsConfirmation:
		return "needs_confirmation"
	default:
		return "unknown"
	}
}

// Outcome is the result of one invocation. It is exactly one of Success,
// Failure or NeedsConfirmation.
type Outcome interface {
	Kind() OutcomeKind
	outcome()
}

// Success carries a handler's output.
type Success struct {
	Output any
}

// Failure carries a classified, human-readable error.
type Failure struct {
	ErrorKind ErrorKind
	Message   string
	Retryable bool
}

// NeedsConfirmation asks the caller to re-issue the same call with confirm=true.
// It is a normal control-flow result, not an error.
type NeedsConfirmation struct {
	Payload ConfirmPayload
}

// ConfirmPayload summarizes a side-effecting call for display to a human.
type ConfirmPayload struct {
	Kind    string         `json:"kind"`
	Title   string         `json:"title"`
	Details map[string]any `json:"details"`
}

func (Success) Kind() OutcomeKind           { return OutcomeSuccess }
func (Failure) Kind() OutcomeKind           { return OutcomeFailure }
func (NeedsConfirmation) Kind() OutcomeKind { return OutcomeNeedsConfirmation }

func (Success) outcome()           {}
func (Failure) outcome()           {}
func (NeedsConfirmation) outcome() {}

func (f Failure) Error() string {
	return string(f.ErrorKind) + ": " + f.Message
}

// Ok wraps output in a Success.
func Ok(output any) Outcome {
	return Success{Output: output}
}

// Fail builds a Failure whose retryable flag follows the kind's default.
func Fail(kind ErrorKind, message string) Outcome {
	return Failure{ErrorKind: kind, Message: message, Retryable: kind.DefaultRetryable()}
}

// Failf is Fail with formatting.
func Failf(kind ErrorKind, format string, args ...any) Outcome {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// classifiedError lets handlers mark a returned error with a failure kind.
type classifiedError struct {
	kind ErrorKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as an upstream/network failure worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindTransient, err: err}
}

// NotFound marks err as referring to an unknown target.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindNotFound, err: err}
}

// FailureFromError normalizes a handler error into a Failure. Unclassified
// errors are internal and not retryable.
func FailureFromError(err error) Failure {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return Failure{ErrorKind: ce.kind, Message: err.Error(), Retryable: ce.kind.DefaultRetryable()}
	}
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	return Failure{ErrorKind: KindInternal, Message: err.Error(), Retryable: false}
}

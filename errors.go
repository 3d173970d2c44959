package stagedflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/stagedflow/retry"
)

// Error kinds recorded on failed instances. Handlers may use any string as a
// kind; these are the ones the engine and the simulated handlers produce.
const (
	// ErrorKindUserRejected indicates the user declined a prompt such as a
	// wallet signature or connection request.
	ErrorKindUserRejected = "user_rejected"

	// ErrorKindNetworkError indicates a transient network or RPC failure.
	ErrorKindNetworkError = "network_error"

	// ErrorKindTimeout indicates a handler gave up waiting, e.g. for block
	// confirmations.
	ErrorKindTimeout = "timeout"

	// ErrorKindInsufficientBalance indicates the account cannot cover the
	// amount or fees of the operation.
	ErrorKindInsufficientBalance = "insufficient_balance"

	// ErrorKindWalletUnavailable indicates no wallet provider is present.
	ErrorKindWalletUnavailable = "wallet_unavailable"

	// ErrorKindCancelledByContext indicates the run context was cancelled
	// while a handler was in flight, typically during shutdown.
	ErrorKindCancelledByContext = "cancelled_by_context"

	// ErrorKindUnknown is used for errors that carry no classification.
	ErrorKindUnknown = "unknown"
)

var (
	// ErrNotFound is returned when an instance id is not known.
	ErrNotFound = errors.New("not found")

	// ErrUnknownHandler is returned when a template step names a handler
	// that is not registered with the runner.
	ErrUnknownHandler = errors.New("unknown step handler")

	// ErrRunnerShuttingDown is returned by Start and Retry after Shutdown.
	ErrRunnerShuttingDown = errors.New("runner is shutting down")

	// ErrDuplicateEntry is returned when a ledger already holds an entry for
	// the instance being appended.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
)

// DuplicateTemplateError is returned when registering a template whose name
// is already taken.
type DuplicateTemplateError struct {
	Name string
}

func (e *DuplicateTemplateError) Error() string {
	return fmt.Sprintf("template %q already registered", e.Name)
}

// UnknownTemplateError is returned when a template name is not registered.
type UnknownTemplateError struct {
	Name string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown template %q", e.Name)
}

// InvalidStateError is returned when an operation is not valid for the
// current status of an instance. The instance is left unchanged.
type InvalidStateError struct {
	InstanceID string
	Operation  string
	Status     Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s instance %s in status %s", e.Operation, e.InstanceID, e.Status)
}

// StepExecutionError represents a classified step handler failure. It is
// always terminal for the instance it occurred in.
type StepExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *StepExecutionError) Unwrap() error {
	return e.Wrapped
}

// NewStepError creates a new StepExecutionError with the given kind and
// message. Handlers return these to control how their failure is reported.
func NewStepError(kind, message string) *StepExecutionError {
	return &StepExecutionError{Kind: kind, Message: message}
}

// PersistenceError wraps a ledger write failure. It never changes the
// terminal status of the instance whose entry could not be written.
type PersistenceError struct {
	InstanceID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist ledger entry for %s: %v", e.InstanceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ClassifyError converts an arbitrary handler error into a StepExecutionError.
func ClassifyError(err error) *StepExecutionError {
	// If the error is already classified, return it
	var stepErr *StepExecutionError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &StepExecutionError{Kind: ErrorKindTimeout, Message: err.Error(), Wrapped: err}
	case errors.Is(err, context.Canceled):
		return &StepExecutionError{Kind: ErrorKindCancelledByContext, Message: err.Error(), Wrapped: err}
	case retry.IsRecoverable(err):
		// Transient failures are reported, not retried
		return &StepExecutionError{Kind: ErrorKindNetworkError, Message: err.Error(), Wrapped: err}
	}
	return &StepExecutionError{Kind: ErrorKindUnknown, Message: err.Error(), Wrapped: err}
}

// ErrorKind returns the kind of a classified error, or ErrorKindUnknown.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	return ClassifyError(err).Kind
}

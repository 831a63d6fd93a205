package runs

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds callers can pattern-match on without enumerating concrete types.
const (
	KindValidation         = "validation"
	KindNotFound           = "not_found"
	KindConflict           = "conflict"
	KindPathTraversal      = "path_traversal"
	KindStorageUnavailable = "storage_unavailable"
	KindTimeout            = "timeout"
	KindGateDenied         = "gate_denied"
	KindNoHandler          = "no_handler"
	KindExhausted          = "exhausted"
	KindRollbackFailed     = "rollback_failed"
)

// kinder is implemented by every error in the taxonomy.
type kinder interface {
	Kind() string
}

// ErrKind returns the taxonomy kind of err, or "" when err carries none.
func ErrKind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool {
	return ErrKind(err) == KindNotFound
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Kind implements the taxonomy.
func (NotFoundError) Kind() string { return KindNotFound }

// ValidationError is returned for bad inputs at the API surface.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind implements the taxonomy.
func (ValidationError) Kind() string { return KindValidation }

// ConflictError is returned for uniqueness violations the caller did not anticipate.
type ConflictError struct {
	Entity string
	Detail string
}

// Error implements the error interface.
func (e ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Detail)
}

// Kind implements the taxonomy.
func (ConflictError) Kind() string { return KindConflict }

// PathTraversalError is returned when a resolved path escapes its allowed root.
type PathTraversalError struct {
	Path string
}

// Error implements the error interface.
func (e PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes the storage root", e.Path)
}

// Kind implements the taxonomy.
func (PathTraversalError) Kind() string { return KindPathTraversal }

// StorageUnavailableError wraps a transient I/O or database failure.
type StorageUnavailableError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying driver error.
func (e StorageUnavailableError) Unwrap() error { return e.Err }

// Kind implements the taxonomy.
func (StorageUnavailableError) Kind() string { return KindStorageUnavailable }

// TimeoutError is returned when a bounded operation exceeds its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

// Error implements the error interface.
func (e TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Kind implements the taxonomy.
func (TimeoutError) Kind() string { return KindTimeout }

// GateDeniedError is returned when a manual approval ends in a non-passing
// terminal state. It is a distinguished outcome, not a generic failure.
type GateDeniedError struct {
	RunID  string
	StepID string
	Status GateStatus
}

// Error implements the error interface.
func (e GateDeniedError) Error() string {
	return fmt.Sprintf("gate for step %q denied with status %q", e.StepID, e.Status)
}

// Kind implements the taxonomy.
func (GateDeniedError) Kind() string { return KindGateDenied }

// NoHandlerError is returned when a step's tool matches no registered handler.
type NoHandlerError struct {
	Tool string
}

// Error implements the error interface.
func (e NoHandlerError) Error() string {
	return fmt.Sprintf("no handler matches tool %q", e.Tool)
}

// Kind implements the taxonomy.
func (NoHandlerError) Kind() string { return KindNoHandler }

// ExhaustedError records that a job's retries ran out and it was diverted
// to the dead-letter queue.
type ExhaustedError struct {
	Topic    string
	Attempts int
}

// Error implements the error interface.
func (e ExhaustedError) Error() string {
	return fmt.Sprintf("job on topic %q exhausted after %d attempts", e.Topic, e.Attempts)
}

// Kind implements the taxonomy.
func (ExhaustedError) Kind() string { return KindExhausted }

// RollbackFailedError is returned when a transaction rollback itself fails.
// The original error stays reachable via Unwrap.
type RollbackFailedError struct {
	Err      error
	Original error
}

// Error implements the error interface.
func (e RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback failed: %v (original error: %v)", e.Err, e.Original)
}

// Unwrap exposes the original error that triggered the rollback.
func (e RollbackFailedError) Unwrap() error { return e.Original }

// Kind implements the taxonomy.
func (RollbackFailedError) Kind() string { return KindRollbackFailed }

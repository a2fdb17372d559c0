// Package apperrors defines the error kinds shared by the permission, membership and
// invite services. Every typed error unwraps to one of the sentinels below so callers can
// branch with errors.Is and render with errors.As.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when an actor lacks the role or scope for a capability
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when a group, membership, actor or invite does not exist
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned for expected business-rule violations
	ErrConflict = errors.New("conflict")

	// ErrCodeGenerationExhausted is returned when invite code generation kept colliding
	ErrCodeGenerationExhausted = errors.New("invite code generation exhausted")

	// ErrStorage is returned when the durable store aborted the operation
	ErrStorage = errors.New("storage failure")
)

// Kind names an error category for transport mapping and metrics
type Kind string

const (
	KindPermissionDenied        Kind = "permission_denied"
	KindNotFound                Kind = "not_found"
	KindValidation              Kind = "validation"
	KindConflict                Kind = "conflict"
	KindCodeGenerationExhausted Kind = "code_generation_exhausted"
	KindStorage                 Kind = "storage"
	KindUnknown                 Kind = "unknown"
)

// ConflictReason distinguishes the expected business-rule failures
type ConflictReason string

const (
	ReasonInviteNotFound   ConflictReason = "invite_not_found"
	ReasonInviteExpired    ConflictReason = "expired"
	ReasonInviteExhausted  ConflictReason = "exhausted"
	ReasonInviteInactive   ConflictReason = "inactive"
	ReasonAlreadyMember    ConflictReason = "already_member"
	ReasonLastOwner        ConflictReason = "last_owner"
	ReasonConcurrentUpdate ConflictReason = "concurrent_update"
	ReasonActorExists      ConflictReason = "actor_exists"
)

// PermissionDeniedError describes a denied capability check
type PermissionDeniedError struct {
	Capability   string
	ActorRole    string // empty when the actor holds no membership
	RequiredRole string // empty for platform-scoped capabilities
	Reason       string
}

func (e *PermissionDeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied for %s: %s", e.Capability, e.Reason)
	}
	return fmt.Sprintf("permission denied for %s", e.Capability)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// NotFoundError identifies the missing entity
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError identifies the offending field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError is an expected, non-alarming business outcome
type ConflictError struct {
	Reason  ConflictReason
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("conflict: %s", e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// CodeGenerationExhaustedError reports how many attempts were made
type CodeGenerationExhaustedError struct {
	Attempts int
}

func (e *CodeGenerationExhaustedError) Error() string {
	return fmt.Sprintf("could not generate a unique invite code after %d attempts", e.Attempts)
}

func (e *CodeGenerationExhaustedError) Unwrap() error { return ErrCodeGenerationExhausted }

// StorageError wraps a driver error. Retryable marks transient failures
// (serialization, deadlock, connectivity, busy database).
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// NewPermissionDenied creates a PermissionDeniedError
func NewPermissionDenied(capability, actorRole, requiredRole, reason string) error {
	return &PermissionDeniedError{
		Capability:   capability,
		ActorRole:    actorRole,
		RequiredRole: requiredRole,
		Reason:       reason,
	}
}

// NewNotFound creates a NotFoundError
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewValidation creates a ValidationError
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NewConflict creates a ConflictError
func NewConflict(reason ConflictReason, message string) error {
	return &ConflictError{Reason: reason, Message: message}
}

// NewStorage wraps err as a StorageError unless it already is one
func NewStorage(op string, err error, retryable bool) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Retryable: retryable, Err: err}
}

// IsPermissionDenied checks if the error is or wraps ErrPermissionDenied
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsNotFound checks if the error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is or wraps ErrValidation
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict checks if the error is or wraps ErrConflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsCodeGenerationExhausted checks if the error is or wraps ErrCodeGenerationExhausted
func IsCodeGenerationExhausted(err error) bool {
	return errors.Is(err, ErrCodeGenerationExhausted)
}

// IsStorage checks if the error is or wraps ErrStorage
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsRetryable reports whether err is a transient storage failure
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable
}

// ConflictReasonOf returns the conflict reason, or "" when err is not a conflict
func ConflictReasonOf(err error) ConflictReason {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// KindOf classifies err
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case IsPermissionDenied(err):
		return KindPermissionDenied
	case IsNotFound(err):
		return KindNotFound
	case IsValidation(err):
		return KindValidation
	case IsConflict(err):
		return KindConflict
	case IsCodeGenerationExhausted(err):
		return KindCodeGenerationExhausted
	case IsStorage(err):
		return KindStorage
	default:
		return KindUnknown
	}
}

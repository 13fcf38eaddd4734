package orbit

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for common operations.
var (
	// ErrNotFound is returned when a ...OrFail read finds no matching row or document.
	ErrNotFound = errors.New("orbit: entity not found")

	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("orbit: validation failed")

	// ErrUnsupported is matched by every UnsupportedOperationError.
	ErrUnsupported = errors.New("orbit: unsupported operation")

	// ErrOptimisticLock is matched by every OptimisticLockError.
	ErrOptimisticLock = errors.New("orbit: optimistic lock failed")

	// ErrIdentityCollision is returned when a different instance is registered
	// for an identity that is already live in the identity map.
	ErrIdentityCollision = errors.New("orbit: identity collision")

	// ErrTxStarted is returned when attempting to start a new transaction
	// within an existing transaction.
	ErrTxStarted = errors.New("orbit: cannot start a transaction within a transaction")

	// ErrNotConnected is returned by drivers used before Connect.
	ErrNotConnected = errors.New("orbit: driver is not connected")
)

// ValidationError reports an invalid value supplied by the caller, such as a
// non-entity value assigned to a relationship, or an inconsistent unit of work.
type ValidationError struct {
	Entity   string // Entity name
	Property string // Property name, empty for entity-level failures
	Msg      string
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	switch {
	case e.Entity != "" && e.Property != "":
		return fmt.Sprintf("orbit: %s (%s.%s)", e.Msg, e.Entity, e.Property)
	case e.Entity != "":
		return fmt.Sprintf("orbit: %s (%s)", e.Msg, e.Entity)
	default:
		return "orbit: " + e.Msg
	}
}

// Is reports whether the target error matches ErrValidation.
func (e *ValidationError) Is(err error) bool {
	return err == ErrValidation
}

// NewValidationError returns a new ValidationError.
func NewValidationError(entity, property, msg string) *ValidationError {
	return &ValidationError{Entity: entity, Property: property, Msg: msg}
}

// ValidationErrorf returns a new ValidationError with a formatted message.
func ValidationErrorf(entity, property, format string, a ...any) *ValidationError {
	return &ValidationError{Entity: entity, Property: property, Msg: fmt.Sprintf(format, a...)}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e)
}

// NotFoundError represents an error when an entity is not found.
type NotFoundError struct {
	entity   string
	criteria any
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.criteria != nil {
		return fmt.Sprintf("orbit: %s not found (%v)", e.entity, e.criteria)
	}
	return fmt.Sprintf("orbit: %s not found", e.entity)
}

// Is reports whether the target error matches NotFoundError.
// This allows errors.Is(notFoundErr, ErrNotFound) to return true.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Entity returns the entity name.
func (e *NotFoundError) Entity() string {
	return e.entity
}

// Criteria returns the criteria that matched nothing.
func (e *NotFoundError) Criteria() any {
	return e.criteria
}

// NewNotFoundError returns a new NotFoundError naming the entity and criteria.
func NewNotFoundError(entity string, criteria any) *NotFoundError {
	return &NotFoundError{entity: entity, criteria: criteria}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// UnsupportedOperationError is returned when a driver cannot perform a
// requested capability.
type UnsupportedOperationError struct {
	Op     string // Operation, e.g. "Aggregations", "Pessimistic locks"
	Driver string // Driver name
}

// Error returns the error string.
func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("orbit: %s are not supported by %s driver", e.Op, e.Driver)
}

// Is reports whether the target error matches ErrUnsupported.
func (e *UnsupportedOperationError) Is(err error) bool {
	return err == ErrUnsupported
}

// NewUnsupportedOperationError returns a new UnsupportedOperationError.
func NewUnsupportedOperationError(op, driver string) *UnsupportedOperationError {
	return &UnsupportedOperationError{Op: op, Driver: driver}
}

// IsUnsupportedOperation returns true if the error is an UnsupportedOperationError.
func IsUnsupportedOperation(err error) bool {
	if err == nil {
		return false
	}
	var e *UnsupportedOperationError
	return errors.As(err, &e)
}

// OptimisticLockError is returned when a version mismatch is detected.
type OptimisticLockError struct {
	Entity   string
	ID       any
	Expected any // Expected version, nil if the row vanished
	Actual   any
}

// Error returns the error string.
func (e *OptimisticLockError) Error() string {
	if e.Expected != nil {
		return fmt.Sprintf("orbit: optimistic lock failed for %s (id=%v): version %v expected, %v found", e.Entity, e.ID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("orbit: optimistic lock failed for %s (id=%v)", e.Entity, e.ID)
}

// Is reports whether the target error matches ErrOptimisticLock.
func (e *OptimisticLockError) Is(err error) bool {
	return err == ErrOptimisticLock
}

// NewOptimisticLockError returns a new OptimisticLockError.
func NewOptimisticLockError(entity string, id any) *OptimisticLockError {
	return &OptimisticLockError{Entity: entity, ID: id}
}

// IsOptimisticLock returns true if the error is an OptimisticLockError.
func IsOptimisticLock(err error) bool {
	if err == nil {
		return false
	}
	var e *OptimisticLockError
	return errors.As(err, &e)
}

// ConstraintKind classifies constraint violations reported by a backend.
type ConstraintKind uint8

// Constraint kinds.
const (
	NoConstraint ConstraintKind = iota
	UniqueConstraint
	ForeignKeyConstraint
	CheckConstraint
)

// String implements fmt.Stringer.
func (k ConstraintKind) String() string {
	switch k {
	case UniqueConstraint:
		return "unique"
	case ForeignKeyConstraint:
		return "foreign key"
	case CheckConstraint:
		return "check"
	default:
		return ""
	}
}

// DriverError wraps any backend-level failure.
type DriverError struct {
	Driver     string // Driver name
	Op         string // Operation (e.g., "find", "insert", "commit")
	Entity     string // Entity name, empty for connection-level failures
	Constraint ConstraintKind
	Err        error // Native backend error
}

// Error returns the error string.
func (e *DriverError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "orbit: %s %s", e.Driver, e.Op)
	if e.Entity != "" {
		fmt.Fprintf(&sb, " %s", e.Entity)
	}
	if e.Constraint != NoConstraint {
		fmt.Fprintf(&sb, " (%s constraint failed)", e.Constraint)
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *DriverError) Unwrap() error {
	return e.Err
}

// NewDriverError wraps err into a DriverError. A nil err returns nil and an
// err that already is a DriverError is returned unchanged.
func NewDriverError(driver, op, entity string, err error) error {
	if err == nil {
		return nil
	}
	var de *DriverError
	if errors.As(err, &de) {
		return err
	}
	return &DriverError{Driver: driver, Op: op, Entity: entity, Err: err}
}

// IsDriverError returns true if the error is a DriverError.
func IsDriverError(err error) bool {
	if err == nil {
		return false
	}
	var e *DriverError
	return errors.As(err, &e)
}

// IsConstraintError returns true if the error is a DriverError caused by a
// constraint violation.
func IsConstraintError(err error) bool {
	var e *DriverError
	return errors.As(err, &e) && e.Constraint != NoConstraint
}

// IdentityCollisionError is returned when a second, different instance is
// registered for a live identity.
type IdentityCollisionError struct {
	Entity string
	ID     any
}

// Error returns the error string.
func (e *IdentityCollisionError) Error() string {
	return fmt.Sprintf("orbit: identity collision: another instance of %s (id=%v) is already managed", e.Entity, e.ID)
}

// Is reports whether the target error matches ErrIdentityCollision.
func (e *IdentityCollisionError) Is(err error) bool {
	return err == ErrIdentityCollision
}

// RollbackError wraps an error that occurred during a transaction rollback.
type RollbackError struct {
	Err      error // Error that triggered the rollback
	Rollback error // Error returned by the rollback itself
}

// Error returns the error string.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("orbit: rollback failed: %v (after: %v)", e.Rollback, e.Err)
}

// Unwrap returns both errors.
func (e *RollbackError) Unwrap() []error {
	return []error{e.Err, e.Rollback}
}

package session

import (
	"errors"
	"fmt"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/identity"
)

var (
	// ErrNotManaged matches every NotManagedError
	ErrNotManaged = errors.New("entity is not managed by this session")

	// ErrAlreadyRemoved matches every AlreadyRemovedError
	ErrAlreadyRemoved = errors.New("entity is already removed")

	// ErrNotFound matches every NotFoundError
	ErrNotFound = errors.New("entity not found")

	// ErrFlush matches every FlushError
	ErrFlush = errors.New("flush failed")

	// ErrDetachedEntity is returned for operations on detached instances and
	// for lazy access through them
	ErrDetachedEntity = entity.ErrDetached

	// ErrTransientReference is returned when a flush finds a reference to an
	// instance that is neither stored nor scheduled for insert
	ErrTransientReference = errors.New("reference to a transient entity")

	// ErrSessionClosed is returned by every operation after Close
	ErrSessionClosed = errors.New("session is closed")

	// ErrMissingKey is returned when an entity with a caller-assigned key is
	// persisted without one
	ErrMissingKey = errors.New("entity has no key")
)

// NotManagedError reports an operation on an instance this session does not track
type NotManagedError struct {
	Entity string
	Key    interface{}
}

func (e *NotManagedError) Error() string {
	return fmt.Sprintf("%s#%v is not managed by this session", e.Entity, e.Key)
}

func (e *NotManagedError) Is(target error) bool {
	return target == ErrNotManaged
}

// AlreadyRemovedError reports a persist of an instance scheduled for deletion
type AlreadyRemovedError struct {
	Key identity.Key
}

func (e *AlreadyRemovedError) Error() string {
	return fmt.Sprintf("%s is already removed", e.Key)
}

func (e *AlreadyRemovedError) Is(target error) bool {
	return target == ErrAlreadyRemoved
}

// NotFoundError reports a load of a key with no row
type NotFoundError struct {
	Key identity.Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// FlushError wraps the failure that rolled a flush back. Snapshots, states
// and the values stamped by PreUpdate callbacks are restored when it is
// returned.
type FlushError struct {
	Cause error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush failed: %v", e.Cause)
}

func (e *FlushError) Unwrap() error {
	return e.Cause
}

func (e *FlushError) Is(target error) bool {
	return target == ErrFlush
}

// IsNotFound returns true if the error is a NotFoundError
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notManaged(e *entity.Entity) error {
	return &NotManagedError{Entity: e.Name(), Key: e.KeyValue()}
}

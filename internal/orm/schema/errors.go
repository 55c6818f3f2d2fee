package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntity is returned when an entity name is not registered
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrDuplicateMapping is returned when an entity is registered twice
	ErrDuplicateMapping = errors.New("duplicate mapping")

	// ErrInvalidMapping is returned when a declaration cannot be compiled
	ErrInvalidMapping = errors.New("invalid mapping")

	// ErrRegistrySealed is returned when registering after Seal
	ErrRegistrySealed = errors.New("registry is sealed")
)

// UnknownEntityError reports a lookup of an entity that was never registered
type UnknownEntityError struct {
	Entity string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown entity: %s", e.Entity)
}

func (e *UnknownEntityError) Is(target error) bool {
	return target == ErrUnknownEntity
}

// DuplicateMappingError reports a second registration of the same entity
type DuplicateMappingError struct {
	Entity string
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("entity %s is already registered", e.Entity)
}

func (e *DuplicateMappingError) Is(target error) bool {
	return target == ErrDuplicateMapping
}

// InvalidMappingError reports a malformed declaration
type InvalidMappingError struct {
	Entity string
	Field  string
	Reason string
}

func (e *InvalidMappingError) Error() string {
	subject := e.Entity
	if e.Field != "" {
		subject += "." + e.Field
	}
	if subject == "" {
		return fmt.Sprintf("invalid mapping: %s", e.Reason)
	}
	return fmt.Sprintf("invalid mapping %s: %s", subject, e.Reason)
}

func (e *InvalidMappingError) Is(target error) bool {
	return target == ErrInvalidMapping
}

func invalid(entity, field, format string, args ...interface{}) error {
	return &InvalidMappingError{Entity: entity, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsUnknownEntity returns true if the error is an UnknownEntityError
func IsUnknownEntity(err error) bool {
	return errors.Is(err, ErrUnknownEntity)
}

// IsInvalidMapping returns true if the error is an InvalidMappingError
func IsInvalidMapping(err error) bool {
	return errors.Is(err, ErrInvalidMapping)
}

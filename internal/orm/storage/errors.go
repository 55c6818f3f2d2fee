package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStorage matches every StorageError
	ErrStorage = errors.New("storage failure")

	// ErrConstraintViolation matches every ConstraintViolationError
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNoRowsAffected is returned when an update or delete matched no row
	ErrNoRowsAffected = errors.New("no rows affected")
)

// ConstraintKind classifies integrity failures
type ConstraintKind int

const (
	ConstraintUnknown ConstraintKind = iota
	ConstraintUnique
	ConstraintForeignKey
	ConstraintNotNull
	ConstraintCheck
)

// String returns the string representation of the constraint kind
func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUnique:
		return "unique"
	case ConstraintForeignKey:
		return "foreign key"
	case ConstraintNotNull:
		return "not null"
	case ConstraintCheck:
		return "check"
	default:
		return "integrity"
	}
}

// StorageError wraps an I/O or driver failure
type StorageError struct {
	Op     string
	Entity string
	Cause  error
}

func (e *StorageError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Entity, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// ConstraintViolationError reports that the store rejected a write because it
// would break an integrity constraint
type ConstraintViolationError struct {
	Op         string
	Entity     string
	Kind       ConstraintKind
	Constraint string
	Cause      error
}

func (e *ConstraintViolationError) Error() string {
	msg := fmt.Sprintf("%s constraint violation", e.Kind)
	if e.Constraint != "" {
		msg += " (" + e.Constraint + ")"
	}
	if e.Entity != "" {
		msg = fmt.Sprintf("storage %s %s: %s", e.Op, e.Entity, msg)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConstraintViolationError) Unwrap() error {
	return e.Cause
}

func (e *ConstraintViolationError) Is(target error) bool {
	return target == ErrConstraintViolation
}

// ConvertDBError classifies a driver error. Integrity failures from pgx,
// lib/pq and go-sqlite3 become ConstraintViolationError; everything else
// becomes StorageError. Nil stays nil.
func ConvertDBError(op, entity string, err error) error {
	if err == nil {
		return nil
	}

	var cve *ConstraintViolationError
	if errors.As(err, &cve) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	if kind, constraint, ok := classify(err); ok {
		return &ConstraintViolationError{Op: op, Entity: entity, Kind: kind, Constraint: constraint, Cause: err}
	}
	return &StorageError{Op: op, Entity: entity, Cause: err}
}

func classify(err error) (ConstraintKind, string, bool) {
	// PostgreSQL errors (pgx)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code, pgErr.ConstraintName)
	}

	// PostgreSQL errors (lib/pq)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code), pqErr.Constraint)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return ConstraintUnique, "", true
		case sqlite3.ErrConstraintForeignKey:
			return ConstraintForeignKey, "", true
		case sqlite3.ErrConstraintNotNull:
			return ConstraintNotNull, "", true
		case sqlite3.ErrConstraintCheck:
			return ConstraintCheck, "", true
		}
		return ConstraintUnknown, "", true
	}

	return ConstraintUnknown, "", false
}

func classifySQLState(code, constraint string) (ConstraintKind, string, bool) {
	switch code {
	case "23505": // unique_violation
		return ConstraintUnique, constraint, true
	case "23503": // foreign_key_violation
		return ConstraintForeignKey, constraint, true
	case "23502": // not_null_violation
		return ConstraintNotNull, constraint, true
	case "23514": // check_violation
		return ConstraintCheck, constraint, true
	}
	if len(code) == 5 && code[:2] == "23" {
		return ConstraintUnknown, constraint, true
	}
	return ConstraintUnknown, "", false
}

// IsConstraintViolation returns true if the error is a ConstraintViolationError
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsNoRows returns true for sql.ErrNoRows, which gateways map to "absent"
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

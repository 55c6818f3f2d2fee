package sqlstore

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/conduit-lang/persist/internal/orm/schema"
)

// Dialect captures the SQL differences between supported databases
type Dialect interface {
	// Name returns the dialect name
	Name() string
	// Placeholder returns the bind marker for the n-th argument (1-based)
	Placeholder(n int) string
	// Quote quotes an identifier
	Quote(ident string) string
	// ColumnType returns the column definition type for a field
	ColumnType(t schema.FieldType) string
	// IdentityColumn returns the definition of a store-generated integer key
	IdentityColumn() string
	// Returning reports whether INSERT ... RETURNING is used for generated keys
	Returning() bool
	// DeferredForeignKeys reports whether cyclic foreign keys must be added
	// after every table exists
	DeferredForeignKeys() bool
}

// Postgres is the PostgreSQL dialect, used with both pgx and lib/pq
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) Quote(ident string) string { return pq.QuoteIdentifier(ident) }

func (Postgres) ColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeUUID:
		return "UUID"
	default:
		return "TEXT"
	}
}

func (Postgres) IdentityColumn() string { return "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY" }

func (Postgres) Returning() bool { return true }

func (Postgres) DeferredForeignKeys() bool { return true }

// SQLite is the SQLite dialect for go-sqlite3. SQLite accepts the same
// double-quoted identifiers as PostgreSQL.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) Quote(ident string) string { return pq.QuoteIdentifier(ident) }

func (SQLite) ColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeInt:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (SQLite) IdentityColumn() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (SQLite) Returning() bool { return false }

func (SQLite) DeferredForeignKeys() bool { return false }

// DriverName maps a configured driver to the database/sql driver name and
// its dialect. "pgx" uses pgx's stdlib driver, "postgres" uses lib/pq.
func DriverName(driver string) (string, Dialect, error) {
	switch strings.ToLower(driver) {
	case "pgx":
		return "pgx", Postgres{}, nil
	case "postgres", "postgresql", "pq":
		return "postgres", Postgres{}, nil
	case "sqlite", "sqlite3":
		return "sqlite3", SQLite{}, nil
	default:
		return "", nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

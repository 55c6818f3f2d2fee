// Package transaction provides scoped database transactions for the SQL
// storage gateway. A flush runs inside exactly one Transaction: it commits
// when every statement succeeded and rolls back otherwise.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrTransactionTimeout is returned when a transaction outlives its deadline
	ErrTransactionTimeout = errors.New("transaction timeout")
	// ErrTransactionDone is returned when a finished transaction is reused
	ErrTransactionDone = errors.New("transaction already finished")
)

// IsolationLevel represents the transaction isolation level
type IsolationLevel int

const (
	// ReadUncommitted allows dirty reads
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted prevents dirty reads (PostgreSQL default)
	ReadCommitted
	// RepeatableRead prevents non-repeatable reads
	RepeatableRead
	// Serializable provides full isolation
	Serializable
)

var isolationNames = map[IsolationLevel]string{
	ReadUncommitted: "read_uncommitted",
	ReadCommitted:   "read_committed",
	RepeatableRead:  "repeatable_read",
	Serializable:    "serializable",
}

var sqlLevels = map[IsolationLevel]sql.IsolationLevel{
	ReadUncommitted: sql.LevelReadUncommitted,
	ReadCommitted:   sql.LevelReadCommitted,
	RepeatableRead:  sql.LevelRepeatableRead,
	Serializable:    sql.LevelSerializable,
}

// String returns the config form of the level, as accepted by
// ParseIsolationLevel
func (l IsolationLevel) String() string {
	if name, ok := isolationNames[l]; ok {
		return name
	}
	return fmt.Sprintf("isolation(%d)", int(l))
}

// ParseIsolationLevel converts a config value such as "read_committed".
// Spaces and dashes are accepted in place of underscores; empty means
// read_committed.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(s))
	if norm == "" {
		return ReadCommitted, nil
	}
	for level, name := range isolationNames {
		if name == norm {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown isolation level: %s", s)
}

// Options configures the transactions a Manager opens
type Options struct {
	// Isolation is requested from the driver. Drivers that only support
	// their default level (SQLite) should use Default.
	Isolation IsolationLevel
	// Default leaves the isolation level to the driver
	Default bool
	// Timeout bounds the lifetime of a transaction; zero means none
	Timeout time.Duration
}

func (o Options) sqlOptions() *sql.TxOptions {
	if o.Default {
		return nil
	}
	level, ok := sqlLevels[o.Isolation]
	if !ok {
		level = sql.LevelReadCommitted
	}
	return &sql.TxOptions{Isolation: level}
}

// Manager opens transactions on a connection pool
type Manager struct {
	db   *sql.DB
	opts Options
}

// NewManager creates a new transaction manager with read-committed isolation
func NewManager(db *sql.DB) *Manager {
	return NewManagerWithOptions(db, Options{Isolation: ReadCommitted})
}

// NewManagerWithOptions creates a transaction manager with explicit options
func NewManagerWithOptions(db *sql.DB, opts Options) *Manager {
	return &Manager{db: db, opts: opts}
}

// Options returns the options used for new transactions
func (m *Manager) Options() Options {
	return m.opts
}

type state int32

const (
	active state = iota
	committed
	rolledBack
)

// Transaction is one database transaction. It counts the statements run
// through it so flushes can report how much work they did.
type Transaction struct {
	tx         *sql.Tx
	ctx        context.Context
	cancel     context.CancelFunc
	opts       Options
	started    time.Time
	state      atomic.Int32
	statements atomic.Int64
}

// Begin starts a new transaction. The timeout, if any, applies from here.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	var cancel context.CancelFunc
	if m.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
	}

	tx, err := m.db.BeginTx(ctx, m.opts.sqlOptions())
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Transaction{
		tx:      tx,
		ctx:     ctx,
		cancel:  cancel,
		opts:    m.opts,
		started: time.Now(),
	}, nil
}

// WithTransaction runs fn in a transaction, committing when it returns nil
// and rolling back on an error or a panic
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// IsolationLevel returns the level requested for the transaction, or
// "default" when the driver picked it
func (t *Transaction) IsolationLevel() string {
	if t.opts.Default {
		return "default"
	}
	return t.opts.Isolation.String()
}

// Done is closed when the transaction's deadline passes
func (t *Transaction) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Statements returns how many statements ran in the transaction
func (t *Transaction) Statements() int64 {
	return t.statements.Load()
}

// Elapsed returns the time since Begin
func (t *Transaction) Elapsed() time.Duration {
	return time.Since(t.started)
}

// finish moves an active transaction to to. It reports false if the
// transaction was already finished.
func (t *Transaction) finish(to state) bool {
	return t.state.CompareAndSwap(int32(active), int32(to))
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if t.cancel != nil {
		defer t.cancel()
	}
	if !t.finish(committed) {
		return ErrTransactionDone
	}

	if err := t.tx.Commit(); err != nil {
		t.state.Store(int32(rolledBack))
		if t.opts.Timeout > 0 && errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: transaction exceeded %v", ErrTransactionTimeout, t.opts.Timeout)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction. Rolling back twice is a no-op.
func (t *Transaction) Rollback() error {
	if t.cancel != nil {
		defer t.cancel()
	}
	if !t.finish(rolledBack) {
		if t.IsCommitted() {
			return ErrTransactionDone
		}
		return nil
	}

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// ExecContext executes a statement that doesn't return rows
func (t *Transaction) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	t.statements.Add(1)
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext executes a statement that returns rows
func (t *Transaction) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	t.statements.Add(1)
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a statement that returns at most one row
func (t *Transaction) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	t.statements.Add(1)
	return t.tx.QueryRowContext(ctx, query, args...)
}

// IsCommitted returns true if the transaction has been committed
func (t *Transaction) IsCommitted() bool {
	return state(t.state.Load()) == committed
}

// IsRolledBack returns true if the transaction has been rolled back
func (t *Transaction) IsRolledBack() bool {
	return state(t.state.Load()) == rolledBack
}

// Package sqlstore implements the storage gateway on database/sql. It runs
// against PostgreSQL (pgx or lib/pq) and SQLite (go-sqlite3); every flush
// executes inside one database transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
	"github.com/conduit-lang/persist/internal/orm/transaction"
)

// querier is satisfied by *sql.DB and *transaction.Transaction
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger logs every statement at debug level
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithTxOptions sets the isolation level and timeout of flush transactions
func WithTxOptions(opts transaction.Options) Option {
	return func(g *Gateway) {
		g.txOpts = opts
	}
}

// Gateway is a storage.Gateway over a database/sql connection pool
type Gateway struct {
	statements
	db     *sql.DB
	txm    *transaction.Manager
	txOpts transaction.Options
}

// New creates a gateway over db. SQLite only supports its default
// isolation level, so transactions leave it to the driver there.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Gateway {
	g := &Gateway{
		statements: statements{dialect: dialect, logger: zap.NewNop()},
		db:         db,
		txOpts:     transaction.Options{Isolation: transaction.ReadCommitted},
	}
	for _, opt := range opts {
		opt(g)
	}
	if _, ok := dialect.(SQLite); ok {
		g.txOpts.Default = true
	}
	g.statements.q = db
	g.txm = transaction.NewManagerWithOptions(db, g.txOpts)
	return g
}

// Open opens a connection pool for the configured driver and wraps it
func Open(driver, dsn string, opts ...Option) (*Gateway, error) {
	driverName, dialect, err := DriverName(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect.Name() == "sqlite" && strings.Contains(dsn, ":memory:") {
		// every connection to an in-memory database sees a different database
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect, opts...), nil
}

// DB returns the underlying connection pool
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// Dialect returns the SQL dialect in use
func (g *Gateway) Dialect() Dialect {
	return g.dialect
}

// Ping verifies the database is reachable
func (g *Gateway) Ping(ctx context.Context) error {
	return storage.ConvertDBError("ping", "", g.db.PingContext(ctx))
}

// Close closes the connection pool
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Begin starts a transaction that the unit of work flushes into
func (g *Gateway) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := g.txm.Begin(ctx)
	if err != nil {
		return nil, storage.ConvertDBError("begin", "", err)
	}
	g.logger.Debug("transaction started", zap.String("isolation", tx.IsolationLevel()))
	return &sqlTx{
		statements: statements{q: tx, dialect: g.dialect, logger: g.logger},
		tx:         tx,
	}, nil
}

type sqlTx struct {
	statements
	tx *transaction.Transaction
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return storage.ConvertDBError("commit", "", err)
	}
	t.logger.Debug("transaction committed",
		zap.Int64("statements", t.tx.Statements()),
		zap.Duration("elapsed", t.tx.Elapsed()))
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		return storage.ConvertDBError("rollback", "", err)
	}
	t.logger.Debug("transaction rolled back",
		zap.Int64("statements", t.tx.Statements()),
		zap.Duration("elapsed", t.tx.Elapsed()))
	return nil
}

// statements renders and executes the mapping-derived SQL
type statements struct {
	q       querier
	dialect Dialect
	logger  *zap.Logger
}

func (s statements) log(query string, args []interface{}) {
	s.logger.Debug("sql", zap.String("query", query), zap.Int("args", len(args)))
}

func (s statements) quoteAll(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = s.dialect.Quote(c)
	}
	return strings.Join(quoted, ", ")
}

// Insert writes a row. A nil key on an auto-generated identity column is
// left out so the database assigns it, and the generated value is returned.
func (s statements) Insert(ctx context.Context, desc *schema.EntityDescriptor, values storage.Row) (interface{}, error) {
	id := desc.ID()
	generate := id.Generation == schema.GenerateAuto && values[id.Column] == nil

	var columns []string
	var args []interface{}
	var placeholders []string
	for _, col := range desc.Columns() {
		if generate && col == id.Column {
			continue
		}
		columns = append(columns, col)
		args = append(args, values[col])
		placeholders = append(placeholders, s.dialect.Placeholder(len(args)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.dialect.Quote(desc.Table),
		s.quoteAll(columns),
		strings.Join(placeholders, ", "),
	)

	if !generate {
		s.log(query, args)
		if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
			return nil, storage.ConvertDBError("insert", desc.Name, err)
		}
		return nil, nil
	}

	if s.dialect.Returning() {
		query += " RETURNING " + s.dialect.Quote(id.Column)
		s.log(query, args)
		var key int64
		if err := s.q.QueryRowContext(ctx, query, args...).Scan(&key); err != nil {
			return nil, storage.ConvertDBError("insert", desc.Name, err)
		}
		return key, nil
	}

	s.log(query, args)
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storage.ConvertDBError("insert", desc.Name, err)
	}
	key, err := result.LastInsertId()
	if err != nil {
		return nil, storage.ConvertDBError("insert", desc.Name, err)
	}
	return key, nil
}

// Update sets the changed columns in column order
func (s statements) Update(ctx context.Context, desc *schema.EntityDescriptor, key interface{}, changed storage.Row) error {
	if len(changed) == 0 {
		return nil
	}

	var sets []string
	var args []interface{}
	for _, col := range desc.Columns() {
		v, ok := changed[col]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", s.dialect.Quote(col), s.dialect.Placeholder(len(args))))
	}
	if len(sets) != len(changed) {
		return &storage.StorageError{Op: "update", Entity: desc.Name, Cause: fmt.Errorf("unknown column in %v", changed)}
	}
	args = append(args, key)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		s.dialect.Quote(desc.Table),
		strings.Join(sets, ", "),
		s.dialect.Quote(desc.ID().Column),
		s.dialect.Placeholder(len(args)),
	)

	return s.execOne(ctx, "update", desc, query, args)
}

// Delete removes the row identified by key
func (s statements) Delete(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		s.dialect.Quote(desc.Table),
		s.dialect.Quote(desc.ID().Column),
		s.dialect.Placeholder(1),
	)
	return s.execOne(ctx, "delete", desc, query, []interface{}{key})
}

func (s statements) execOne(ctx context.Context, op string, desc *schema.EntityDescriptor, query string, args []interface{}) error {
	s.log(query, args)
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.ConvertDBError(op, desc.Name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storage.ConvertDBError(op, desc.Name, err)
	}
	if rows == 0 {
		return &storage.StorageError{Op: op, Entity: desc.Name, Cause: fmt.Errorf("key %v: %w", args[len(args)-1], storage.ErrNoRowsAffected)}
	}
	return nil
}

// SelectByKey returns the row for key, or nil when it does not exist
func (s statements) SelectByKey(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) (storage.Row, error) {
	columns := desc.Columns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.quoteAll(columns),
		s.dialect.Quote(desc.Table),
		s.dialect.Quote(desc.ID().Column),
		s.dialect.Placeholder(1),
	)

	rows, err := s.query(ctx, desc, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := scanRows(rows, desc, columns)
	if err != nil {
		return nil, storage.ConvertDBError("select", desc.Name, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// SelectByForeignKey returns the rows whose column equals key, ordered by
// primary key
func (s statements) SelectByForeignKey(ctx context.Context, desc *schema.EntityDescriptor, column string, key interface{}) ([]storage.Row, error) {
	columns := desc.Columns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		s.quoteAll(columns),
		s.dialect.Quote(desc.Table),
		s.dialect.Quote(column),
		s.dialect.Placeholder(1),
		s.dialect.Quote(desc.ID().Column),
	)

	rows, err := s.query(ctx, desc, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := scanRows(rows, desc, columns)
	if err != nil {
		return nil, storage.ConvertDBError("select", desc.Name, err)
	}
	return results, nil
}

func (s statements) query(ctx context.Context, desc *schema.EntityDescriptor, query string, key interface{}) (*sql.Rows, error) {
	s.log(query, []interface{}{key})
	rows, err := s.q.QueryContext(ctx, query, key)
	if err != nil {
		return nil, storage.ConvertDBError("select", desc.Name, err)
	}
	return rows, nil
}

// Package warehouse adapts the analytic warehouse behind database/sql. It is
// the only package that touches data tables: DDL, per-window deletes, bulk
// COPY from staged objects, and the window transaction boundary.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lib/pq"

	"github.com/dwsmith1983/vaultflow/internal/manifest"
)

// primaryKeyColumn is the vendor-wide primary key column of every object.
const primaryKeyColumn = "id"

// maxVarchar stands in for VARCHAR(max) on warehouses with a hard cap.
const maxVarchar = 65535

// Execer is satisfied by both *sql.DB and *sql.Tx so DDL can run inside the
// window transaction when the warehouse supports it and as an auto-committed
// pre-step when it does not.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options configure a warehouse connection.
type Options struct {
	DSN    string
	Schema string
	// IAMRole is attached to COPY statements so the warehouse reads staged
	// objects directly from the object store.
	IAMRole string
	// TransactionalDDL marks warehouses whose DDL participates in
	// transactions (postgres); redshift-style targets leave it false and get
	// the idempotent auto-committed DDL pre-step instead.
	TransactionalDDL bool
}

// Warehouse wraps a single-connection pool against the analytic warehouse.
type Warehouse struct {
	db     *sql.DB
	schema string
	opts   Options
	logger *slog.Logger
}

// Open connects to the warehouse. The pool is sized to one connection so a
// process can never run two applies in parallel by accident.
func Open(opts Options) (*Warehouse, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening warehouse: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging warehouse: %w", err)
	}

	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}
	return &Warehouse{db: db, schema: schema, opts: opts, logger: slog.Default()}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB, opts Options) *Warehouse {
	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}
	return &Warehouse{db: db, schema: schema, opts: opts, logger: slog.Default()}
}

// Close releases the connection pool.
func (w *Warehouse) Close() error { return w.db.Close() }

// DB exposes the handle for auto-committed DDL.
func (w *Warehouse) DB() *sql.DB { return w.db }

// SupportsTransactionalDDL reports whether DDL can run inside the window
// transaction.
func (w *Warehouse) SupportsTransactionalDDL() bool { return w.opts.TransactionalDDL }

// Begin opens the window transaction.
func (w *Warehouse) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning warehouse transaction: %w", err)
	}
	return tx, nil
}

// EnsureSchema creates the target schema if absent.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(w.schema))
	if err != nil {
		return fmt.Errorf("ensuring schema %s: %w", w.schema, err)
	}
	return nil
}

// qualified returns the schema-qualified, quoted table name.
func (w *Warehouse) qualified(table string) string {
	return pq.QuoteIdentifier(w.schema) + "." + pq.QuoteIdentifier(table)
}

// sqlType renders a logical column type as warehouse SQL.
func sqlType(c manifest.Column) string {
	switch c.Type {
	case manifest.TypeInt64:
		return "BIGINT"
	case manifest.TypeFloat64:
		return "DOUBLE PRECISION"
	case manifest.TypeBool:
		return "BOOLEAN"
	case manifest.TypeDate:
		return "DATE"
	case manifest.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		n := c.Length
		if n <= 0 || n > maxVarchar {
			n = maxVarchar
		}
		return "VARCHAR(" + strconv.Itoa(n) + ")"
	}
}

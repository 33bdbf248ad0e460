package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultFlagTable = "cluster_flags"

// PostgresLock uses session-level advisory locks on a dedicated connection.
type PostgresLock struct {
	db *sql.DB
}

// NewPostgresLock constructs a PostgresLock.
func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db}
}

func (l *PostgresLock) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if l == nil || l.db == nil {
		return errors.New("cluster: nil db")
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, name); err != nil {
		return fmt.Errorf("cluster: acquire %s: %w", name, err)
	}
	defer func() {
		// ctx may already be cancelled; the unlock must still reach the server.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, name)
	}()
	return fn(ctx)
}

// PostgresFlags stores flags in a table.
type PostgresFlags struct {
	db    *sql.DB
	table string
}

// FlagOption configures PostgresFlags.
type FlagOption func(*PostgresFlags)

// WithFlagTable overrides the table name.
func WithFlagTable(table string) FlagOption {
	return func(f *PostgresFlags) {
		if table != "" {
			f.table = table
		}
	}
}

// NewPostgresFlags constructs PostgresFlags.
func NewPostgresFlags(db *sql.DB, opts ...FlagOption) *PostgresFlags {
	flags := &PostgresFlags{db: db, table: defaultFlagTable}
	for _, opt := range opts {
		opt(flags)
	}
	return flags
}

func (f *PostgresFlags) IsSet(ctx context.Context, name string) (bool, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE name = $1`, f.table)
	var value bool
	err := f.db.QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value, nil
}

func (f *PostgresFlags) Set(ctx context.Context, name string) error {
	return f.write(ctx, name, true)
}

func (f *PostgresFlags) Clear(ctx context.Context, name string) error {
	return f.write(ctx, name, false)
}

func (f *PostgresFlags) write(ctx context.Context, name string, value bool) error {
	query := fmt.Sprintf(`
INSERT INTO %s (name, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET
	value = EXCLUDED.value,
	updated_at = EXCLUDED.updated_at`, f.table)
	_, err := f.db.ExecContext(ctx, query, name, value, time.Now().UTC())
	return err
}

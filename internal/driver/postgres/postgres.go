// Package postgres implements the PostgreSQL source dialect over the pgx
// stdlib driver.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/value"
)

func init() {
	driver.RegisterSource(config.ProviderPostgreSQL, func(ctx context.Context, conn config.Connection, timeout time.Duration) (driver.Source, error) {
		db, err := sqlx.Open("pgx", dsn(conn))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &source{db: db, timeout: timeout}, nil
	})
}

func dsn(conn config.Connection) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   conn.Server,
		Path:   "/" + conn.Database,
	}
	if conn.Port > 0 {
		u.Host = conn.Server + ":" + strconv.Itoa(conn.Port)
	}
	if conn.Username != "" {
		u.User = url.UserPassword(conn.Username, conn.Password)
	}
	return u.String()
}

// ident quotes a PostgreSQL identifier, doubling embedded quotes.
func ident(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func fqn(schema, table string) string {
	if schema == "" {
		return ident(table)
	}
	return ident(schema) + "." + ident(table)
}

type source struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (s *source) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *source) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *source) ListColumns(ctx context.Context, schema, table string) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	const q = `SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`
	var cols []string
	if err := s.db.SelectContext(ctx, &cols, q, schema, table); err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s.%s not found or has no columns", schema, table)
	}
	return cols, nil
}

func (s *source) RowCount(ctx context.Context, schema, table string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+fqn(schema, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", schema, table, err)
	}
	return n, nil
}

func (s *source) DistinctCount(ctx context.Context, schema, table, column string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var n int64
	q := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s", ident(column), fqn(schema, table))
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct %s.%s.%s: %w", schema, table, column, err)
	}
	return n, nil
}

func (s *source) ReadBatch(ctx context.Context, schema, table, batchColumn string, size int, after value.Value) ([]value.Row, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var (
		rows *sqlx.Rows
		err  error
	)
	if after.IsNull() {
		q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT %d", fqn(schema, table), ident(batchColumn), size)
		rows, err = s.db.QueryxContext(ctx, q)
	} else {
		q := fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s LIMIT %d", fqn(schema, table), ident(batchColumn), ident(batchColumn), size)
		rows, err = s.db.QueryxContext(ctx, q, after.Interface())
	}
	if err != nil {
		return nil, fmt.Errorf("read batch from %s.%s: %w", schema, table, err)
	}
	return driver.ScanRows(rows)
}

func (s *source) ReadAll(ctx context.Context, schema, table string) ([]value.Row, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM "+fqn(schema, table))
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", schema, table, err)
	}
	return driver.ScanRows(rows)
}

func (s *source) Close() error { return s.db.Close() }

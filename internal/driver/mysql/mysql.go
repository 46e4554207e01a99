// Package mysql implements the MySQL source dialect.
package mysql

import (
	"context"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/value"
)

func init() {
	driver.RegisterSource(config.ProviderMySQL, func(ctx context.Context, conn config.Connection, timeout time.Duration) (driver.Source, error) {
		db, err := sqlx.Open("mysql", dsn(conn))
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		return &source{db: db, timeout: timeout}, nil
	})
}

func dsn(conn config.Connection) string {
	cfg := gomysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = conn.Server
	if conn.Port > 0 {
		cfg.Addr = fmt.Sprintf("%s:%d", conn.Server, conn.Port)
	}
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ident quotes a MySQL identifier with backticks.
func ident(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

// fqn qualifies a table name. MySQL schemas are databases; an empty schema
// resolves against the connection's default database.
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
	const q = `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`
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
		q := fmt.Sprintf("SELECT * FROM %s WHERE %s > ? ORDER BY %s LIMIT %d", fqn(schema, table), ident(batchColumn), ident(batchColumn), size)
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

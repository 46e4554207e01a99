// Package oracle implements the Oracle source dialect over go-ora.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	go_ora "github.com/sijms/go-ora/v2"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/value"

	"github.com/jmoiron/sqlx"
)

func init() {
	driver.RegisterSource(config.ProviderOracle, func(ctx context.Context, conn config.Connection, timeout time.Duration) (driver.Source, error) {
		db, err := sqlx.Open("oracle", dsn(conn))
		if err != nil {
			return nil, fmt.Errorf("open oracle: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping oracle: %w", err)
		}
		return &source{db: db, timeout: timeout}, nil
	})
}

func dsn(conn config.Connection) string {
	port := conn.Port
	if port == 0 {
		port = 1521
	}
	return go_ora.BuildUrl(conn.Server, port, conn.Database, conn.Username, conn.Password, nil)
}

// ident quotes an Oracle identifier, doubling embedded quotes. Quoting keeps
// the name's case instead of folding it to upper.
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
	var (
		cols []string
		err  error
	)
	if schema == "" {
		const q = `SELECT COLUMN_NAME FROM USER_TAB_COLUMNS WHERE TABLE_NAME = :1 ORDER BY COLUMN_ID`
		err = s.db.SelectContext(ctx, &cols, q, table)
	} else {
		const q = `SELECT COLUMN_NAME FROM ALL_TAB_COLUMNS WHERE OWNER = :1 AND TABLE_NAME = :2 ORDER BY COLUMN_ID`
		err = s.db.SelectContext(ctx, &cols, q, schema, table)
	}
	if err != nil {
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
		q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s FETCH FIRST %d ROWS ONLY", fqn(schema, table), ident(batchColumn), size)
		rows, err = s.db.QueryxContext(ctx, q)
	} else {
		q := fmt.Sprintf("SELECT * FROM %s WHERE %s > :1 ORDER BY %s FETCH FIRST %d ROWS ONLY", fqn(schema, table), ident(batchColumn), ident(batchColumn), size)
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

// Package mssql implements the SQL Server dialect for both sides of a
// migration using go-mssqldb. The Azure SQL dialect reuses this package with
// an AAD-aware connector.
package mssql

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/value"
)

func init() {
	driver.RegisterSource(config.ProviderSQLServer, func(ctx context.Context, conn config.Connection, timeout time.Duration) (driver.Source, error) {
		db, err := Open(ctx, "sqlserver", DSN(conn, nil))
		if err != nil {
			return nil, err
		}
		return &Source{DB: db, Timeout: timeout}, nil
	})
	driver.RegisterTarget(config.ProviderSQLServer, func(ctx context.Context, conn config.Connection, timeout time.Duration) (driver.Target, error) {
		db, err := Open(ctx, "sqlserver", DSN(conn, nil))
		if err != nil {
			return nil, err
		}
		return &Target{DB: db, Timeout: timeout}, nil
	})
}

// DSN builds a sqlserver connection URL from the descriptor. Extra query
// parameters (e.g. fedauth for AAD) merge over the defaults.
func DSN(conn config.Connection, extra url.Values) string {
	q := url.Values{}
	q.Set("database", conn.Database)
	q.Set("app name", "dbmigrate")
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     conn.Server,
		RawQuery: q.Encode(),
	}
	if conn.Port > 0 {
		u.Host = conn.Server + ":" + strconv.Itoa(conn.Port)
	}
	// WindowsAuth and the AAD modes authenticate without inline credentials.
	if conn.AuthMode == config.AuthSQL && conn.Username != "" {
		u.User = url.UserPassword(conn.Username, conn.Password)
	}
	return u.String()
}

// Open connects and pings using the named database/sql driver.
func Open(ctx context.Context, driverName, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	return db, nil
}

// Ident quotes a SQL Server identifier using brackets, escaping ].
func Ident(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// FQN quotes a schema-qualified table name; a missing schema yields a single
// quoted identifier.
func FQN(schema, table string) string {
	if schema == "" {
		return Ident(table)
	}
	return Ident(schema) + "." + Ident(table)
}

// Source reads from SQL Server.
type Source struct {
	DB      *sqlx.DB
	Timeout time.Duration
}

func (s *Source) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.Timeout)
}

func (s *Source) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.DB.PingContext(ctx)
}

func (s *Source) ListColumns(ctx context.Context, schema, table string) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return listColumns(ctx, s.DB, schema, table)
}

func (s *Source) RowCount(ctx context.Context, schema, table string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var n int64
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+FQN(schema, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", schema, table, err)
	}
	return n, nil
}

func (s *Source) DistinctCount(ctx context.Context, schema, table, column string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var n int64
	q := fmt.Sprintf("SELECT COUNT_BIG(DISTINCT %s) FROM %s", Ident(column), FQN(schema, table))
	if err := s.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct %s.%s.%s: %w", schema, table, column, err)
	}
	return n, nil
}

func (s *Source) ReadBatch(ctx context.Context, schema, table, batchColumn string, size int, after value.Value) ([]value.Row, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var (
		rows *sqlx.Rows
		err  error
	)
	if after.IsNull() {
		q := fmt.Sprintf("SELECT TOP (%d) * FROM %s ORDER BY %s", size, FQN(schema, table), Ident(batchColumn))
		rows, err = s.DB.QueryxContext(ctx, q)
	} else {
		q := fmt.Sprintf("SELECT TOP (%d) * FROM %s WHERE %s > @p1 ORDER BY %s", size, FQN(schema, table), Ident(batchColumn), Ident(batchColumn))
		rows, err = s.DB.QueryxContext(ctx, q, after.Interface())
	}
	if err != nil {
		return nil, fmt.Errorf("read batch from %s.%s: %w", schema, table, err)
	}
	return driver.ScanRows(rows)
}

func (s *Source) ReadAll(ctx context.Context, schema, table string) ([]value.Row, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	rows, err := s.DB.QueryxContext(ctx, "SELECT * FROM "+FQN(schema, table))
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", schema, table, err)
	}
	return driver.ScanRows(rows)
}

func (s *Source) Close() error { return s.DB.Close() }

func listColumns(ctx context.Context, db *sqlx.DB, schema, table string) ([]string, error) {
	const q = `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION`
	var cols []string
	if err := db.SelectContext(ctx, &cols, q, schema, table); err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s.%s not found or has no columns", schema, table)
	}
	return cols, nil
}

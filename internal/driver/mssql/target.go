package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	gomssql "github.com/microsoft/go-mssqldb"

	"dbmigrate/internal/driver"
	"dbmigrate/internal/value"
)

// Target writes to SQL Server.
type Target struct {
	DB      *sqlx.DB
	Timeout time.Duration
}

func (t *Target) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.Timeout)
}

func (t *Target) Ping(ctx context.Context) error {
	ctx, cancel := t.op(ctx)
	defer cancel()
	return t.DB.PingContext(ctx)
}

func (t *Target) ListColumns(ctx context.Context, schema, table string) ([]string, error) {
	ctx, cancel := t.op(ctx)
	defer cancel()
	return listColumns(ctx, t.DB, schema, table)
}

func (t *Target) IdentityColumnOf(ctx context.Context, schema, table string) (string, error) {
	ctx, cancel := t.op(ctx)
	defer cancel()
	const q = `SELECT c.name
		FROM sys.columns c
		JOIN sys.tables tb ON tb.object_id = c.object_id
		JOIN sys.schemas s ON s.schema_id = tb.schema_id
		WHERE s.name = @p1 AND tb.name = @p2 AND c.is_identity = 1`
	var name string
	err := t.DB.QueryRowContext(ctx, q, schema, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity column of %s.%s: %w", schema, table, err)
	}
	return name, nil
}

func (t *Target) InsertOne(ctx context.Context, schema, table string, cols []string, row value.Row, returnIdentity bool) (string, error) {
	ctx, cancel := t.op(ctx)
	defer cancel()

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = Ident(c)
		params[i] = fmt.Sprintf("@p%d", i+1)
	}
	args := value.Args(row, cols)

	if !returnIdentity {
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			FQN(schema, table), strings.Join(quoted, ", "), strings.Join(params, ", "))
		if _, err := t.DB.ExecContext(ctx, q, args...); err != nil {
			return "", err
		}
		return "", nil
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s); SELECT CAST(SCOPE_IDENTITY() AS NVARCHAR(128))",
		FQN(schema, table), strings.Join(quoted, ", "), strings.Join(params, ", "))
	var newKey sql.NullString
	if err := t.DB.QueryRowContext(ctx, q, args...).Scan(&newKey); err != nil {
		return "", err
	}
	return newKey.String, nil
}

// BulkInsert streams the rows through the bulk copy protocol inside one
// transaction.
func (t *Target) BulkInsert(ctx context.Context, schema, table string, cols []string, rows []value.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := t.op(ctx)
	defer cancel()

	tx, err := t.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	name := table
	if schema != "" {
		name = schema + "." + table
	}
	stmt, err := tx.PrepareContext(ctx, gomssql.CopyIn(name, gomssql.BulkOptions{KeepNulls: true}, cols...))
	if err != nil {
		rollback()
		return fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, value.Args(rows[i], cols)...); err != nil {
			_ = stmt.Close()
			rollback()
			return fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	_, err = stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return fmt.Errorf("bulk finalize: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Target) Truncate(ctx context.Context, schema, table string) error {
	ctx, cancel := t.op(ctx)
	defer cancel()
	if _, err := t.DB.ExecContext(ctx, "TRUNCATE TABLE "+FQN(schema, table)); err == nil {
		return nil
	}
	// Referenced tables reject TRUNCATE; a full delete clears them row-wise.
	if _, err := t.DB.ExecContext(ctx, "DELETE FROM "+FQN(schema, table)); err != nil {
		return fmt.Errorf("empty %s.%s: %w", schema, table, err)
	}
	return nil
}

func (t *Target) SetIdentityInsert(ctx context.Context, schema, table string, on bool) error {
	ctx, cancel := t.op(ctx)
	defer cancel()
	state := "OFF"
	if on {
		state = "ON"
	}
	if _, err := t.DB.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s %s", FQN(schema, table), state)); err != nil {
		return fmt.Errorf("identity insert %s on %s.%s: %w", state, schema, table, err)
	}
	return nil
}

func (t *Target) DisableTriggers(ctx context.Context, schema, table string) error {
	return t.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DISABLE TRIGGER ALL", FQN(schema, table)))
}

func (t *Target) EnableTriggers(ctx context.Context, schema, table string) error {
	return t.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ENABLE TRIGGER ALL", FQN(schema, table)))
}

func (t *Target) DisableAllConstraints(ctx context.Context) error {
	return t.Exec(ctx, `EXEC sp_MSforeachtable 'ALTER TABLE ? NOCHECK CONSTRAINT ALL'`)
}

func (t *Target) EnableAllConstraints(ctx context.Context) error {
	return t.Exec(ctx, `EXEC sp_MSforeachtable 'ALTER TABLE ? WITH CHECK CHECK CONSTRAINT ALL'`)
}

func (t *Target) Exec(ctx context.Context, sqlText string, args ...any) error {
	ctx, cancel := t.op(ctx)
	defer cancel()
	if _, err := t.DB.ExecContext(ctx, sqlText, args...); err != nil {
		return err
	}
	return nil
}

func (t *Target) Query(ctx context.Context, sqlText string, args ...any) ([]value.Row, error) {
	ctx, cancel := t.op(ctx)
	defer cancel()
	rows, err := t.DB.QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return driver.ScanRows(rows)
}

func (t *Target) ListTables(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := t.op(ctx)
	defer cancel()
	const q = `SELECT s.name + '.' + tb.name
		FROM sys.tables tb
		JOIN sys.schemas s ON s.schema_id = tb.schema_id
		WHERE tb.name LIKE @p1 + '%'
		ORDER BY 1`
	var names []string
	if err := t.DB.SelectContext(ctx, &names, q, prefix); err != nil {
		return nil, fmt.Errorf("list tables with prefix %q: %w", prefix, err)
	}
	return names, nil
}

func (t *Target) Close() error { return t.DB.Close() }

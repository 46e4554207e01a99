// Package driver defines the narrow database surface the engine runs on: a
// Source for paged reads from any supported dialect and a Target for writes
// into SQL Server or Azure SQL.
//
// Concrete dialects live in subpackages and register themselves at init
// time; importing driver/all (typically as a blank import in the wiring
// layer) makes every built-in dialect available. The engine itself depends
// only on the interfaces here.
package driver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"dbmigrate/internal/config"
	"dbmigrate/internal/value"
)

// Source reads rows from one side of the migration.
type Source interface {
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// ListColumns returns the table's column names in ordinal order.
	ListColumns(ctx context.Context, schema, table string) ([]string, error)
	// RowCount counts the table's rows.
	RowCount(ctx context.Context, schema, table string) (int64, error)
	// DistinctCount counts the distinct values of one column. The validator
	// compares it against RowCount to flag non-unique batch columns.
	DistinctCount(ctx context.Context, schema, table, column string) (int64, error)
	// ReadBatch returns up to size rows ordered by batchColumn, strictly
	// greater than after when after is non-null.
	ReadBatch(ctx context.Context, schema, table, batchColumn string, size int, after value.Value) ([]value.Row, error)
	// ReadAll returns the whole table in a single unpaged read.
	ReadAll(ctx context.Context, schema, table string) ([]value.Row, error)
	Close() error
}

// Target writes rows and owns the target-side session state (identity
// insert, triggers, constraints).
type Target interface {
	Ping(ctx context.Context) error
	ListColumns(ctx context.Context, schema, table string) ([]string, error)
	// IdentityColumnOf returns the table's identity column, or "" when the
	// table has none.
	IdentityColumnOf(ctx context.Context, schema, table string) (string, error)
	// InsertOne inserts a single row over cols. When returnIdentity is set
	// the generated identity value comes back as text.
	InsertOne(ctx context.Context, schema, table string, cols []string, row value.Row, returnIdentity bool) (string, error)
	// BulkInsert inserts rows over cols in one operation.
	BulkInsert(ctx context.Context, schema, table string, cols []string, rows []value.Row) error
	// Truncate empties the table, falling back to a full delete when the
	// truncate operation is rejected (e.g. referential integrity).
	Truncate(ctx context.Context, schema, table string) error
	SetIdentityInsert(ctx context.Context, schema, table string, on bool) error
	DisableTriggers(ctx context.Context, schema, table string) error
	EnableTriggers(ctx context.Context, schema, table string) error
	DisableAllConstraints(ctx context.Context) error
	EnableAllConstraints(ctx context.Context) error
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, sqlText string, args ...any) error
	// Query runs a statement and returns every row.
	Query(ctx context.Context, sqlText string, args ...any) ([]value.Row, error)
	// ListTables returns the target's table names (schema-qualified) for
	// the given schema-less name prefix.
	ListTables(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// SourceFactory opens a Source for a connection descriptor.
type SourceFactory func(ctx context.Context, conn config.Connection, timeout time.Duration) (Source, error)

// TargetFactory opens a Target for a connection descriptor.
type TargetFactory func(ctx context.Context, conn config.Connection, timeout time.Duration) (Target, error)

var (
	sourceFactories = map[config.Provider]SourceFactory{}
	targetFactories = map[config.Provider]TargetFactory{}
)

// RegisterSource registers a source dialect. Called from init in dialect
// subpackages; a duplicate registration is a programming error.
func RegisterSource(p config.Provider, f SourceFactory) {
	if _, dup := sourceFactories[p]; dup {
		panic(fmt.Sprintf("driver: duplicate source registration for %q", p))
	}
	sourceFactories[p] = f
}

// RegisterTarget registers a target dialect.
func RegisterTarget(p config.Provider, f TargetFactory) {
	if _, dup := targetFactories[p]; dup {
		panic(fmt.Sprintf("driver: duplicate target registration for %q", p))
	}
	targetFactories[p] = f
}

// OpenSource opens a Source for the descriptor's provider.
func OpenSource(ctx context.Context, conn config.Connection, timeout time.Duration) (Source, error) {
	f, ok := sourceFactories[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("driver: no source registered for provider %q (known: %v)", conn.Provider, registeredSources())
	}
	return f(ctx, conn, timeout)
}

// OpenTarget opens a Target for the descriptor's provider.
func OpenTarget(ctx context.Context, conn config.Connection, timeout time.Duration) (Target, error) {
	f, ok := targetFactories[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("driver: no target registered for provider %q (known: %v)", conn.Provider, registeredTargets())
	}
	return f(ctx, conn, timeout)
}

func registeredSources() []string {
	out := make([]string, 0, len(sourceFactories))
	for p := range sourceFactories {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

func registeredTargets() []string {
	out := make([]string, 0, len(targetFactories))
	for p := range targetFactories {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

// ScanRows drains an sqlx result set into value rows.
func ScanRows(rows *sqlx.Rows) ([]value.Row, error) {
	defer rows.Close()
	var out []value.Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, value.RowFromAny(m))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Package keymap maintains the persistent oldKey to newKey tables a parent
// table produces when its identity mode generates new keys. One store exists
// per parent; descendants consume the mapping through an in-memory load after
// the parent completes. Key-map tables are the only DDL the engine owns on
// the target. They are dropped at the start of every fresh run and again at
// teardown; a resumed run keeps the tables it finds at startup.
package keymap

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
)

// Prefix marks every key-map table so stale ones can be found and dropped.
const Prefix = "dbmig_keymap_"

// maxIdent is the SQL Server identifier length limit.
const maxIdent = 128

// insertBatch caps the number of value tuples per INSERT statement.
const insertBatch = 1000

// TableName derives the key-map table name for a source table. Dots become
// underscores; names that would exceed the identifier limit are truncated and
// suffixed with a hash of the full derivation so distinct sources never
// collide.
func TableName(source config.TableRef) string {
	base := strings.ReplaceAll(source.String(), ".", "_")
	name := Prefix + base
	if len(name) <= maxIdent {
		return name
	}
	suffix := fmt.Sprintf("_%016x", xxh3.HashString(name))
	return name[:maxIdent-len(suffix)] + suffix
}

// ident quotes a SQL Server identifier using brackets, escaping ].
func ident(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// lit renders a key as an N'...' literal, doubling embedded quotes. Keys are
// user data, so escaping here is what stands between them and the statement
// text.
func lit(s string) string { return `N'` + strings.ReplaceAll(s, `'`, `''`) + `'` }

// Store manages one parent table's key map on the target.
type Store struct {
	target driver.Target
	table  string
}

// New binds a store to the target for the given parent source table. Nothing
// is created until Create runs.
func New(target driver.Target, source config.TableRef) *Store {
	return &Store{target: target, table: TableName(source)}
}

// Table reports the derived key-map table name.
func (s *Store) Table() string { return s.table }

// Create makes the key-map table: oldKey is the primary key, newKey carries a
// secondary index for reverse inspection. A table left behind by an
// interrupted parent is kept, so a resumed run appends to it.
func (s *Store) Create(ctx context.Context) error {
	q := fmt.Sprintf(
		"IF OBJECT_ID(%s, 'U') IS NULL CREATE TABLE %s (oldKey NVARCHAR(450) NOT NULL PRIMARY KEY, newKey NVARCHAR(450) NULL)",
		lit(s.table), ident(s.table))
	if err := s.target.Exec(ctx, q); err != nil {
		return fmt.Errorf("create key map %s: %w", s.table, err)
	}
	idxName := "ix_" + s.table + "_newKey"
	idx := fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = %s) CREATE INDEX %s ON %s (newKey)",
		lit(idxName), ident(idxName), ident(s.table))
	if err := s.target.Exec(ctx, idx); err != nil {
		return fmt.Errorf("index key map %s: %w", s.table, err)
	}
	return nil
}

// Pair is one recorded mapping.
type Pair struct {
	OldKey string
	NewKey string
}

// Append persists pairs in statement batches. Duplicate old keys violate the
// primary key and surface as an error, which is correct: a parent emits each
// source key at most once.
func (s *Store) Append(ctx context.Context, pairs []Pair) error {
	for len(pairs) > 0 {
		n := len(pairs)
		if n > insertBatch {
			n = insertBatch
		}
		var b strings.Builder
		b.WriteString("INSERT INTO ")
		b.WriteString(ident(s.table))
		b.WriteString(" (oldKey, newKey) VALUES ")
		for i, p := range pairs[:n] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			b.WriteString(lit(p.OldKey))
			b.WriteString(", ")
			b.WriteString(lit(p.NewKey))
			b.WriteString(")")
		}
		if err := s.target.Exec(ctx, b.String()); err != nil {
			return fmt.Errorf("append %d pairs to key map %s: %w", n, s.table, err)
		}
		pairs = pairs[n:]
	}
	return nil
}

// Load reads the whole table into a hash map for descendant lookups.
func (s *Store) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.target.Query(ctx, fmt.Sprintf("SELECT oldKey, newKey FROM %s", ident(s.table)))
	if err != nil {
		return nil, fmt.Errorf("load key map %s: %w", s.table, err)
	}
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		old, ok := r["oldKey"]
		if !ok {
			continue
		}
		m[old.Text()] = r["newKey"].Text()
	}
	return m, nil
}

// Drop removes this store's table. Missing tables are not an error so that
// teardown can run unconditionally.
func (s *Store) Drop(ctx context.Context) error {
	return drop(ctx, s.target, s.table)
}

func drop(ctx context.Context, target driver.Target, table string) error {
	q := fmt.Sprintf("IF OBJECT_ID(%s, 'U') IS NOT NULL DROP TABLE %s", lit(table), ident(table))
	if err := target.Exec(ctx, q); err != nil {
		return fmt.Errorf("drop key map %s: %w", table, err)
	}
	return nil
}

// DropAll removes every key-map table on the target, including leftovers from
// earlier runs that never reached teardown.
func DropAll(ctx context.Context, target driver.Target) error {
	names, err := target.ListTables(ctx, Prefix)
	if err != nil {
		return fmt.Errorf("list key map tables: %w", err)
	}
	for _, name := range names {
		// ListTables reports schema-qualified names; key maps live in the
		// default schema, so only the table part matters.
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if err := drop(ctx, target, name); err != nil {
			return err
		}
	}
	return nil
}

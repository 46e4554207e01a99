package keymap

import (
	"context"
	"strings"
	"testing"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/value"
)

// fakeTarget records executed SQL and serves canned query results. The
// embedded interface panics on anything the store should never call.
type fakeTarget struct {
	driver.Target
	execs   []string
	rows    []value.Row
	tables  []string
	execErr error
}

func (f *fakeTarget) Exec(_ context.Context, sqlText string, _ ...any) error {
	f.execs = append(f.execs, sqlText)
	return f.execErr
}

func (f *fakeTarget) Query(_ context.Context, _ string, _ ...any) ([]value.Row, error) {
	return f.rows, nil
}

func (f *fakeTarget) ListTables(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, t := range f.tables {
		name := t
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if strings.HasPrefix(name, prefix) {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestTableName(t *testing.T) {
	cases := []struct {
		name   string
		source config.TableRef
		want   string
	}{
		{"plain", config.TableRef{Name: "customers"}, "dbmig_keymap_customers"},
		{"qualified", config.TableRef{Schema: "dbo", Name: "customers"}, "dbmig_keymap_dbo_customers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TableName(tc.source); got != tc.want {
				t.Fatalf("TableName(%v) = %q, want %q", tc.source, got, tc.want)
			}
		})
	}
}

/*
TestTableName_LongNames checks that derivations past the identifier limit are
truncated with a hash suffix: the result fits in 128 characters, is stable,
and two distinct long sources never map to the same table.
*/
func TestTableName_LongNames(t *testing.T) {
	long := strings.Repeat("a", 150)
	ref := config.TableRef{Schema: "sales", Name: long}

	got := TableName(ref)
	if len(got) > 128 {
		t.Fatalf("name length = %d, want <= 128", len(got))
	}
	if !strings.HasPrefix(got, Prefix) {
		t.Fatalf("name %q lost prefix %q", got, Prefix)
	}
	if again := TableName(ref); again != got {
		t.Fatalf("derivation unstable: %q vs %q", got, again)
	}

	other := config.TableRef{Schema: "sales", Name: long + "b"}
	if TableName(other) == got {
		t.Fatalf("distinct sources collided on %q", got)
	}
}

func TestStore_CreateEmitsSchema(t *testing.T) {
	ft := &fakeTarget{}
	s := New(ft, config.TableRef{Schema: "dbo", Name: "customers"})
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(ft.execs) != 2 {
		t.Fatalf("got %d statements, want table + index", len(ft.execs))
	}
	if !strings.Contains(ft.execs[0], "PRIMARY KEY") || !strings.Contains(ft.execs[0], "NVARCHAR(450)") {
		t.Fatalf("create statement missing key schema: %q", ft.execs[0])
	}
	if !strings.Contains(ft.execs[1], "CREATE INDEX") || !strings.Contains(ft.execs[1], "newKey") {
		t.Fatalf("index statement wrong: %q", ft.execs[1])
	}
}

/*
TestStore_AppendEscapesKeys feeds a key containing a single quote and checks
the emitted literal doubles it, so user data cannot break out of the value
list.
*/
func TestStore_AppendEscapesKeys(t *testing.T) {
	ft := &fakeTarget{}
	s := New(ft, config.TableRef{Name: "customers"})
	err := s.Append(context.Background(), []Pair{{OldKey: "O'Brien", NewKey: "42"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(ft.execs) != 1 {
		t.Fatalf("got %d statements, want 1", len(ft.execs))
	}
	if !strings.Contains(ft.execs[0], "N'O''Brien'") {
		t.Fatalf("quote not escaped in %q", ft.execs[0])
	}
}

func TestStore_AppendBatches(t *testing.T) {
	ft := &fakeTarget{}
	s := New(ft, config.TableRef{Name: "customers"})

	pairs := make([]Pair, 2500)
	for i := range pairs {
		pairs[i] = Pair{OldKey: "old", NewKey: "new"}
	}
	if err := s.Append(context.Background(), pairs); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(ft.execs) != 3 {
		t.Fatalf("got %d statements, want 3", len(ft.execs))
	}
	counts := []int{1000, 1000, 500}
	for i, q := range ft.execs {
		if got := strings.Count(q, "(N'old'"); got != counts[i] {
			t.Fatalf("statement %d has %d tuples, want %d", i, got, counts[i])
		}
	}
}

func TestStore_Load(t *testing.T) {
	ft := &fakeTarget{rows: []value.Row{
		{"oldKey": value.Text("10"), "newKey": value.Text("1001")},
		{"oldKey": value.Text("11"), "newKey": value.Text("1002")},
	}}
	s := New(ft, config.TableRef{Name: "customers"})
	m, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m) != 2 || m["10"] != "1001" || m["11"] != "1002" {
		t.Fatalf("loaded map = %v", m)
	}
}

func TestDropAll(t *testing.T) {
	ft := &fakeTarget{tables: []string{
		"dbo.dbmig_keymap_customers",
		"dbo.dbmig_keymap_dbo_orders",
		"dbo.invoices",
	}}
	if err := DropAll(context.Background(), ft); err != nil {
		t.Fatalf("DropAll: %v", err)
	}
	if len(ft.execs) != 2 {
		t.Fatalf("got %d drops, want 2: %v", len(ft.execs), ft.execs)
	}
	for _, q := range ft.execs {
		if !strings.Contains(q, "DROP TABLE") || strings.Contains(q, "dbo.") {
			t.Fatalf("drop statement should target the bare table name: %q", q)
		}
	}
}

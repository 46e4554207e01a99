package cursor

import (
	"context"
	"testing"

	"dbmigrate/internal/value"
)

// fakeSource serves an ordered key set through the batch read contract.
type fakeSource struct {
	keys  []int64
	reads int
}

func (f *fakeSource) Ping(context.Context) error { return nil }

func (f *fakeSource) ListColumns(context.Context, string, string) ([]string, error) {
	return []string{"id"}, nil
}

func (f *fakeSource) RowCount(context.Context, string, string) (int64, error) {
	return int64(len(f.keys)), nil
}

func (f *fakeSource) DistinctCount(context.Context, string, string, string) (int64, error) {
	return int64(len(f.keys)), nil
}

func (f *fakeSource) ReadBatch(_ context.Context, _, _, _ string, size int, after value.Value) ([]value.Row, error) {
	f.reads++
	var out []value.Row
	for _, k := range f.keys {
		if !after.IsNull() {
			if a, _ := after.Int64(); k <= a {
				continue
			}
		}
		out = append(out, value.Row{"id": value.Int(k)})
		if len(out) == size {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) ReadAll(context.Context, string, string) ([]value.Row, error) {
	f.reads++
	out := make([]value.Row, 0, len(f.keys))
	for _, k := range f.keys {
		out = append(out, value.Row{"id": value.Int(k)})
	}
	return out, nil
}

func (f *fakeSource) Close() error { return nil }

func keysOf(t *testing.T, rows []value.Row) []int64 {
	t.Helper()
	out := make([]int64, len(rows))
	for i, r := range rows {
		k, ok := r["id"].Int64()
		if !ok {
			t.Fatalf("row %d has non-integer id %v", i, r["id"])
		}
		out[i] = k
	}
	return out
}

func equalInt64s(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCursor_Pages(t *testing.T) {
	src := &fakeSource{keys: []int64{1, 2, 3, 4, 5}}
	c := New(src, "dbo", "items", "id", 2, value.Null())
	ctx := context.Background()

	var pages [][]int64
	for {
		rows, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if rows == nil {
			break
		}
		pages = append(pages, keysOf(t, rows))
	}

	want := [][]int64{{1, 2}, {3, 4}, {5}}
	if len(pages) != len(want) {
		t.Fatalf("got %d pages, want %d: %v", len(pages), len(want), pages)
	}
	for i := range want {
		if !equalInt64s(pages[i], want[i]) {
			t.Fatalf("page %d = %v, want %v", i, pages[i], want[i])
		}
	}
	// The short final page already signals exhaustion; no trailing read.
	if src.reads != 3 {
		t.Fatalf("source read %d times, want 3", src.reads)
	}
}

/*
TestCursor_Resume replays the crash-and-restart sequence: two full pages are
acknowledged, the process dies with a persisted last key of 4, and the fresh
cursor seeded with that key reads only the remainder.
*/
func TestCursor_Resume(t *testing.T) {
	src := &fakeSource{keys: []int64{1, 2, 3, 4, 5}}
	c := New(src, "dbo", "items", "id", 2, value.Int(4))

	rows, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := keysOf(t, rows); !equalInt64s(got, []int64{5}) {
		t.Fatalf("resumed page = %v, want [5]", got)
	}
	if k, _ := c.LastKey().Int64(); k != 5 {
		t.Fatalf("LastKey = %v, want 5", c.LastKey())
	}

	rows, err = c.Next(context.Background())
	if err != nil || rows != nil {
		t.Fatalf("after exhaustion got (%v, %v), want (nil, nil)", rows, err)
	}
}

func TestCursor_ExactMultiple(t *testing.T) {
	src := &fakeSource{keys: []int64{1, 2, 3, 4}}
	c := New(src, "", "items", "id", 2, value.Null())
	ctx := context.Background()

	var total int
	for {
		rows, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if rows == nil {
			break
		}
		total += len(rows)
	}
	if total != 4 {
		t.Fatalf("read %d rows, want 4", total)
	}
	// A table whose size is an exact page multiple needs one empty probe.
	if src.reads != 3 {
		t.Fatalf("source read %d times, want 3", src.reads)
	}
}

func TestCursor_SinglePageMode(t *testing.T) {
	src := &fakeSource{keys: []int64{7, 8, 9}}
	c := New(src, "dbo", "items", "id", 0, value.Null())

	rows, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := keysOf(t, rows); !equalInt64s(got, []int64{7, 8, 9}) {
		t.Fatalf("single page = %v, want whole table", got)
	}
	rows, err = c.Next(context.Background())
	if err != nil || rows != nil {
		t.Fatalf("second call got (%v, %v), want (nil, nil)", rows, err)
	}
	if src.reads != 1 {
		t.Fatalf("source read %d times, want 1", src.reads)
	}
}

func TestCursor_EmptyTable(t *testing.T) {
	src := &fakeSource{}
	c := New(src, "dbo", "items", "id", 10, value.Null())

	rows, err := c.Next(context.Background())
	if err != nil || rows != nil {
		t.Fatalf("empty table got (%v, %v), want (nil, nil)", rows, err)
	}
}

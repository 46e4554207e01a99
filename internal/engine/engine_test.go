package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/status"
	"dbmigrate/internal/value"
)

var fixedNow = time.Date(2024, 3, 15, 10, 30, 45, 0, time.UTC)

// fakeSource serves pre-seeded rows per "schema.table" key, ordered by the
// requested batch column.
type fakeSource struct {
	rows    map[string][]value.Row
	reads   map[string]int
	readErr map[string]error
	closed  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{rows: map[string][]value.Row{}, reads: map[string]int{}, readErr: map[string]error{}}
}

func (f *fakeSource) key(schema, table string) string { return schema + "." + table }

func (f *fakeSource) Ping(ctx context.Context) error { return nil }

func (f *fakeSource) ListColumns(ctx context.Context, schema, table string) ([]string, error) {
	rows := f.rows[f.key(schema, table)]
	if len(rows) == 0 {
		return nil, nil
	}
	var cols []string
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

func (f *fakeSource) RowCount(ctx context.Context, schema, table string) (int64, error) {
	return int64(len(f.rows[f.key(schema, table)])), nil
}

func (f *fakeSource) DistinctCount(ctx context.Context, schema, table, column string) (int64, error) {
	seen := map[string]struct{}{}
	for _, r := range f.rows[f.key(schema, table)] {
		seen[r[column].Text()] = struct{}{}
	}
	return int64(len(seen)), nil
}

func (f *fakeSource) ReadBatch(ctx context.Context, schema, table, batchColumn string, size int, after value.Value) ([]value.Row, error) {
	k := f.key(schema, table)
	f.reads[k]++
	if err := f.readErr[k]; err != nil {
		return nil, err
	}
	all := append([]value.Row(nil), f.rows[k]...)
	sort.Slice(all, func(i, j int) bool {
		return value.Compare(all[i][batchColumn], all[j][batchColumn]) < 0
	})
	var out []value.Row
	for _, r := range all {
		if !after.IsNull() && value.Compare(r[batchColumn], after) <= 0 {
			continue
		}
		out = append(out, r)
		if len(out) == size {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) ReadAll(ctx context.Context, schema, table string) ([]value.Row, error) {
	return f.rows[f.key(schema, table)], nil
}

func (f *fakeSource) Close() error { f.closed = true; return nil }

// fakeTarget records every write and emulates just enough key-map behavior
// for the engine's append-then-load cycle to round-trip.
type fakeTarget struct {
	cols     map[string][]string
	identity map[string]string

	inserted   map[string][]value.Row
	insertCols map[string][]string
	insertErr  func(table string, row value.Row) error
	nextKey    int64

	keymap       map[string]string
	keymapTables []string

	execs               []string
	truncated           []string
	triggersOff         []string
	triggersOn          []string
	identityToggles     []string
	constraintsOffCount int
	constraintsOnCount  int
	closed              bool
}

var keymapPairRe = regexp.MustCompile(`\(N'([^']*)', N'([^']*)'\)`)

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		cols:       map[string][]string{},
		identity:   map[string]string{},
		inserted:   map[string][]value.Row{},
		insertCols: map[string][]string{},
		keymap:     map[string]string{},
		nextKey:    1000,
	}
}

func (f *fakeTarget) key(schema, table string) string { return schema + "." + table }

func (f *fakeTarget) Ping(ctx context.Context) error { return nil }

func (f *fakeTarget) ListColumns(ctx context.Context, schema, table string) ([]string, error) {
	return f.cols[f.key(schema, table)], nil
}

func (f *fakeTarget) IdentityColumnOf(ctx context.Context, schema, table string) (string, error) {
	return f.identity[f.key(schema, table)], nil
}

func (f *fakeTarget) InsertOne(ctx context.Context, schema, table string, cols []string, row value.Row, returnIdentity bool) (string, error) {
	k := f.key(schema, table)
	if f.insertErr != nil {
		if err := f.insertErr(k, row); err != nil {
			return "", err
		}
	}
	f.inserted[k] = append(f.inserted[k], row)
	f.insertCols[k] = cols
	if !returnIdentity {
		return "", nil
	}
	f.nextKey++
	return fmt.Sprintf("%d", f.nextKey), nil
}

func (f *fakeTarget) BulkInsert(ctx context.Context, schema, table string, cols []string, rows []value.Row) error {
	k := f.key(schema, table)
	if f.insertErr != nil {
		for _, r := range rows {
			if err := f.insertErr(k, r); err != nil {
				return err
			}
		}
	}
	f.inserted[k] = append(f.inserted[k], rows...)
	f.insertCols[k] = cols
	return nil
}

func (f *fakeTarget) Truncate(ctx context.Context, schema, table string) error {
	f.truncated = append(f.truncated, f.key(schema, table))
	return nil
}

func (f *fakeTarget) SetIdentityInsert(ctx context.Context, schema, table string, on bool) error {
	f.identityToggles = append(f.identityToggles, fmt.Sprintf("%s:%v", f.key(schema, table), on))
	return nil
}

func (f *fakeTarget) DisableTriggers(ctx context.Context, schema, table string) error {
	f.triggersOff = append(f.triggersOff, f.key(schema, table))
	return nil
}

func (f *fakeTarget) EnableTriggers(ctx context.Context, schema, table string) error {
	f.triggersOn = append(f.triggersOn, f.key(schema, table))
	return nil
}

func (f *fakeTarget) DisableAllConstraints(ctx context.Context) error {
	f.constraintsOffCount++
	return nil
}

func (f *fakeTarget) EnableAllConstraints(ctx context.Context) error {
	f.constraintsOnCount++
	return nil
}

func (f *fakeTarget) Exec(ctx context.Context, sqlText string, args ...any) error {
	f.execs = append(f.execs, sqlText)
	if strings.HasPrefix(sqlText, "INSERT INTO [dbmig_keymap_") {
		for _, m := range keymapPairRe.FindAllStringSubmatch(sqlText, -1) {
			f.keymap[m[1]] = m[2]
		}
	}
	return nil
}

func (f *fakeTarget) Query(ctx context.Context, sqlText string, args ...any) ([]value.Row, error) {
	if !strings.HasPrefix(sqlText, "SELECT oldKey") {
		return nil, fmt.Errorf("unexpected query %q", sqlText)
	}
	var out []value.Row
	for old, nw := range f.keymap {
		out = append(out, value.Row{"oldKey": value.Text(old), "newKey": value.Text(nw)})
	}
	return out, nil
}

func (f *fakeTarget) ListTables(ctx context.Context, prefix string) ([]string, error) {
	return f.keymapTables, nil
}

func (f *fakeTarget) Close() error { f.closed = true; return nil }

var (
	_ driver.Source = (*fakeSource)(nil)
	_ driver.Target = (*fakeTarget)(nil)
)

func customersJob() config.TableJob {
	return config.TableJob{
		Order:       1,
		Include:     true,
		Source:      config.TableRef{Schema: "dbo", Name: "customers"},
		Target:      config.TableRef{Schema: "dbo", Name: "customers"},
		BatchColumn: "id",
		Mappings: []config.SimpleMapping{
			{SourceColumn: "id", TargetColumn: "id"},
			{SourceColumn: "name", TargetColumn: "name"},
		},
		Settings: config.TableSettings{
			IdentityMode:       config.IdentityGenerate,
			IdentityColumn:     "id",
			ExistingDataAction: config.ActionAppend,
		},
	}
}

func ordersJob() config.TableJob {
	return config.TableJob{
		Order:       2,
		Include:     true,
		Source:      config.TableRef{Schema: "dbo", Name: "orders"},
		Target:      config.TableRef{Schema: "dbo", Name: "orders"},
		BatchColumn: "id",
		Mappings: []config.SimpleMapping{
			{SourceColumn: "id", TargetColumn: "id"},
			{SourceColumn: "amount", TargetColumn: "amount"},
		},
		Settings: config.TableSettings{
			IdentityMode:       config.IdentityPreserve,
			ExistingDataAction: config.ActionTruncate,
		},
		Transformations: []config.Transformation{
			{
				Kind:              config.KindKeyLookup,
				Source:            "customer_id",
				Target:            "customer_id",
				KeyMapParentTable: "dbo.customers",
			},
		},
	}
}

func testPlan(jobs ...config.TableJob) *config.MigrationPlan {
	return &config.MigrationPlan{
		Name:                "crm",
		BatchSize:           2,
		QueryTimeoutSeconds: 30,
		Tables:              jobs,
	}
}

func seedFixtures(src *fakeSource, tgt *fakeTarget) {
	src.rows["dbo.customers"] = []value.Row{
		{"id": value.Int(1), "name": value.Text("Ada")},
		{"id": value.Int(2), "name": value.Text("Grace")},
		{"id": value.Int(3), "name": value.Text("Edsger")},
	}
	src.rows["dbo.orders"] = []value.Row{
		{"id": value.Int(10), "customer_id": value.Int(1), "amount": value.Decimal(9.5)},
		{"id": value.Int(11), "customer_id": value.Int(3), "amount": value.Decimal(42)},
	}
	tgt.cols["dbo.customers"] = []string{"id", "name"}
	tgt.identity["dbo.customers"] = "id"
	tgt.cols["dbo.orders"] = []string{"id", "customer_id", "amount"}
}

func newRunner(t *testing.T, plan *config.MigrationPlan, src *fakeSource, tgt *fakeTarget, resume bool) *Runner {
	t.Helper()
	return &Runner{
		Plan:         plan,
		Source:       src,
		Target:       tgt,
		Dir:          t.TempDir(),
		Resume:       resume,
		IncludedOnly: true,
		Log:          zap.NewNop(),
		Clock:        func() time.Time { return fixedNow },
	}
}

func readProgress(t *testing.T, dir, name string) *status.Progress {
	t.Helper()
	path, err := status.FindLatestProgress(dir, name)
	if err != nil || path == "" {
		t.Fatalf("locate progress artefact: path=%q err=%v", path, err)
	}
	p, err := status.LoadProgress(path)
	if err != nil {
		t.Fatalf("load progress artefact: %v", err)
	}
	return p
}

func TestRun_GenerateParentRemapsChildKeys(t *testing.T) {
	src := newFakeSource()
	tgt := newFakeTarget()
	seedFixtures(src, tgt)

	r := newRunner(t, testPlan(customersJob(), ordersJob()), src, tgt, false)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Generated identities mean the parent inserts row by row without its
	// identity column.
	if got := tgt.insertCols["dbo.customers"]; len(got) != 1 || got[0] != "name" {
		t.Fatalf("customer insert columns = %v, want [name]", got)
	}
	if n := len(tgt.inserted["dbo.customers"]); n != 3 {
		t.Fatalf("customers inserted = %d, want 3", n)
	}

	// Children resolve the generated keys through the key map.
	orders := tgt.inserted["dbo.orders"]
	if len(orders) != 2 {
		t.Fatalf("orders inserted = %d, want 2", len(orders))
	}
	want := map[string]string{"10": tgt.keymap["1"], "11": tgt.keymap["3"]}
	for _, row := range orders {
		id := row["id"].Text()
		if got := row["customer_id"].Text(); got != want[id] {
			t.Errorf("order %s customer_id = %q, want %q", id, got, want[id])
		}
	}
	if len(tgt.truncated) != 1 || tgt.truncated[0] != "dbo.orders" {
		t.Errorf("truncated = %v, want [dbo.orders]", tgt.truncated)
	}

	p := readProgress(t, r.Dir, "crm")
	if p.Status != status.RunCompleted {
		t.Errorf("run status = %q, want %q", p.Status, status.RunCompleted)
	}
	for _, tp := range p.Tables {
		if tp.Status != status.TableCompleted {
			t.Errorf("table %s status = %q, want Completed", tp.SourceTable, tp.Status)
		}
		if tp.ProcessedRows != tp.TotalRows {
			t.Errorf("table %s processed %d of %d", tp.SourceTable, tp.ProcessedRows, tp.TotalRows)
		}
	}

	if tgt.constraintsOffCount != 1 || tgt.constraintsOnCount != 1 {
		t.Errorf("constraint toggles off=%d on=%d, want 1/1", tgt.constraintsOffCount, tgt.constraintsOnCount)
	}
	if len(tgt.triggersOff) != 2 || len(tgt.triggersOn) != 2 {
		t.Errorf("trigger toggles off=%v on=%v, want both tables", tgt.triggersOff, tgt.triggersOn)
	}
	if !src.closed || !tgt.closed {
		t.Errorf("connections closed source=%v target=%v, want both", src.closed, tgt.closed)
	}
}

func TestRun_RowErrorSkipsRowAndContinues(t *testing.T) {
	src := newFakeSource()
	tgt := newFakeTarget()
	seedFixtures(src, tgt)
	tgt.insertErr = func(table string, row value.Row) error {
		if table == "dbo.customers" && row["name"].Text() == "Grace" {
			return fmt.Errorf("string or binary data would be truncated")
		}
		return nil
	}

	r := newRunner(t, testPlan(customersJob(), ordersJob()), src, tgt, false)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(tgt.inserted["dbo.customers"]); n != 2 {
		t.Fatalf("customers inserted = %d, want 2 after one skip", n)
	}

	data, err := os.ReadFile(writerFor(t, r).RowErrorsPath())
	if err != nil {
		t.Fatalf("read row errors artefact: %v", err)
	}
	var re status.RowErrors
	if err := json.Unmarshal(data, &re); err != nil {
		t.Fatalf("parse row errors artefact: %v", err)
	}
	if re.TotalRowErrors != 1 {
		t.Fatalf("totalRowErrors = %d, want 1", re.TotalRowErrors)
	}
	row := re.Tables[0].Rows[0]
	if row.SourceKeyValue != "2" {
		t.Errorf("sourceKeyValue = %q, want \"2\"", row.SourceKeyValue)
	}
	if !strings.Contains(row.ErrorMessage, "truncated") {
		t.Errorf("errorMessage = %q, want the insert failure", row.ErrorMessage)
	}
	if row.SourceData["name"] != "Grace" {
		t.Errorf("sourceData.name = %v, want Grace", row.SourceData["name"])
	}

	// Row errors are contained: the run still completes.
	p := readProgress(t, r.Dir, "crm")
	if p.Status != status.RunCompleted {
		t.Errorf("run status = %q, want Completed despite row errors", p.Status)
	}
}

func writerFor(t *testing.T, r *Runner) *status.Writer {
	t.Helper()
	path, err := status.FindLatestProgress(r.Dir, r.Plan.Name)
	if err != nil || path == "" {
		t.Fatalf("locate progress artefact: path=%q err=%v", path, err)
	}
	return status.ResumeWriter(path)
}

func TestRun_ResumeSkipsCompletedTables(t *testing.T) {
	src := newFakeSource()
	tgt := newFakeTarget()
	seedFixtures(src, tgt)

	// Artefacts from the interrupted run: parent done, child untouched.
	dir := t.TempDir()
	w := status.NewWriter(dir, "crm", fixedNow.Add(-time.Hour))
	processed := "3"
	prior := &status.Progress{
		MigrationName: "crm",
		StartedAt:     status.Timestamp(fixedNow.Add(-time.Hour)),
		Status:        status.RunFailed,
		Tables: []*status.TableProgress{
			{SourceTable: "dbo.customers", TargetTable: "dbo.customers", Status: status.TableCompleted, TotalRows: 3, ProcessedRows: 3, LastBatchKeyValue: &processed},
			{SourceTable: "dbo.orders", TargetTable: "dbo.orders", Status: status.TablePending},
		},
	}
	if err := w.WriteProgress(prior); err != nil {
		t.Fatalf("seed progress artefact: %v", err)
	}
	if err := w.WriteRowErrors(&status.RowErrors{MigrationName: "crm", MigrationRunID: "run-123"}); err != nil {
		t.Fatalf("seed row errors artefact: %v", err)
	}
	// The parent's key map survives on the target because the interrupted run
	// never reached teardown.
	tgt.keymap = map[string]string{"1": "501", "2": "502", "3": "503"}

	r := newRunner(t, testPlan(customersJob(), ordersJob()), src, tgt, true)
	r.Dir = dir
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if src.reads["dbo.customers"] != 0 {
		t.Errorf("completed parent read %d times, want 0", src.reads["dbo.customers"])
	}
	if n := len(tgt.inserted["dbo.customers"]); n != 0 {
		t.Errorf("completed parent re-inserted %d rows", n)
	}

	orders := tgt.inserted["dbo.orders"]
	if len(orders) != 2 {
		t.Fatalf("orders inserted = %d, want 2", len(orders))
	}
	want := map[string]string{"10": "501", "11": "503"}
	for _, row := range orders {
		id := row["id"].Text()
		if got := row["customer_id"].Text(); got != want[id] {
			t.Errorf("order %s customer_id = %q, want %q", id, got, want[id])
		}
	}

	// The resumed run keeps writing under the original run identity.
	data, err := os.ReadFile(w.RowErrorsPath())
	if err != nil {
		t.Fatalf("read row errors artefact: %v", err)
	}
	if !strings.Contains(string(data), "run-123") {
		t.Errorf("resumed row errors artefact lost the original run id")
	}

	p := readProgress(t, dir, "crm")
	if p.Status != status.RunCompleted {
		t.Errorf("run status = %q, want Completed", p.Status)
	}
}

func TestRun_ResumeWithoutArtefactFails(t *testing.T) {
	src := newFakeSource()
	tgt := newFakeTarget()
	seedFixtures(src, tgt)

	r := newRunner(t, testPlan(customersJob()), src, tgt, true)
	err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no prior progress artefact") {
		t.Fatalf("Run err = %v, want missing-artefact failure", err)
	}
}

func TestRun_FatalErrorTearsDownAndMarksFailed(t *testing.T) {
	src := newFakeSource()
	tgt := newFakeTarget()
	seedFixtures(src, tgt)
	src.readErr["dbo.customers"] = fmt.Errorf("connection reset by peer")

	r := newRunner(t, testPlan(customersJob(), ordersJob()), src, tgt, false)
	err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Run err = %v, want the read failure", err)
	}

	if tgt.constraintsOnCount != 1 {
		t.Errorf("constraints re-enabled %d times, want 1", tgt.constraintsOnCount)
	}
	if !src.closed || !tgt.closed {
		t.Errorf("connections closed source=%v target=%v, want both", src.closed, tgt.closed)
	}

	p := readProgress(t, r.Dir, "crm")
	if p.Status != status.RunFailed {
		t.Errorf("run status = %q, want Failed", p.Status)
	}
	if got := p.Table("dbo.customers").Status; got != status.TableFailed {
		t.Errorf("failed table status = %q, want Failed", got)
	}
	if got := p.Table("dbo.orders").Status; got != status.TablePending {
		t.Errorf("untouched table status = %q, want Pending", got)
	}
}

func TestRun_CancellationMarksRunFailed(t *testing.T) {
	src := newFakeSource()
	tgt := newFakeTarget()
	seedFixtures(src, tgt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRunner(t, testPlan(customersJob()), src, tgt, false)
	err := r.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), context.Canceled.Error()) {
		t.Fatalf("Run err = %v, want context cancellation", err)
	}

	// Teardown still restores the target.
	if tgt.constraintsOnCount != 1 {
		t.Errorf("constraints re-enabled %d times, want 1", tgt.constraintsOnCount)
	}
	p := readProgress(t, r.Dir, "crm")
	if p.Status != status.RunFailed {
		t.Errorf("run status = %q, want Failed", p.Status)
	}
	if got := p.Table("dbo.customers").Status; got != status.TablePending {
		t.Errorf("table status = %q, want Pending when canceled before its first batch", got)
	}
}

func TestRun_OrdersJobsAndAppliesIncludeFilter(t *testing.T) {
	src := newFakeSource()
	tgt := newFakeTarget()
	seedFixtures(src, tgt)

	excluded := ordersJob()
	excluded.Include = false
	second := customersJob()
	second.Order = 5

	first := config.TableJob{
		Order:       3,
		Include:     true,
		Source:      config.TableRef{Schema: "dbo", Name: "orders"},
		Target:      config.TableRef{Schema: "dbo", Name: "orders"},
		BatchColumn: "id",
		Mappings: []config.SimpleMapping{
			{SourceColumn: "id", TargetColumn: "id"},
			{SourceColumn: "amount", TargetColumn: "amount"},
		},
		Settings: config.TableSettings{
			IdentityMode:       config.IdentityPreserve,
			ExistingDataAction: config.ActionAppend,
		},
	}

	r := newRunner(t, testPlan(second, excluded, first), src, tgt, false)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(tgt.triggersOff) != 2 {
		t.Fatalf("migrated tables = %v, want 2 after include filter", tgt.triggersOff)
	}
	if tgt.triggersOff[0] != "dbo.orders" || tgt.triggersOff[1] != "dbo.customers" {
		t.Errorf("migration order = %v, want orders before customers", tgt.triggersOff)
	}
}

func TestSeedKey(t *testing.T) {
	tests := []struct {
		in   string
		want value.Value
	}{
		{"42", value.Int(42)},
		{"-7", value.Int(-7)},
		{"3.25", value.Decimal(3.25)},
		{"ORD-0001", value.Text("ORD-0001")},
	}
	for _, tc := range tests {
		if got := seedKey(tc.in); !got.Equal(tc.want) {
			t.Errorf("seedKey(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

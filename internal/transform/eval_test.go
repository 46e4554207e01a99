package transform

import (
	"reflect"
	"testing"
	"time"

	"dbmigrate/internal/config"
	"dbmigrate/internal/value"
)

// fixedEnv pins every ambient value so programs evaluate deterministically.
type fixedEnv struct{}

func (fixedEnv) NowLocal() time.Time {
	return time.Date(2024, 3, 15, 10, 30, 0, 0, time.Local)
}
func (fixedEnv) NowUTC() time.Time {
	return time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
}
func (fixedEnv) NewGUID() string     { return "11111111-2222-3333-4444-555555555555" }
func (fixedEnv) CurrentUser() string { return "svc_migrate" }

func compile(t *testing.T, job config.TableJob) *Program {
	t.Helper()
	p, err := Compile(job, fixedEnv{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return p
}

func apply(t *testing.T, p *Program, src value.Row, km KeyMaps) value.Row {
	t.Helper()
	res, err := p.Apply(src, km)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return res.Row
}

func strptr(s string) *string { return &s }

/*
TestApply_ConcatWithNulls pins the concat null rule: null column parts
contribute empty text, and the default only applies when every column part
was null and the joined text trims to empty.
*/
func TestApply_ConcatWithNulls(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindConcat, Target: "FullName", NullDefault: strptr("Unknown"),
			Parts: []config.ConcatPart{
				{Column: "FirstName"},
				{Literal: " ", IsLit: true},
				{Column: "LastName"},
			},
		}},
	}
	p := compile(t, job)

	got := apply(t, p, value.Row{"FirstName": value.Text("Ada"), "LastName": value.Null()}, nil)
	if !got["FullName"].Equal(value.Text("Ada ")) {
		t.Errorf("FullName = %q, want %q", got["FullName"].Text(), "Ada ")
	}

	got = apply(t, p, value.Row{"FirstName": value.Null(), "LastName": value.Null()}, nil)
	if !got["FullName"].Equal(value.Text("Unknown")) {
		t.Errorf("FullName = %q, want Unknown", got["FullName"].Text())
	}
}

/*
TestApply_SplitPastEnd verifies fragments are trimmed and indexes past the
last fragment yield null.
*/
func TestApply_SplitPastEnd(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindSplit, Source: "Addr", Delimiter: ", ",
			SplitTargets: []config.SplitTarget{
				{Index: 0, Column: "Street"},
				{Index: 1, Column: "City"},
				{Index: 2, Column: "State"},
			},
		}},
	}
	p := compile(t, job)

	got := apply(t, p, value.Row{"Addr": value.Text("221B, Baker St")}, nil)
	if !got["Street"].Equal(value.Text("221B")) {
		t.Errorf("Street = %q", got["Street"].Text())
	}
	if !got["City"].Equal(value.Text("Baker St")) {
		t.Errorf("City = %q", got["City"].Text())
	}
	if !got["State"].IsNull() {
		t.Errorf("State should be null, got %q", got["State"].Text())
	}

	got = apply(t, p, value.Row{"Addr": value.Null()}, nil)
	for _, col := range []string{"Street", "City", "State"} {
		if !got[col].IsNull() {
			t.Errorf("%s should be null for null source", col)
		}
	}
}

/*
TestApply_LookupWithDefault covers the case-sensitive table, the miss
default, and the null-source path which bypasses the default.
*/
func TestApply_LookupWithDefault(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindLookup, Source: "Status", Target: "StatusID",
			LookupTable:   map[string]string{"A": "1", "I": "2"},
			LookupDefault: strptr("0"),
		}},
	}
	p := compile(t, job)

	tests := []struct {
		in   value.Value
		want value.Value
	}{
		{value.Text("X"), value.Text("0")},
		{value.Text("A"), value.Text("1")},
		{value.Text("a"), value.Text("0")}, // case-sensitive: miss
		{value.Null(), value.Null()},       // no nullDefault configured
	}
	for _, tc := range tests {
		got := apply(t, p, value.Row{"Status": tc.in}, nil)
		if !got["StatusID"].Equal(tc.want) {
			t.Errorf("lookup(%v) = %v, want %v", tc.in.Text(), got["StatusID"].Text(), tc.want.Text())
		}
	}
}

/*
TestApply_KeyLookup covers the parent-map hit, the miss with nullDefault,
and the null source.
*/
func TestApply_KeyLookup(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindKeyLookup, Source: "CustID", Target: "CustomerID",
			KeyMapParentTable: "dbo.Customers", KeyMapParentKeyColumn: "CustID",
			NullDefault: strptr("-1"),
		}},
	}
	p := compile(t, job)
	km := KeyMaps{"dbo.Customers": {"100": "5001"}}

	got := apply(t, p, value.Row{"CustID": value.Text("100")}, km)
	if !got["CustomerID"].Equal(value.Text("5001")) {
		t.Errorf("hit = %q, want 5001", got["CustomerID"].Text())
	}
	got = apply(t, p, value.Row{"CustID": value.Text("999")}, km)
	if !got["CustomerID"].Equal(value.Text("-1")) {
		t.Errorf("miss = %q, want -1", got["CustomerID"].Text())
	}
	got = apply(t, p, value.Row{"CustID": value.Null()}, km)
	if !got["CustomerID"].Equal(value.Text("-1")) {
		t.Errorf("null source = %q, want -1", got["CustomerID"].Text())
	}
}

/*
TestApply_SimpleMappingSuppression verifies that a simple mapping whose
target is claimed by a transformation does not run, while unclaimed mappings
copy through.
*/
func TestApply_SimpleMappingSuppression(t *testing.T) {
	job := config.TableJob{
		Mappings: []config.SimpleMapping{
			{SourceColumn: "code", TargetColumn: "Code"},
			{SourceColumn: "name", TargetColumn: "Name"},
		},
		Transformations: []config.Transformation{{
			Kind: config.KindStatic, Target: "Name", Literal: strptr("overridden"),
		}},
	}
	p := compile(t, job)

	got := apply(t, p, value.Row{"code": value.Text("US"), "name": value.Text("original")}, nil)
	if !got["Code"].Equal(value.Text("US")) {
		t.Errorf("Code = %q", got["Code"].Text())
	}
	if !got["Name"].Equal(value.Text("overridden")) {
		t.Errorf("Name = %q, want the transformation to win", got["Name"].Text())
	}
}

/*
TestApply_Conditional walks the first-match-wins branch order, the else
branch, and the emit-null default.
*/
func TestApply_Conditional(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindConditional, Target: "Tier",
			Whens: []config.ConditionalWhen{
				{Predicate: "score >= 90", Value: config.ValueSpec{Literal: "gold", IsLit: true}},
				{Predicate: "score >= 50", Value: config.ValueSpec{Literal: "silver", IsLit: true}},
				{Predicate: "score IS NULL", Value: config.ValueSpec{Literal: "unscored", IsLit: true}},
			},
			Else: &config.ValueSpec{Literal: "bronze", IsLit: true},
		}},
	}
	p := compile(t, job)

	tests := []struct {
		score value.Value
		want  string
	}{
		{value.Int(95), "gold"},
		{value.Int(90), "gold"},
		{value.Int(60), "silver"},
		{value.Int(10), "bronze"},
		{value.Null(), "unscored"},
	}
	for _, tc := range tests {
		got := apply(t, p, value.Row{"score": tc.score}, nil)
		if got["Tier"].Text() != tc.want {
			t.Errorf("score %v -> %q, want %q", tc.score.Text(), got["Tier"].Text(), tc.want)
		}
	}

	noElse := job
	noElse.Transformations = []config.Transformation{{
		Kind: config.KindConditional, Target: "Tier",
		Whens: []config.ConditionalWhen{
			{Predicate: "score >= 90", Value: config.ValueSpec{Literal: "gold", IsLit: true}},
		},
	}}
	p = compile(t, noElse)
	got := apply(t, p, value.Row{"score": value.Int(1)}, nil)
	if !got["Tier"].IsNull() {
		t.Errorf("no branch, no else should emit null, got %q", got["Tier"].Text())
	}
}

/*
TestApply_Calculated covers arithmetic, string concatenation via +, and the
null-propagation-to-default rule.
*/
func TestApply_Calculated(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindCalculated, Target: "Total",
			Expression: "price * qty", NullDefault: strptr("0"),
		}},
	}
	p := compile(t, job)

	got := apply(t, p, value.Row{"price": value.Decimal(2.5), "qty": value.Int(4)}, nil)
	if f, ok := got["Total"].Float64(); !ok || f != 10 {
		t.Errorf("Total = %v, want 10", got["Total"].Text())
	}

	got = apply(t, p, value.Row{"price": value.Null(), "qty": value.Int(4)}, nil)
	if !got["Total"].Equal(value.Text("0")) {
		t.Errorf("null operand should take the default, got %v", got["Total"].Text())
	}

	concatJob := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindCalculated, Target: "Label",
			Expression: "code + '-' + region",
		}},
	}
	p = compile(t, concatJob)
	got = apply(t, p, value.Row{"code": value.Text("US"), "region": value.Text("east")}, nil)
	if !got["Label"].Equal(value.Text("US-east")) {
		t.Errorf("Label = %q", got["Label"].Text())
	}
}

/*
TestApply_CalculatedErrors verifies that evaluation failures surface as row
errors rather than panics or silent nulls.
*/
func TestApply_CalculatedErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
		row  value.Row
	}{
		{"division by zero", "a / b", value.Row{"a": value.Int(1), "b": value.Int(0)}},
		{"non-numeric multiply", "a * b", value.Row{"a": value.Text("x"), "b": value.Int(2)}},
		{"unknown column", "missing + 1", value.Row{"a": value.Int(1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := compile(t, config.TableJob{
				Transformations: []config.Transformation{{
					Kind: config.KindCalculated, Target: "X", Expression: tc.expr,
				}},
			})
			if _, err := p.Apply(tc.row, nil); err == nil {
				t.Fatalf("expected row error for %s", tc.name)
			}
		})
	}
}

/*
TestApply_Static pins every function against the fixed environment and the
literal form.
*/
func TestApply_Static(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{
			{Kind: config.KindStatic, Target: "At", Function: config.FuncNowUTC},
			{Kind: config.KindStatic, Target: "RunID", Function: config.FuncNewGUID},
			{Kind: config.KindStatic, Target: "By", Function: config.FuncCurrentUser},
			{Kind: config.KindStatic, Target: "Tag", Literal: strptr("imported")},
		},
	}
	p := compile(t, job)
	got := apply(t, p, value.Row{}, nil)

	if ts, ok := got["At"].TimeVal(); !ok || !ts.Equal(fixedEnv{}.NowUTC()) {
		t.Errorf("At = %v", got["At"].Text())
	}
	if got["RunID"].Text() != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("RunID = %q", got["RunID"].Text())
	}
	if got["By"].Text() != "svc_migrate" {
		t.Errorf("By = %q", got["By"].Text())
	}
	if got["Tag"].Text() != "imported" {
		t.Errorf("Tag = %q", got["Tag"].Text())
	}
}

/*
TestApply_Convert covers successful conversions, the warning-and-default
failure path, and explicit source formats.
*/
func TestApply_Convert(t *testing.T) {
	job := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindConvert, Source: "raw", Target: "Out",
			TargetType: "int", NullDefault: strptr("-1"),
		}},
	}
	p := compile(t, job)

	res, err := p.Apply(value.Row{"raw": value.Text("42")}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n, ok := res.Row["Out"].Int64(); !ok || n != 42 {
		t.Errorf("Out = %v", res.Row["Out"].Text())
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}

	res, err = p.Apply(value.Row{"raw": value.Text("forty-two")}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Row["Out"].Equal(value.Text("-1")) {
		t.Errorf("failed convert should take the default, got %v", res.Row["Out"].Text())
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", res.Warnings)
	}

	dateJob := config.TableJob{
		Transformations: []config.Transformation{{
			Kind: config.KindConvert, Source: "d", Target: "D",
			TargetType: "datetime", SourceFormat: "dd/MM/yyyy",
		}},
	}
	p = compile(t, dateJob)
	got := apply(t, p, value.Row{"d": value.Text("15/03/2024")}, nil)
	ts, ok := got["D"].TimeVal()
	if !ok || ts.Year() != 2024 || ts.Month() != time.March || ts.Day() != 15 {
		t.Errorf("D = %v", got["D"].Text())
	}
}

/*
TestApply_Deterministic runs the same program against the same row repeatedly
and demands identical output, with the ambient functions pinned.
*/
func TestApply_Deterministic(t *testing.T) {
	job := config.TableJob{
		Mappings: []config.SimpleMapping{{SourceColumn: "id", TargetColumn: "ID"}},
		Transformations: []config.Transformation{
			{Kind: config.KindCalculated, Target: "Score", Expression: "(base + bonus) * 2"},
			{Kind: config.KindStatic, Target: "RunID", Function: config.FuncNewGUID},
			{
				Kind: config.KindConditional, Target: "Band",
				Whens: []config.ConditionalWhen{
					{Predicate: "base > 10", Value: config.ValueSpec{Literal: "high", IsLit: true}},
				},
				Else: &config.ValueSpec{Literal: "low", IsLit: true},
			},
		},
	}
	p := compile(t, job)
	src := value.Row{"id": value.Int(7), "base": value.Int(12), "bonus": value.Int(3)}

	first := apply(t, p, src, nil)
	for i := 0; i < 10; i++ {
		again := apply(t, p, src, nil)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differed: %v vs %v", i, first, again)
		}
	}
}

/*
TestApply_SimpleMappingDateFormat verifies the optional per-mapping date
parsing and its warning on mismatch.
*/
func TestApply_SimpleMappingDateFormat(t *testing.T) {
	job := config.TableJob{
		Mappings: []config.SimpleMapping{
			{SourceColumn: "logged", TargetColumn: "LoggedAt", SourceDateFormat: "yyyy-MM-dd HH:mm:ss"},
		},
	}
	p := compile(t, job)

	res, err := p.Apply(value.Row{"logged": value.Text("2024-03-15 10:30:00")}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := res.Row["LoggedAt"].TimeVal(); !ok {
		t.Fatalf("LoggedAt = %v, want a timestamp", res.Row["LoggedAt"].Text())
	}

	res, err = p.Apply(value.Row{"logged": value.Text("not a date")}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Row["LoggedAt"].IsNull() || len(res.Warnings) != 1 {
		t.Fatalf("mismatch should null the column with a warning, got %v / %v", res.Row["LoggedAt"].Text(), res.Warnings)
	}
}

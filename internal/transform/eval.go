package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dbmigrate/internal/config"
	"dbmigrate/internal/value"
)

// KeyMaps carries the in-memory old-to-new key maps of every completed parent
// table, keyed by the parent's full source table name.
type KeyMaps map[string]map[string]string

// Program is a compiled per-table transformation program. Compile parses
// every expression, predicate, and date format once; Apply then runs the
// program against one source row at a time.
type Program struct {
	env      Environment
	mappings []compiledMapping
	steps    []step
}

type compiledMapping struct {
	source string
	target string
	layout string // Go layout, empty when no date parsing is configured
}

type step struct {
	tr    config.Transformation
	expr  exprNode     // calculated
	preds []*Predicate // conditional, parallel to tr.Whens
}

// Result is the outcome of applying the program to one row. Warnings are
// row-scoped findings (failed conversions) that do not fail the row.
type Result struct {
	Row      value.Row
	Warnings []string
}

// Compile builds the executable program for one table job.
func Compile(job config.TableJob, env Environment) (*Program, error) {
	p := &Program{env: env}

	claimed := map[string]struct{}{}
	for _, tr := range job.Transformations {
		for _, col := range tr.TargetColumns() {
			claimed[strings.ToLower(col)] = struct{}{}
		}
	}

	for _, m := range job.Mappings {
		if _, taken := claimed[strings.ToLower(m.TargetColumn)]; taken {
			continue
		}
		cm := compiledMapping{source: m.SourceColumn, target: m.TargetColumn}
		if m.SourceDateFormat != "" {
			cm.layout = GoLayout(m.SourceDateFormat)
		}
		p.mappings = append(p.mappings, cm)
	}

	for i, tr := range job.Transformations {
		st := step{tr: tr}
		switch tr.Kind {
		case config.KindCalculated:
			node, err := ParseExpression(tr.Expression)
			if err != nil {
				return nil, fmt.Errorf("transformation %d: %w", i, err)
			}
			st.expr = node
		case config.KindConditional:
			for _, w := range tr.Whens {
				pred, err := ParsePredicate(w.Predicate)
				if err != nil {
					return nil, fmt.Errorf("transformation %d: %w", i, err)
				}
				st.preds = append(st.preds, pred)
			}
		}
		p.steps = append(p.steps, st)
	}

	return p, nil
}

// Apply evaluates the program against one source row. The returned row
// contains only target columns. An error fails the whole row; the caller
// records it as a row error and continues the batch.
func (p *Program) Apply(src value.Row, keyMaps KeyMaps) (Result, error) {
	out := value.Row{}
	var warnings []string
	warnf := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	for _, m := range p.mappings {
		v, _ := rowLookup(src, m.source)
		if m.layout != "" && !v.IsNull() {
			if t, err := time.Parse(m.layout, strings.TrimSpace(v.Text())); err == nil {
				v = value.Time(t)
			} else {
				warnf("column %s: value %q does not match the configured date format", m.source, v.Text())
				v = value.Null()
			}
		}
		out[m.target] = v
	}

	for i, st := range p.steps {
		if err := p.applyStep(st, src, out, keyMaps, warnf); err != nil {
			return Result{}, fmt.Errorf("transformation %d (%s -> %s): %w", i, st.tr.Kind, st.tr.Target, err)
		}
	}

	return Result{Row: out, Warnings: warnings}, nil
}

func (p *Program) applyStep(st step, src, out value.Row, keyMaps KeyMaps, warnf func(string, ...any)) error {
	tr := st.tr
	switch tr.Kind {
	case config.KindSimple:
		v, _ := rowLookup(src, tr.Source)
		out[tr.Target] = withNullDefault(v, tr.NullDefault)

	case config.KindConcat:
		var b strings.Builder
		allColumnsNull := true
		for _, part := range tr.Parts {
			if part.IsLit {
				b.WriteString(part.Literal)
				continue
			}
			v, _ := rowLookup(src, part.Column)
			if !v.IsNull() {
				allColumnsNull = false
			}
			b.WriteString(v.Text())
		}
		joined := b.String()
		if allColumnsNull && strings.TrimSpace(joined) == "" {
			out[tr.Target] = nullDefaultValue(tr.NullDefault)
		} else {
			out[tr.Target] = value.Text(joined)
		}

	case config.KindSplit:
		v, _ := rowLookup(src, tr.Source)
		var frags []string
		if !v.IsNull() {
			frags = strings.Split(v.Text(), tr.Delimiter)
		}
		for _, sp := range tr.SplitTargets {
			if sp.Index >= 0 && sp.Index < len(frags) {
				out[sp.Column] = value.Text(strings.TrimSpace(frags[sp.Index]))
			} else {
				out[sp.Column] = value.Null()
			}
		}

	case config.KindLookup:
		v, _ := rowLookup(src, tr.Source)
		if v.IsNull() {
			out[tr.Target] = nullDefaultValue(tr.NullDefault)
			break
		}
		if mapped, ok := tr.LookupTable[v.Text()]; ok {
			out[tr.Target] = value.Text(mapped)
		} else if tr.LookupDefault != nil {
			out[tr.Target] = value.Text(*tr.LookupDefault)
		} else {
			out[tr.Target] = value.Null()
		}

	case config.KindCalculated:
		v, err := st.expr.eval(src)
		if err != nil {
			return err
		}
		out[tr.Target] = withNullDefault(v, tr.NullDefault)

	case config.KindStatic:
		out[tr.Target] = p.staticValue(tr)

	case config.KindConditional:
		matched := false
		for i, pred := range st.preds {
			if pred.Match(src) {
				out[tr.Target] = valueSpecValue(tr.Whens[i].Value, src)
				matched = true
				break
			}
		}
		if !matched {
			if tr.Else != nil {
				out[tr.Target] = valueSpecValue(*tr.Else, src)
			} else {
				out[tr.Target] = value.Null()
			}
		}

	case config.KindConvert:
		v, _ := rowLookup(src, tr.Source)
		if v.IsNull() {
			out[tr.Target] = nullDefaultValue(tr.NullDefault)
			break
		}
		converted, ok := convertValue(v, tr.TargetType, tr.SourceFormat)
		if !ok {
			warnf("column %s: cannot convert %q to %s", tr.Source, v.Text(), tr.TargetType)
			out[tr.Target] = nullDefaultValue(tr.NullDefault)
			break
		}
		out[tr.Target] = converted

	case config.KindKeyLookup:
		v, _ := rowLookup(src, tr.Source)
		if !v.IsNull() {
			if m, ok := parentMap(keyMaps, tr.KeyMapParentTable); ok {
				if newKey, hit := m[v.Text()]; hit {
					out[tr.Target] = value.Text(newKey)
					break
				}
			}
		}
		out[tr.Target] = nullDefaultValue(tr.NullDefault)

	default:
		return fmt.Errorf("unknown transformation kind %q", tr.Kind)
	}
	return nil
}

// parentMap resolves a key map by parent table name, exact first, then
// case-insensitively. Config identifier casing need not match across files.
func parentMap(keyMaps KeyMaps, parent string) (map[string]string, bool) {
	if m, ok := keyMaps[parent]; ok {
		return m, true
	}
	for name, m := range keyMaps {
		if strings.EqualFold(name, parent) {
			return m, true
		}
	}
	return nil, false
}

func (p *Program) staticValue(tr config.Transformation) value.Value {
	if tr.Literal != nil {
		return value.Text(*tr.Literal)
	}
	switch tr.Function {
	case config.FuncNowLocal:
		return value.Time(p.env.NowLocal())
	case config.FuncNowUTC:
		return value.Time(p.env.NowUTC())
	case config.FuncNewGUID:
		return value.Text(p.env.NewGUID())
	case config.FuncCurrentUser:
		return value.Text(p.env.CurrentUser())
	}
	return value.Null()
}

func valueSpecValue(spec config.ValueSpec, src value.Row) value.Value {
	if spec.IsLit {
		return value.Text(spec.Literal)
	}
	v, _ := rowLookup(src, spec.Column)
	return v
}

func withNullDefault(v value.Value, nullDefault *string) value.Value {
	if v.IsNull() {
		return nullDefaultValue(nullDefault)
	}
	return v
}

func nullDefaultValue(nullDefault *string) value.Value {
	if nullDefault != nil {
		return value.Text(*nullDefault)
	}
	return value.Null()
}

// convertValue parses v into the declared target type. The type names follow
// the target database's vocabulary.
func convertValue(v value.Value, targetType, sourceFormat string) (value.Value, bool) {
	switch targetType {
	case "datetime", "datetime2", "date", "smalldatetime":
		if t, ok := v.TimeVal(); ok {
			return value.Time(t), true
		}
		if t, ok := ParseTime(v.Text(), sourceFormat); ok {
			return value.Time(t), true
		}
		return value.Null(), false
	case "int", "bigint":
		if n, ok := v.Int64(); ok {
			return value.Int(n), true
		}
		return value.Null(), false
	case "decimal", "float":
		if f, ok := v.Float64(); ok {
			return value.Decimal(f), true
		}
		return value.Null(), false
	case "bit":
		if b, ok := v.BoolVal(); ok {
			return value.Bool(b), true
		}
		return value.Null(), false
	case "varchar", "nvarchar":
		return value.Text(v.Text()), true
	case "uniqueidentifier":
		if u, err := uuid.Parse(strings.TrimSpace(v.Text())); err == nil {
			return value.UUID(u), true
		}
		return value.Null(), false
	}
	return value.Null(), false
}

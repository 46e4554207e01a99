package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding for a MigrationPlan.
//
// Path is a dotted path into the config (e.g. "source.provider",
// "tables[1].transformations[0]"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue in the slice is severity error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePlan performs static validation of a MigrationPlan.
//
// It does not mutate the plan. It returns every finding rather than stopping
// at the first one; callers decide whether warnings are fatal. The dry-run
// validator layers schema introspection on top of these purely structural
// checks.
func ValidatePlan(p *MigrationPlan) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "migrationName",
			Message:  "migrationName must not be empty; it names run artefacts and resume state",
		})
	}
	if p.BatchSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "batchSize",
			Message:  fmt.Sprintf("batchSize=%d; must be zero (no paging) or positive", p.BatchSize),
		})
	}
	if p.QueryTimeoutSeconds < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "queryTimeoutSeconds",
			Message:  "queryTimeoutSeconds must not be negative",
		})
	}

	issues = append(issues, validateConnection(p.Source, "source", false)...)
	issues = append(issues, validateConnection(p.Target, "target", true)...)

	if len(p.Tables) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "tables",
			Message:  "at least one table is required",
		})
		return issues
	}

	orderSeen := map[int]int{}
	for i, t := range p.Tables {
		if prev, dup := orderSeen[t.Order]; dup {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     fmt.Sprintf("tables[%d].order", i),
				Message:  fmt.Sprintf("order %d duplicates tables[%d]; execution order between them is the declaration order", t.Order, prev),
			})
		} else {
			orderSeen[t.Order] = i
		}
		issues = append(issues, validateTable(p, i, t)...)
	}

	return issues
}

// validateConnection validates one connection descriptor.
func validateConnection(c Connection, path string, target bool) []Issue {
	var issues []Issue

	if !c.Provider.Valid() {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".provider",
			Message:  fmt.Sprintf("unknown provider %q", string(c.Provider)),
		})
		return issues
	}
	if target && !c.Provider.TargetCapable() {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".provider",
			Message:  fmt.Sprintf("provider %q cannot be a migration target; only SqlServer and AzureSql can", string(c.Provider)),
		})
	}
	if !c.AuthMode.ValidFor(c.Provider) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".authMode",
			Message:  fmt.Sprintf("auth mode %q is not recognized for provider %q", string(c.AuthMode), string(c.Provider)),
		})
	}
	if strings.TrimSpace(c.Server) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".server",
			Message:  "server must not be empty",
		})
	}
	if strings.TrimSpace(c.Database) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".database",
			Message:  "database must not be empty",
		})
	}
	if c.Port < 0 || c.Port > 65535 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".port",
			Message:  fmt.Sprintf("port %d is out of range", c.Port),
		})
	}

	return issues
}

// validateTable validates one TableJob, including its transformation program.
func validateTable(p *MigrationPlan, idx int, t TableJob) []Issue {
	var issues []Issue
	path := fmt.Sprintf("tables[%d]", idx)

	if strings.TrimSpace(t.Source.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".source",
			Message:  "source table name must not be empty",
		})
	}
	if strings.TrimSpace(t.Target.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".target",
			Message:  "target table name must not be empty",
		})
	}
	if strings.TrimSpace(t.BatchColumn) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".batchColumn",
			Message:  "batchColumn is required; paging and resume order by it",
		})
	}

	if !t.Settings.IdentityMode.Valid() {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".settings.identityMode",
			Message:  fmt.Sprintf("unknown identity mode %q; expected preserve or generate", string(t.Settings.IdentityMode)),
		})
	}
	if t.Settings.IdentityMode == IdentityGenerate && strings.TrimSpace(t.Settings.IdentityColumn) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".settings.identityColumn",
			Message:  "identity mode generate requires identityColumn so it can be dropped from the insert column set",
		})
	}
	if !t.Settings.ExistingDataAction.Valid() {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + ".settings.existingDataAction",
			Message:  fmt.Sprintf("unknown existing-data action %q; expected truncate or append", string(t.Settings.ExistingDataAction)),
		})
	}

	for i, m := range t.Mappings {
		mpath := fmt.Sprintf("%s.mappings[%d]", path, i)
		if strings.TrimSpace(m.SourceColumn) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     mpath + ".sourceColumn",
				Message:  "sourceColumn must not be empty",
			})
		}
		if strings.TrimSpace(m.TargetColumn) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     mpath + ".targetColumn",
				Message:  "targetColumn must not be empty",
			})
		}
	}

	claimed := map[string]int{}
	for i, tr := range t.Transformations {
		tpath := fmt.Sprintf("%s.transformations[%d]", path, i)
		issues = append(issues, validateTransformation(p, t, tpath, tr)...)
		for _, col := range tr.TargetColumns() {
			key := strings.ToLower(col)
			if prev, dup := claimed[key]; dup {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     tpath,
					Message:  fmt.Sprintf("target column %q is already written by transformations[%d]; at most one transformation may write a column", col, prev),
				})
				continue
			}
			claimed[key] = i
		}
	}

	return issues
}

// validateTransformation checks per-kind field presence and cross-table
// references.
func validateTransformation(p *MigrationPlan, t TableJob, path string, tr Transformation) []Issue {
	var issues []Issue
	errf := func(sub, format string, args ...any) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path + sub,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	needTarget := tr.Kind != KindSplit
	if needTarget && strings.TrimSpace(tr.Target) == "" {
		errf("", "%s transformation requires a target column", string(tr.Kind))
	}

	switch tr.Kind {
	case KindSimple:
		if strings.TrimSpace(tr.Source) == "" {
			errf("", "simple transformation requires a source column")
		}
	case KindConcat:
		if len(tr.Parts) == 0 {
			errf(".parts", "concat requires at least one part")
		}
		for i, part := range tr.Parts {
			if !part.IsLit && strings.TrimSpace(part.Column) == "" {
				errf(fmt.Sprintf(".parts[%d]", i), "column part must name a column")
			}
		}
	case KindSplit:
		if strings.TrimSpace(tr.Source) == "" {
			errf("", "split transformation requires a source column")
		}
		if tr.Delimiter == "" {
			errf(".delimiter", "split requires a delimiter")
		}
		if len(tr.SplitTargets) == 0 {
			errf(".targets", "split requires at least one indexed target")
		}
		for i, st := range tr.SplitTargets {
			if st.Index < 0 {
				errf(fmt.Sprintf(".targets[%d]", i), "fragment index must not be negative")
			}
			if strings.TrimSpace(st.Column) == "" {
				errf(fmt.Sprintf(".targets[%d]", i), "fragment target column must not be empty")
			}
		}
	case KindLookup:
		if strings.TrimSpace(tr.Source) == "" {
			errf("", "lookup transformation requires a source column")
		}
		if len(tr.LookupTable) == 0 {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     path + ".table",
				Message:  "lookup table is empty; every row will take the default",
			})
		}
	case KindCalculated:
		if strings.TrimSpace(tr.Expression) == "" {
			errf(".expression", "calculated transformation requires an expression")
		} else if len(ExpressionColumns(tr.Expression)) == 0 {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     path + ".expression",
				Message:  "expression references no source columns; it is a constant",
			})
		}
	case KindStatic:
		hasLit := tr.Literal != nil
		hasFn := tr.Function != ""
		if hasLit == hasFn {
			errf("", "static transformation requires exactly one of literal or function")
		}
		if hasFn && !tr.Function.Valid() {
			errf(".function", "unknown static function %q", string(tr.Function))
		}
	case KindConditional:
		if len(tr.Whens) == 0 {
			errf(".whens", "conditional requires at least one when branch")
		}
		for i, w := range tr.Whens {
			if strings.TrimSpace(w.Predicate) == "" {
				errf(fmt.Sprintf(".whens[%d]", i), "predicate must not be empty")
			} else if PredicateColumn(w.Predicate) == "" {
				errf(fmt.Sprintf(".whens[%d]", i), "predicate %q must start with a column name", w.Predicate)
			}
			if !w.Value.IsLit && strings.TrimSpace(w.Value.Column) == "" {
				errf(fmt.Sprintf(".whens[%d].value", i), "value must name a column or carry a literal")
			}
		}
		if tr.Else != nil && !tr.Else.IsLit && strings.TrimSpace(tr.Else.Column) == "" {
			errf(".else", "else value must name a column or carry a literal")
		}
	case KindConvert:
		if strings.TrimSpace(tr.Source) == "" {
			errf("", "convert transformation requires a source column")
		}
		if _, ok := ConvertTypes[strings.ToLower(tr.TargetType)]; !ok {
			errf(".targetType", "unknown convert target type %q", tr.TargetType)
		}
	case KindKeyLookup:
		if strings.TrimSpace(tr.Source) == "" {
			errf("", "keyLookup transformation requires a source column")
		}
		if strings.TrimSpace(tr.KeyMapParentTable) == "" {
			errf(".parentTable", "keyLookup requires the parent table name")
			break
		}
		if strings.TrimSpace(tr.KeyMapParentKeyColumn) == "" {
			errf(".parentKeyColumn", "keyLookup requires the parent key column")
		}
		parent := p.JobBySource(tr.KeyMapParentTable)
		switch {
		case parent == nil:
			errf(".parentTable", "parent table %q is not part of this migration", tr.KeyMapParentTable)
		case parent.Settings.IdentityMode != IdentityGenerate:
			errf(".parentTable", "parent table %q does not use identity mode generate, so no key map exists for it", tr.KeyMapParentTable)
		case parent.Order >= t.Order:
			errf(".parentTable", "parent table %q has order %d, which does not precede order %d; key maps only flow forward", tr.KeyMapParentTable, parent.Order, t.Order)
		}
	default:
		errf(".kind", "unknown transformation kind %q", string(tr.Kind))
	}

	return issues
}

// Package config defines the canonical in-memory model for a migration plan
// and loads it from the external XML configuration files (global config,
// master config, and per-table map files).
//
// The model is deliberately explicit: every enum the engine branches on is a
// named string type with a Valid method, and the loaded plan is immutable for
// the lifetime of a run. Structural validation lives in validate.go and
// returns Issue lists rather than failing fast, so that the CLI or the
// dry-run validator can surface every finding at once.
package config

import "strings"

// Provider identifies a database dialect.
type Provider string

const (
	ProviderSQLServer  Provider = "SqlServer"
	ProviderAzureSQL   Provider = "AzureSql"
	ProviderOracle     Provider = "Oracle"
	ProviderMySQL      Provider = "MySql"
	ProviderPostgreSQL Provider = "PostgreSql"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderSQLServer, ProviderAzureSQL, ProviderOracle, ProviderMySQL, ProviderPostgreSQL:
		return true
	}
	return false
}

// TargetCapable reports whether p may appear as the migration target.
func (p Provider) TargetCapable() bool {
	return p == ProviderSQLServer || p == ProviderAzureSQL
}

// AuthMode selects how a connection authenticates.
type AuthMode string

const (
	AuthSQL                AuthMode = "SqlAuth"
	AuthWindows            AuthMode = "WindowsAuth"
	AuthInteractiveBrowser AuthMode = "InteractiveBrowser"
	AuthCliDelegated       AuthMode = "CliDelegated"
)

// ValidFor reports whether the auth mode is recognized for the provider.
// Anything else must fail loudly before a connection is attempted.
func (m AuthMode) ValidFor(p Provider) bool {
	switch p {
	case ProviderSQLServer:
		return m == AuthSQL || m == AuthWindows
	case ProviderAzureSQL:
		return m == AuthSQL || m == AuthInteractiveBrowser || m == AuthCliDelegated
	case ProviderOracle, ProviderMySQL, ProviderPostgreSQL:
		return m == AuthSQL
	}
	return false
}

// Connection describes one side of the migration.
type Connection struct {
	Provider Provider
	AuthMode AuthMode
	Server   string
	Port     int
	Database string
	Username string
	Password string
}

// IdentityMode selects who supplies identity values on insert.
type IdentityMode string

const (
	// IdentityPreserve carries source key values into the target.
	IdentityPreserve IdentityMode = "preserve"
	// IdentityGenerate lets the target generate keys and records the
	// old-to-new mapping for descendant tables.
	IdentityGenerate IdentityMode = "generate"
)

// Valid reports whether the mode is one of the two known values.
func (m IdentityMode) Valid() bool { return m == IdentityPreserve || m == IdentityGenerate }

// ExistingDataAction selects what happens to target rows already present.
type ExistingDataAction string

const (
	ActionTruncate ExistingDataAction = "truncate"
	ActionAppend   ExistingDataAction = "append"
)

// Valid reports whether the action is one of the two known values.
func (a ExistingDataAction) Valid() bool { return a == ActionTruncate || a == ActionAppend }

// TableRef names a schema-qualified table.
type TableRef struct {
	Schema string
	Name   string
}

// String returns "schema.name", or just the name when no schema is set.
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// TableSettings carries the per-table knobs from a table-map file.
type TableSettings struct {
	IdentityMode       IdentityMode
	IdentityColumn     string
	ExistingDataAction ExistingDataAction
}

// SimpleMapping copies one source column into one target column, optionally
// parsing text dates with an explicit format first.
type SimpleMapping struct {
	SourceColumn     string
	TargetColumn     string
	SourceDateFormat string
}

// TransformKind tags a Transformation variant.
type TransformKind string

const (
	KindSimple      TransformKind = "simple"
	KindConcat      TransformKind = "concat"
	KindSplit       TransformKind = "split"
	KindLookup      TransformKind = "lookup"
	KindCalculated  TransformKind = "calculated"
	KindStatic      TransformKind = "static"
	KindConditional TransformKind = "conditional"
	KindConvert     TransformKind = "convert"
	KindKeyLookup   TransformKind = "keyLookup"
)

// ConcatPart is either a column reference or a literal fragment.
type ConcatPart struct {
	Column  string
	Literal string
	IsLit   bool
}

// SplitTarget assigns the index-th fragment to a target column.
type SplitTarget struct {
	Index  int
	Column string
}

// ValueSpec is the value side of a conditional branch: a column reference or
// a literal.
type ValueSpec struct {
	Column  string
	Literal string
	IsLit   bool
}

// ConditionalWhen pairs a predicate with the value emitted when it matches.
type ConditionalWhen struct {
	Predicate string
	Value     ValueSpec
}

// StaticFunction names the built-in generators a static transform may call.
type StaticFunction string

const (
	FuncNowLocal    StaticFunction = "nowLocal"
	FuncNowUTC      StaticFunction = "nowUtc"
	FuncNewGUID     StaticFunction = "newGuid"
	FuncCurrentUser StaticFunction = "currentUser"
)

// Valid reports whether f names a known static function.
func (f StaticFunction) Valid() bool {
	switch f {
	case FuncNowLocal, FuncNowUTC, FuncNewGUID, FuncCurrentUser:
		return true
	}
	return false
}

// ConvertTypes enumerates the target types a convert transform can produce.
var ConvertTypes = map[string]struct{}{
	"datetime": {}, "datetime2": {}, "date": {}, "smalldatetime": {},
	"int": {}, "bigint": {}, "decimal": {}, "float": {}, "bit": {},
	"varchar": {}, "nvarchar": {}, "uniqueidentifier": {},
}

// Transformation is the tagged transformation variant. Kind selects which of
// the remaining fields are meaningful; the evaluator compiles this into an
// executable operation and the validator checks field presence per kind.
type Transformation struct {
	Kind TransformKind

	Source      string
	Target      string
	NullDefault *string

	// concat
	Parts []ConcatPart

	// split
	Delimiter    string
	SplitTargets []SplitTarget

	// lookup
	LookupTable   map[string]string
	LookupDefault *string

	// calculated
	Expression string

	// static
	Literal  *string
	Function StaticFunction

	// conditional
	Whens []ConditionalWhen
	Else  *ValueSpec

	// convert
	SourceFormat string
	TargetType   string

	// keyLookup
	KeyMapParentTable     string
	KeyMapParentKeyColumn string
}

// TargetColumns lists every target column the transformation writes.
func (t Transformation) TargetColumns() []string {
	if t.Kind == KindSplit {
		cols := make([]string, 0, len(t.SplitTargets))
		for _, st := range t.SplitTargets {
			cols = append(cols, st.Column)
		}
		return cols
	}
	if t.Target == "" {
		return nil
	}
	return []string{t.Target}
}

// SourceColumns lists every source column the transformation reads. Columns
// referenced from a calculated expression or a conditional predicate are
// extracted lexically.
func (t Transformation) SourceColumns() []string {
	switch t.Kind {
	case KindConcat:
		var cols []string
		for _, p := range t.Parts {
			if !p.IsLit && p.Column != "" {
				cols = append(cols, p.Column)
			}
		}
		return cols
	case KindStatic:
		return nil
	case KindCalculated:
		return ExpressionColumns(t.Expression)
	case KindConditional:
		var cols []string
		for _, w := range t.Whens {
			if c := PredicateColumn(w.Predicate); c != "" {
				cols = append(cols, c)
			}
			if !w.Value.IsLit && w.Value.Column != "" {
				cols = append(cols, w.Value.Column)
			}
		}
		if t.Else != nil && !t.Else.IsLit && t.Else.Column != "" {
			cols = append(cols, t.Else.Column)
		}
		return cols
	default:
		if t.Source == "" {
			return nil
		}
		return []string{t.Source}
	}
}

// TableJob is one unit of work: a single source-to-target table migration.
type TableJob struct {
	Order           int
	Include         bool
	MapFile         string
	Source          TableRef
	Target          TableRef
	BatchColumn     string
	Mappings        []SimpleMapping
	Settings        TableSettings
	Transformations []Transformation
}

// MigrationPlan is the immutable root of the configuration model.
type MigrationPlan struct {
	Name                string
	BatchSize           int
	QueryTimeoutSeconds int
	Source              Connection
	Target              Connection
	Tables              []TableJob

	// KeyRemapParents maps a source table's full name to true when some job
	// migrates it with identity mode generate, i.e. descendants may keyLookup
	// against it.
	KeyRemapParents map[string]bool
}

// GlobalConfig carries process-level settings from the global config file.
type GlobalConfig struct {
	Environment     string
	DefaultLogLevel string
}

// deriveKeyRemapParents rebuilds the KeyRemapParents index from the jobs.
func (p *MigrationPlan) deriveKeyRemapParents() {
	p.KeyRemapParents = map[string]bool{}
	for _, t := range p.Tables {
		if t.Settings.IdentityMode == IdentityGenerate {
			p.KeyRemapParents[t.Source.String()] = true
		}
	}
}

// JobBySource returns the job migrating the named source table, or nil.
func (p *MigrationPlan) JobBySource(full string) *TableJob {
	for i := range p.Tables {
		if strings.EqualFold(p.Tables[i].Source.String(), full) {
			return &p.Tables[i]
		}
	}
	return nil
}

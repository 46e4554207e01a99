// XML decoding for the three external configuration artefacts: the global
// config, the master migration config, and per-table map files. The on-disk
// syntax is an external contract; this file owns only the mapping from that
// syntax onto the typed model in config.go.
//
// Transformation programs are order-sensitive, so <Transformations> is
// decoded with a token walker instead of per-element slices, which would
// lose the interleaved declaration order.

package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type xmlConnection struct {
	Provider string `xml:"provider,attr"`
	AuthMode string `xml:"authMode,attr"`
	Server   string `xml:"server,attr"`
	Port     int    `xml:"port,attr"`
	Database string `xml:"database,attr"`
	Username string `xml:"username,attr"`
	Password string `xml:"password,attr"`
}

func (c xmlConnection) model() Connection {
	mode := AuthMode(c.AuthMode)
	if mode == "" {
		mode = AuthSQL
	}
	return Connection{
		Provider: Provider(c.Provider),
		AuthMode: mode,
		Server:   c.Server,
		Port:     c.Port,
		Database: c.Database,
		Username: c.Username,
		Password: c.Password,
	}
}

type xmlTableRef struct {
	Schema string `xml:"schema,attr"`
	Name   string `xml:"name,attr"`
}

func (r xmlTableRef) model() TableRef { return TableRef{Schema: r.Schema, Name: r.Name} }

type xmlMapping struct {
	Source           string `xml:"source,attr"`
	Target           string `xml:"target,attr"`
	SourceDateFormat string `xml:"sourceDateFormat,attr"`
}

type xmlTable struct {
	Order       int          `xml:"order,attr"`
	Include     *bool        `xml:"include,attr"`
	MapFile     string       `xml:"mapFile,attr"`
	Source      xmlTableRef  `xml:"Source"`
	Target      xmlTableRef  `xml:"Target"`
	BatchColumn string       `xml:"BatchColumn"`
	Mappings    []xmlMapping `xml:"Mappings>Mapping"`
}

type xmlMaster struct {
	XMLName             xml.Name      `xml:"MigrationConfig"`
	MigrationName       string        `xml:"MigrationName"`
	BatchSize           int           `xml:"BatchSize"`
	QueryTimeoutSeconds int           `xml:"QueryTimeoutSeconds"`
	Source              xmlConnection `xml:"SourceConnection"`
	Target              xmlConnection `xml:"TargetConnection"`
	Tables              []xmlTable    `xml:"Tables>Table"`
}

type xmlSettings struct {
	IdentityMode       string `xml:"identityMode,attr"`
	IdentityColumn     string `xml:"identityColumn,attr"`
	ExistingDataAction string `xml:"existingDataAction,attr"`
}

type xmlTableMap struct {
	XMLName         xml.Name           `xml:"TableMap"`
	Source          *xmlTableRef       `xml:"Source"`
	Target          *xmlTableRef       `xml:"Target"`
	Settings        *xmlSettings       `xml:"Settings"`
	Mappings        []xmlMapping       `xml:"Mappings>Mapping"`
	Transformations xmlTransformations `xml:"Transformations"`
}

type xmlGlobal struct {
	XMLName         xml.Name `xml:"GlobalConfig"`
	Environment     string   `xml:"Environment"`
	DefaultLogLevel string   `xml:"DefaultLogLevel"`
}

// xmlTransformations decodes the ordered transformation program.
type xmlTransformations struct {
	List []Transformation
}

type xmlPart struct {
	Column  string  `xml:"column,attr"`
	Literal *string `xml:"literal,attr"`
}

type xmlFragment struct {
	Index  int    `xml:"index,attr"`
	Column string `xml:"column,attr"`
}

type xmlEntry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type xmlValueSpec struct {
	Column  string  `xml:"column,attr"`
	Literal *string `xml:"literal,attr"`
}

func (v *xmlValueSpec) model() *ValueSpec {
	if v == nil {
		return nil
	}
	if v.Literal != nil {
		return &ValueSpec{Literal: *v.Literal, IsLit: true}
	}
	return &ValueSpec{Column: v.Column}
}

type xmlWhen struct {
	Predicate string        `xml:"predicate,attr"`
	Value     *xmlValueSpec `xml:"Value"`
}

// UnmarshalXML walks the child elements of <Transformations> in document
// order and appends one Transformation per recognized element.
func (x *xmlTransformations) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return fmt.Errorf("unterminated Transformations element")
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			tr, err := decodeTransformation(d, t)
			if err != nil {
				return err
			}
			x.List = append(x.List, tr)
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

func decodeTransformation(d *xml.Decoder, start xml.StartElement) (Transformation, error) {
	switch start.Name.Local {
	case "Simple":
		var e struct {
			Source      string  `xml:"source,attr"`
			Target      string  `xml:"target,attr"`
			NullDefault *string `xml:"nullDefault,attr"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		return Transformation{Kind: KindSimple, Source: e.Source, Target: e.Target, NullDefault: e.NullDefault}, nil

	case "Concat":
		var e struct {
			Target      string    `xml:"target,attr"`
			NullDefault *string   `xml:"nullDefault,attr"`
			Parts       []xmlPart `xml:"Part"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		parts := make([]ConcatPart, 0, len(e.Parts))
		for _, p := range e.Parts {
			if p.Literal != nil {
				parts = append(parts, ConcatPart{Literal: *p.Literal, IsLit: true})
			} else {
				parts = append(parts, ConcatPart{Column: p.Column})
			}
		}
		return Transformation{Kind: KindConcat, Target: e.Target, NullDefault: e.NullDefault, Parts: parts}, nil

	case "Split":
		var e struct {
			Source    string        `xml:"source,attr"`
			Delimiter string        `xml:"delimiter,attr"`
			Fragments []xmlFragment `xml:"Fragment"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		targets := make([]SplitTarget, 0, len(e.Fragments))
		for _, f := range e.Fragments {
			targets = append(targets, SplitTarget{Index: f.Index, Column: f.Column})
		}
		return Transformation{Kind: KindSplit, Source: e.Source, Delimiter: e.Delimiter, SplitTargets: targets}, nil

	case "Lookup":
		var e struct {
			Source      string     `xml:"source,attr"`
			Target      string     `xml:"target,attr"`
			Default     *string    `xml:"default,attr"`
			NullDefault *string    `xml:"nullDefault,attr"`
			Entries     []xmlEntry `xml:"Entry"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		table := make(map[string]string, len(e.Entries))
		for _, en := range e.Entries {
			table[en.Key] = en.Value
		}
		return Transformation{
			Kind: KindLookup, Source: e.Source, Target: e.Target,
			LookupTable: table, LookupDefault: e.Default, NullDefault: e.NullDefault,
		}, nil

	case "Calculated":
		var e struct {
			Target      string  `xml:"target,attr"`
			Expression  string  `xml:"expression,attr"`
			NullDefault *string `xml:"nullDefault,attr"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		return Transformation{Kind: KindCalculated, Target: e.Target, Expression: e.Expression, NullDefault: e.NullDefault}, nil

	case "Static":
		var e struct {
			Target   string  `xml:"target,attr"`
			Literal  *string `xml:"literal,attr"`
			Function string  `xml:"function,attr"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		return Transformation{Kind: KindStatic, Target: e.Target, Literal: e.Literal, Function: StaticFunction(e.Function)}, nil

	case "Conditional":
		var e struct {
			Target string        `xml:"target,attr"`
			Whens  []xmlWhen     `xml:"When"`
			Else   *xmlValueSpec `xml:"Else>Value"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		whens := make([]ConditionalWhen, 0, len(e.Whens))
		for _, w := range e.Whens {
			cw := ConditionalWhen{Predicate: w.Predicate}
			if v := w.Value.model(); v != nil {
				cw.Value = *v
			}
			whens = append(whens, cw)
		}
		return Transformation{Kind: KindConditional, Target: e.Target, Whens: whens, Else: e.Else.model()}, nil

	case "Convert":
		var e struct {
			Source       string  `xml:"source,attr"`
			Target       string  `xml:"target,attr"`
			TargetType   string  `xml:"targetType,attr"`
			SourceFormat string  `xml:"sourceFormat,attr"`
			NullDefault  *string `xml:"nullDefault,attr"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		return Transformation{
			Kind: KindConvert, Source: e.Source, Target: e.Target,
			TargetType: strings.ToLower(e.TargetType), SourceFormat: e.SourceFormat, NullDefault: e.NullDefault,
		}, nil

	case "KeyLookup":
		var e struct {
			Source          string  `xml:"source,attr"`
			Target          string  `xml:"target,attr"`
			ParentTable     string  `xml:"parentTable,attr"`
			ParentKeyColumn string  `xml:"parentKeyColumn,attr"`
			NullDefault     *string `xml:"nullDefault,attr"`
		}
		if err := d.DecodeElement(&e, &start); err != nil {
			return Transformation{}, err
		}
		return Transformation{
			Kind: KindKeyLookup, Source: e.Source, Target: e.Target,
			KeyMapParentTable: e.ParentTable, KeyMapParentKeyColumn: e.ParentKeyColumn,
			NullDefault: e.NullDefault,
		}, nil
	}
	return Transformation{}, fmt.Errorf("unknown transformation element <%s>", start.Name.Local)
}

// LoadGlobal reads the global config file.
func LoadGlobal(path string) (GlobalConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return GlobalConfig{}, fmt.Errorf("read global config: %w", err)
	}
	var g xmlGlobal
	if err := xml.Unmarshal(b, &g); err != nil {
		return GlobalConfig{}, fmt.Errorf("decode global config %s: %w", path, err)
	}
	return GlobalConfig{Environment: g.Environment, DefaultLogLevel: g.DefaultLogLevel}, nil
}

// Load reads the master config and every referenced table-map file (resolved
// relative to the master config's directory) and assembles the MigrationPlan.
// Unreadable or malformed files are errors; everything else is left to
// ValidatePlan so callers can report all structural findings at once.
func Load(masterPath string) (*MigrationPlan, error) {
	b, err := os.ReadFile(masterPath)
	if err != nil {
		return nil, fmt.Errorf("read master config: %w", err)
	}
	var m xmlMaster
	if err := xml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode master config %s: %w", masterPath, err)
	}

	plan := &MigrationPlan{
		Name:                m.MigrationName,
		BatchSize:           m.BatchSize,
		QueryTimeoutSeconds: m.QueryTimeoutSeconds,
		Source:              m.Source.model(),
		Target:              m.Target.model(),
	}

	baseDir := filepath.Dir(masterPath)
	for _, xt := range m.Tables {
		job := TableJob{
			Order:       xt.Order,
			Include:     xt.Include == nil || *xt.Include,
			MapFile:     xt.MapFile,
			Source:      xt.Source.model(),
			Target:      xt.Target.model(),
			BatchColumn: strings.TrimSpace(xt.BatchColumn),
			Settings: TableSettings{
				IdentityMode:       IdentityPreserve,
				ExistingDataAction: ActionAppend,
			},
		}
		for _, mp := range xt.Mappings {
			job.Mappings = append(job.Mappings, SimpleMapping{
				SourceColumn:     mp.Source,
				TargetColumn:     mp.Target,
				SourceDateFormat: mp.SourceDateFormat,
			})
		}
		if xt.MapFile != "" {
			if err := applyTableMap(&job, filepath.Join(baseDir, xt.MapFile)); err != nil {
				return nil, err
			}
		}
		plan.Tables = append(plan.Tables, job)
	}

	plan.deriveKeyRemapParents()
	return plan, nil
}

// applyTableMap merges a table-map file into the job. Master identifiers win
// when both files name the table; the map file fills whatever the master
// left blank.
func applyTableMap(job *TableJob, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read table map %s: %w", path, err)
	}
	var tm xmlTableMap
	if err := xml.Unmarshal(b, &tm); err != nil {
		return fmt.Errorf("decode table map %s: %w", path, err)
	}

	if job.Source.Name == "" && tm.Source != nil {
		job.Source = tm.Source.model()
	}
	if job.Target.Name == "" && tm.Target != nil {
		job.Target = tm.Target.model()
	}
	if s := tm.Settings; s != nil {
		if s.IdentityMode != "" {
			job.Settings.IdentityMode = IdentityMode(s.IdentityMode)
		}
		job.Settings.IdentityColumn = s.IdentityColumn
		if s.ExistingDataAction != "" {
			job.Settings.ExistingDataAction = ExistingDataAction(s.ExistingDataAction)
		}
	}
	for _, mp := range tm.Mappings {
		job.Mappings = append(job.Mappings, SimpleMapping{
			SourceColumn:     mp.Source,
			TargetColumn:     mp.Target,
			SourceDateFormat: mp.SourceDateFormat,
		})
	}
	job.Transformations = append(job.Transformations, tm.Transformations.List...)
	return nil
}

// Package status maintains the JSON artefacts external observers watch: a
// progress file rewritten at every batch boundary, a row-errors file, an
// error-log file, and the validator's report. Every write replaces the whole
// file through a temp-and-rename so a reader never sees a torn snapshot.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ToolName prefixes every artefact filename.
const ToolName = "dbmigrate"

const stampLayout = "20060102_150405"

// Timestamp marshals as ISO-8601 with seconds precision.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format("2006-01-02T15:04:05Z07:00"))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse("2006-01-02T15:04:05Z07:00", s)
	if err != nil {
		// Older artefacts may carry a zone-less stamp.
		parsed, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	*t = Timestamp(parsed)
	return nil
}

// RunStatus is the overall run state.
type RunStatus string

const (
	RunInProgress RunStatus = "InProgress"
	RunCompleted  RunStatus = "Completed"
	RunFailed     RunStatus = "Failed"
)

// TableStatus is the per-table state machine position.
type TableStatus string

const (
	TablePending    TableStatus = "Pending"
	TableInProgress TableStatus = "InProgress"
	TableCompleted  TableStatus = "Completed"
	TableFailed     TableStatus = "Failed"
)

// TableProgress tracks one table. LastBatchKeyValue is nil until the first
// batch is acknowledged; processedRows never decreases.
type TableProgress struct {
	SourceTable       string      `json:"sourceTable"`
	TargetTable       string      `json:"targetTable"`
	Status            TableStatus `json:"status"`
	TotalRows         int64       `json:"totalRows"`
	ProcessedRows     int64       `json:"processedRows"`
	LastBatchKeyValue *string     `json:"lastBatchKeyValue"`
}

// Progress is the run state artefact.
type Progress struct {
	MigrationName string           `json:"migrationName"`
	StartedAt     Timestamp        `json:"startedAt"`
	LastUpdatedAt Timestamp        `json:"lastUpdatedAt"`
	Status        RunStatus        `json:"status"`
	Tables        []*TableProgress `json:"tables"`
}

// Table finds the entry for a source table, or nil.
func (p *Progress) Table(sourceTable string) *TableProgress {
	for _, t := range p.Tables {
		if strings.EqualFold(t.SourceTable, sourceTable) {
			return t
		}
	}
	return nil
}

// RowError records one row the migration skipped.
type RowError struct {
	SourceKeyValue string         `json:"sourceKeyValue"`
	ErrorTimestamp Timestamp      `json:"errorTimestamp"`
	ErrorMessage   string         `json:"errorMessage"`
	SourceData     map[string]any `json:"sourceData"`
}

// TableRowErrors groups skipped rows per table.
type TableRowErrors struct {
	SourceTable string     `json:"sourceTable"`
	TargetTable string     `json:"targetTable"`
	ErrorCount  int        `json:"errorCount"`
	Rows        []RowError `json:"rows"`
}

// RowErrors is the skipped-row artefact.
type RowErrors struct {
	MigrationName  string            `json:"migrationName"`
	MigrationRunID string            `json:"migrationRunId"`
	GeneratedAt    Timestamp         `json:"generatedAt"`
	TotalRowErrors int               `json:"totalRowErrors"`
	Tables         []*TableRowErrors `json:"tables"`
}

// Add appends a row error under its table, creating the group on first use.
func (r *RowErrors) Add(sourceTable, targetTable string, e RowError) {
	var grp *TableRowErrors
	for _, t := range r.Tables {
		if strings.EqualFold(t.SourceTable, sourceTable) {
			grp = t
			break
		}
	}
	if grp == nil {
		grp = &TableRowErrors{SourceTable: sourceTable, TargetTable: targetTable}
		r.Tables = append(r.Tables, grp)
	}
	grp.Rows = append(grp.Rows, e)
	grp.ErrorCount = len(grp.Rows)
	r.TotalRowErrors++
}

// LogEntry is one error-log line.
type LogEntry struct {
	Timestamp Timestamp `json:"timestamp"`
	Level     string    `json:"level"`
	Table     string    `json:"table,omitempty"`
	Message   string    `json:"message"`
}

// ErrorLog is the run's error transcript artefact.
type ErrorLog struct {
	MigrationName  string     `json:"migrationName"`
	MigrationRunID string     `json:"migrationRunId"`
	GeneratedAt    Timestamp  `json:"generatedAt"`
	TotalEntries   int        `json:"totalEntries"`
	Entries        []LogEntry `json:"entries"`
}

// Add appends an entry and keeps the count in step.
func (l *ErrorLog) Add(e LogEntry) {
	l.Entries = append(l.Entries, e)
	l.TotalEntries = len(l.Entries)
}

// Writer owns the artefact files of one run. Filenames share the run's start
// stamp, so a resumed run that reuses the stamp keeps appending to the same
// set.
type Writer struct {
	dir  string
	base string
	now  func() time.Time
}

// NewWriter creates a writer whose filenames derive from the migration name
// and the run start time.
func NewWriter(dir, migrationName string, startedAt time.Time) *Writer {
	return &Writer{
		dir:  dir,
		base: fmt.Sprintf("%s_%s_%s", ToolName, migrationName, startedAt.Format(stampLayout)),
		now:  time.Now,
	}
}

// ResumeWriter rebinds a writer to an existing progress artefact so follow-up
// writes land in the original run's files.
func ResumeWriter(progressPath string) *Writer {
	name := filepath.Base(progressPath)
	return &Writer{
		dir:  filepath.Dir(progressPath),
		base: strings.TrimSuffix(name, "_progress.json"),
		now:  time.Now,
	}
}

func (w *Writer) path(kind string) string {
	return filepath.Join(w.dir, w.base+"_"+kind+".json")
}

// ProgressPath reports where the progress artefact lives.
func (w *Writer) ProgressPath() string { return w.path("progress") }

// RowErrorsPath reports where the row-errors artefact lives.
func (w *Writer) RowErrorsPath() string { return w.path("rowerrors") }

// ErrorLogPath reports where the error-log artefact lives.
func (w *Writer) ErrorLogPath() string { return w.path("errorlog") }

// WriteProgress refreshes lastUpdatedAt and replaces the progress file.
func (w *Writer) WriteProgress(p *Progress) error {
	p.LastUpdatedAt = Timestamp(w.now())
	return writeAtomic(w.ProgressPath(), p)
}

// WriteRowErrors refreshes generatedAt and replaces the row-errors file.
func (w *Writer) WriteRowErrors(r *RowErrors) error {
	r.GeneratedAt = Timestamp(w.now())
	return writeAtomic(w.RowErrorsPath(), r)
}

// WriteErrorLog refreshes generatedAt and replaces the error-log file.
func (w *Writer) WriteErrorLog(l *ErrorLog) error {
	l.GeneratedAt = Timestamp(w.now())
	return writeAtomic(w.ErrorLogPath(), l)
}

func writeAtomic(path string, doc any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artefact dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", filepath.Base(path), err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), werr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FindLatestProgress locates the newest progress artefact for a migration
// name, or "" when none exists. The filename stamp sorts lexicographically in
// time order.
func FindLatestProgress(dir, migrationName string) (string, error) {
	pattern := filepath.Join(dir, fmt.Sprintf("%s_%s_*_progress.json", ToolName, migrationName))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// LoadProgress reads a progress artefact.
func LoadProgress(path string) (*Progress, error) {
	var p Progress
	if err := loadJSON(path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadRowErrors reads a row-errors artefact; a missing file yields an empty
// document so a resumed run can start appending.
func LoadRowErrors(path, migrationName, runID string) (*RowErrors, error) {
	var r RowErrors
	if err := loadJSON(path, &r); err != nil {
		if os.IsNotExist(err) {
			return &RowErrors{MigrationName: migrationName, MigrationRunID: runID}, nil
		}
		return nil, err
	}
	return &r, nil
}

// LoadErrorLog reads an error-log artefact; a missing file yields an empty
// document.
func LoadErrorLog(path, migrationName, runID string) (*ErrorLog, error) {
	var l ErrorLog
	if err := loadJSON(path, &l); err != nil {
		if os.IsNotExist(err) {
			return &ErrorLog{MigrationName: migrationName, MigrationRunID: runID}, nil
		}
		return nil, err
	}
	return &l, nil
}

func loadJSON(path string, doc any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

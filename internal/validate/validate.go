// Package validate implements the dry run: it checks the plan's structure,
// probes both connections, introspects every table against its mappings, and
// pushes a handful of rows through the transformation program, all without
// writing a single target row. The findings land in the validation artefact.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/status"
	"dbmigrate/internal/transform"
	"dbmigrate/internal/value"
)

// defaultSampleRows is how many source rows the dry run pushes through the
// transformation program per table.
const defaultSampleRows = 3

// Options configures one dry run.
type Options struct {
	Plan *config.MigrationPlan

	// Dir is the artefact directory; the report lands in its validation
	// subdirectory.
	Dir string

	// SampleRows overrides the per-table sample size when positive.
	SampleRows int

	// OpenSource and OpenTarget default to the driver registry.
	OpenSource driver.SourceFactory
	OpenTarget driver.TargetFactory

	Log   *zap.Logger
	Clock func() time.Time
}

func (o *Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

func (o *Options) logger() *zap.Logger {
	if o.Log != nil {
		return o.Log
	}
	return zap.NewNop()
}

func (o *Options) sampleRows() int {
	if o.SampleRows > 0 {
		return o.SampleRows
	}
	return defaultSampleRows
}

// Run performs the dry run and writes the validation artefact. The returned
// error covers only the mechanics (artefact write failures); validation
// findings are reported through the document's IsValid flag and finding
// lists.
func Run(ctx context.Context, opts Options) (*status.Validation, string, error) {
	plan := opts.Plan
	log := opts.logger()

	v := &status.Validation{MigrationName: plan.Name}
	v.Configuration = configSection(plan)

	src, tgt := probeConnections(ctx, opts, v)
	if src != nil {
		defer src.Close()
	}
	if tgt != nil {
		defer tgt.Close()
	}

	for _, job := range plan.Tables {
		v.Tables = append(v.Tables, validateTable(ctx, opts, job, src, tgt))
	}

	v.Summary = summarize(v)
	v.IsValid = v.Summary.ErrorsFound == 0 && v.Configuration.IsValid &&
		v.Connections.Source.IsValid && v.Connections.Target.IsValid

	path, err := status.WriteValidation(opts.Dir, v, opts.now())
	if err != nil {
		return nil, "", err
	}
	log.Info("validation report written",
		zap.String("migration", plan.Name),
		zap.Bool("valid", v.IsValid),
		zap.Int("errors", v.Summary.ErrorsFound),
		zap.Int("warnings", v.Summary.WarningsFound),
		zap.String("path", path))
	return v, path, nil
}

// configSection runs the structural checks and splits the findings by
// severity.
func configSection(plan *config.MigrationPlan) status.ValidationConfig {
	cfg := status.ValidationConfig{Errors: []string{}, Warnings: []string{}}
	for _, issue := range config.ValidatePlan(plan) {
		msg := fmt.Sprintf("%s: %s", issue.Path, issue.Message)
		if issue.Severity == config.SeverityError {
			cfg.Errors = append(cfg.Errors, msg)
		} else {
			cfg.Warnings = append(cfg.Warnings, msg)
		}
	}
	cfg.IsValid = len(cfg.Errors) == 0
	return cfg
}

// probeConnections opens both sides concurrently. A side that fails to open
// stays nil and its schema checks are skipped; the failure is the finding.
func probeConnections(ctx context.Context, opts Options, v *status.Validation) (driver.Source, driver.Target) {
	plan := opts.Plan
	timeout := time.Duration(plan.QueryTimeoutSeconds) * time.Second
	openSource := opts.OpenSource
	if openSource == nil {
		openSource = driver.OpenSource
	}
	openTarget := opts.OpenTarget
	if openTarget == nil {
		openTarget = driver.OpenTarget
	}

	var (
		src driver.Source
		tgt driver.Target
	)
	var g errgroup.Group
	g.Go(func() error {
		s, err := openSource(ctx, plan.Source, timeout)
		v.Connections.Source = connectionResult(plan.Source, err)
		src = s
		return nil
	})
	g.Go(func() error {
		t, err := openTarget(ctx, plan.Target, timeout)
		v.Connections.Target = connectionResult(plan.Target, err)
		tgt = t
		return nil
	})
	_ = g.Wait()
	return src, tgt
}

func connectionResult(conn config.Connection, err error) status.ValidationConnection {
	res := status.ValidationConnection{
		Provider: string(conn.Provider),
		Server:   conn.Server,
	}
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.IsValid = true
	res.Message = "connection succeeded"
	return res
}

// validateTable runs every per-table check that the open connections allow.
func validateTable(ctx context.Context, opts Options, job config.TableJob, src driver.Source, tgt driver.Target) *status.ValidationTable {
	vt := &status.ValidationTable{
		SourceTable: job.Source.String(),
		TargetTable: job.Target.String(),
		Errors:      []string{},
		Warnings:    []string{},
		SampleData:  []status.SampleRow{},
	}
	errf := func(format string, args ...any) { vt.Errors = append(vt.Errors, fmt.Sprintf(format, args...)) }
	warnf := func(format string, args ...any) { vt.Warnings = append(vt.Warnings, fmt.Sprintf(format, args...)) }

	var srcCols []string
	if src != nil {
		cols, err := src.ListColumns(ctx, job.Source.Schema, job.Source.Name)
		if err != nil {
			errf("source table %s: %v", job.Source, err)
		} else {
			srcCols = cols
			checkSourceColumns(job, cols, errf, warnf)
		}
		if n, err := src.RowCount(ctx, job.Source.Schema, job.Source.Name); err == nil {
			vt.SourceRowCount = n
		}
	}

	if tgt != nil {
		cols, err := tgt.ListColumns(ctx, job.Target.Schema, job.Target.Name)
		if err != nil {
			errf("target table %s: %v", job.Target, err)
		} else {
			checkTargetColumns(job, cols, errf, warnf)
		}
	}

	if src != nil && len(srcCols) > 0 && containsFold(srcCols, job.BatchColumn) {
		checkBatchColumnUnique(ctx, job, src, vt.SourceRowCount, warnf)
		sampleRows(ctx, opts, job, src, vt, warnf)
	}

	vt.IsValid = len(vt.Errors) == 0
	return vt
}

// checkSourceColumns verifies every column the job reads exists, and flags
// source columns nothing reads.
func checkSourceColumns(job config.TableJob, cols []string, errf, warnf func(string, ...any)) {
	if !containsFold(cols, job.BatchColumn) {
		errf("batch column %q does not exist on source table %s", job.BatchColumn, job.Source)
	}

	read := map[string]struct{}{strings.ToLower(job.BatchColumn): {}}
	for _, m := range job.Mappings {
		read[strings.ToLower(m.SourceColumn)] = struct{}{}
		if !containsFold(cols, m.SourceColumn) {
			errf("mapped source column %q does not exist on %s", m.SourceColumn, job.Source)
		}
	}
	for _, tr := range job.Transformations {
		for _, c := range tr.SourceColumns() {
			read[strings.ToLower(c)] = struct{}{}
			if !containsFold(cols, c) {
				errf("%s transformation reads column %q, which does not exist on %s", tr.Kind, c, job.Source)
			}
		}
	}

	var unread []string
	for _, c := range cols {
		if _, ok := read[strings.ToLower(c)]; !ok {
			unread = append(unread, c)
		}
	}
	if len(unread) > 0 {
		warnf("source columns not read by any mapping or transformation: %s", strings.Join(unread, ", "))
	}
}

// checkTargetColumns verifies every column the job writes exists, and flags
// target columns nothing writes.
func checkTargetColumns(job config.TableJob, cols []string, errf, warnf func(string, ...any)) {
	written := map[string]struct{}{}
	for _, m := range job.Mappings {
		written[strings.ToLower(m.TargetColumn)] = struct{}{}
		if !containsFold(cols, m.TargetColumn) {
			errf("mapped target column %q does not exist on %s", m.TargetColumn, job.Target)
		}
	}
	for _, tr := range job.Transformations {
		for _, c := range tr.TargetColumns() {
			written[strings.ToLower(c)] = struct{}{}
			if !containsFold(cols, c) {
				errf("%s transformation writes column %q, which does not exist on %s", tr.Kind, c, job.Target)
			}
		}
	}

	var unwritten []string
	for _, c := range cols {
		if _, ok := written[strings.ToLower(c)]; !ok {
			unwritten = append(unwritten, c)
		}
	}
	if len(unwritten) > 0 {
		warnf("target columns not written by any mapping or transformation, they will take their defaults: %s", strings.Join(unwritten, ", "))
	}
}

// checkBatchColumnUnique compares the distinct count against the row count.
// Duplicates at a page boundary are silently skipped by the strict-greater
// advance rule, so a non-unique batch column is worth a warning.
func checkBatchColumnUnique(ctx context.Context, job config.TableJob, src driver.Source, rowCount int64, warnf func(string, ...any)) {
	distinct, err := src.DistinctCount(ctx, job.Source.Schema, job.Source.Name, job.BatchColumn)
	if err != nil {
		warnf("batch column uniqueness on %s could not be checked: %v", job.Source, err)
		return
	}
	if distinct < rowCount {
		warnf("batch column %q is not unique on %s (%d rows, %d distinct values); rows sharing a page-boundary value may be skipped",
			job.BatchColumn, job.Source, rowCount, distinct)
	}
}

// sampleRows pushes the first few source rows through the transformation
// program. Key lookups resolve against an empty map here, so remapped columns
// show their null defaults.
func sampleRows(ctx context.Context, opts Options, job config.TableJob, src driver.Source, vt *status.ValidationTable, warnf func(string, ...any)) {
	prog, err := transform.Compile(job, transform.SystemEnvironment{})
	if err != nil {
		vt.Errors = append(vt.Errors, fmt.Sprintf("compile transformations: %v", err))
		return
	}
	rows, err := src.ReadBatch(ctx, job.Source.Schema, job.Source.Name, job.BatchColumn, opts.sampleRows(), value.Null())
	if err != nil {
		warnf("sample rows from %s could not be read: %v", job.Source, err)
		return
	}
	for _, row := range rows {
		res, err := prog.Apply(row, transform.KeyMaps{})
		if err != nil {
			warnf("sample row %s: %v", row[job.BatchColumn].Text(), err)
			continue
		}
		for _, w := range res.Warnings {
			warnf("sample row %s: %s", row[job.BatchColumn].Text(), w)
		}
		vt.SampleData = append(vt.SampleData, status.SampleRow{
			Source:      rowToAny(row),
			Transformed: rowToAny(res.Row),
		})
	}
}

func summarize(v *status.Validation) status.ValidationSummary {
	s := status.ValidationSummary{
		TablesValidated: len(v.Tables),
		ErrorsFound:     len(v.Configuration.Errors),
		WarningsFound:   len(v.Configuration.Warnings),
	}
	if !v.Connections.Source.IsValid {
		s.ErrorsFound++
	}
	if !v.Connections.Target.IsValid {
		s.ErrorsFound++
	}
	for _, t := range v.Tables {
		s.ErrorsFound += len(t.Errors)
		s.WarningsFound += len(t.Warnings)
	}
	return s
}

func rowToAny(r value.Row) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Interface()
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

package status

import (
	"fmt"
	"path/filepath"
	"time"
)

// ValidationSummary totals the validator's findings.
type ValidationSummary struct {
	TablesValidated int `json:"tablesValidated"`
	ErrorsFound     int `json:"errorsFound"`
	WarningsFound   int `json:"warningsFound"`
}

// ValidationConfig reports the structural configuration check.
type ValidationConfig struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidationConnection reports one connectivity probe.
type ValidationConnection struct {
	IsValid  bool   `json:"isValid"`
	Provider string `json:"provider"`
	Server   string `json:"server"`
	Message  string `json:"message"`
}

// ValidationConnections pairs the two probes.
type ValidationConnections struct {
	Source ValidationConnection `json:"source"`
	Target ValidationConnection `json:"target"`
}

// SampleRow shows one source row next to its transformed result.
type SampleRow struct {
	Source      map[string]any `json:"source"`
	Transformed map[string]any `json:"transformed"`
}

// ValidationTable reports one table's dry-run outcome.
type ValidationTable struct {
	SourceTable    string      `json:"sourceTable"`
	TargetTable    string      `json:"targetTable"`
	IsValid        bool        `json:"isValid"`
	SourceRowCount int64       `json:"sourceRowCount"`
	Errors         []string    `json:"errors"`
	Warnings       []string    `json:"warnings"`
	SampleData     []SampleRow `json:"sampleData"`
}

// Validation is the dry-run report artefact.
type Validation struct {
	MigrationName string                `json:"migrationName"`
	ValidatedAt   Timestamp             `json:"validatedAt"`
	IsValid       bool                  `json:"isValid"`
	Summary       ValidationSummary     `json:"summary"`
	Configuration ValidationConfig      `json:"configuration"`
	Connections   ValidationConnections `json:"connections"`
	Tables        []*ValidationTable    `json:"tables"`
}

// WriteValidation writes the report under a validation subdirectory of the
// artefact dir, following the run artefact naming convention.
func WriteValidation(dir string, v *Validation, at time.Time) (string, error) {
	v.ValidatedAt = Timestamp(at)
	name := fmt.Sprintf("%s_%s_%s_validation.json", ToolName, v.MigrationName, at.Format(stampLayout))
	path := filepath.Join(dir, "validation", name)
	if err := writeAtomic(path, v); err != nil {
		return "", err
	}
	return path, nil
}

// Package engine executes a migration plan: it walks the plan's tables in
// order, streams each one from the source in batches, applies the compiled
// transformation program, and writes the result to the target while keeping
// the on-disk status artefacts current after every batch.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dbmigrate/internal/config"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/keymap"
	"dbmigrate/internal/metrics"
	"dbmigrate/internal/status"
	"dbmigrate/internal/transform"
)

// Runner executes one migration run against already-opened connections.
// The caller owns configuration loading and connection opening; Run owns
// everything from artefact setup through teardown, including closing both
// connections.
type Runner struct {
	Plan   *config.MigrationPlan
	Source driver.Source
	Target driver.Target

	// Dir is where the status artefacts are written.
	Dir string

	// Resume continues the most recent run of this migration instead of
	// starting fresh. Completed tables are skipped; the in-progress table
	// restarts from its last acknowledged batch key.
	Resume bool

	// IncludedOnly restricts the run to jobs marked include in the master
	// config. The validator runs over everything regardless.
	IncludedOnly bool

	Log   *zap.Logger
	Clock func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Runner) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// runState bundles the artefact documents and writer for one run.
type runState struct {
	runID    string
	writer   *status.Writer
	progress *status.Progress
	rowErrs  *status.RowErrors
	errLog   *status.ErrorLog
}

// Run executes the plan. The returned error is the first fatal failure;
// row-level errors never surface here, they land in the row-errors artefact.
// Cancellation via ctx is honored between batches and reported as the
// context's error with the run marked Failed.
func (r *Runner) Run(ctx context.Context) error {
	log := r.logger()
	jobs := r.selectJobs()
	if len(jobs) == 0 {
		return fmt.Errorf("no tables selected for migration %q", r.Plan.Name)
	}

	st, err := r.prepareState(jobs)
	if err != nil {
		return err
	}
	log.Info("run starting",
		zap.String("migration", r.Plan.Name),
		zap.String("runId", st.runID),
		zap.Int("tables", len(jobs)),
		zap.Bool("resume", r.Resume))

	st.progress.Status = status.RunInProgress
	if err := st.writer.WriteProgress(st.progress); err != nil {
		return err
	}

	err = r.migrate(ctx, st, jobs)
	if err != nil {
		st.progress.Status = status.RunFailed
		st.errLog.Add(status.LogEntry{
			Timestamp: status.Timestamp(r.now()),
			Level:     "Error",
			Message:   err.Error(),
		})
	} else {
		st.progress.Status = status.RunCompleted
	}
	if werr := st.writer.WriteProgress(st.progress); werr != nil {
		log.Warn("final progress write failed", zap.Error(werr))
	}
	if werr := st.writer.WriteErrorLog(st.errLog); werr != nil {
		log.Warn("final error log write failed", zap.Error(werr))
	}

	r.teardown(ctx, st)

	if err != nil {
		log.Error("run failed", zap.String("migration", r.Plan.Name), zap.Error(err))
		return err
	}
	log.Info("run completed", zap.String("migration", r.Plan.Name), zap.String("runId", st.runID))
	return nil
}

// selectJobs orders the plan's tables by their configured order and applies
// the include filter. The sort is stable so equal orders keep file order.
func (r *Runner) selectJobs() []config.TableJob {
	var jobs []config.TableJob
	for _, j := range r.Plan.Tables {
		if r.IncludedOnly && !j.Include {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].Order < jobs[k].Order })
	return jobs
}

// prepareState builds the artefact documents: fresh ones for a new run, or
// the prior run's documents reloaded from disk when resuming.
func (r *Runner) prepareState(jobs []config.TableJob) (*runState, error) {
	if r.Resume {
		return r.resumeState(jobs)
	}

	runID := uuid.NewString()
	writer := status.NewWriter(r.Dir, r.Plan.Name, r.now())
	progress := &status.Progress{
		MigrationName: r.Plan.Name,
		StartedAt:     status.Timestamp(r.now()),
		Status:        status.RunInProgress,
	}
	for _, j := range jobs {
		progress.Tables = append(progress.Tables, &status.TableProgress{
			SourceTable: j.Source.String(),
			TargetTable: j.Target.String(),
			Status:      status.TablePending,
		})
	}
	return &runState{
		runID:    runID,
		writer:   writer,
		progress: progress,
		rowErrs:  &status.RowErrors{MigrationName: r.Plan.Name, MigrationRunID: runID},
		errLog:   &status.ErrorLog{MigrationName: r.Plan.Name, MigrationRunID: runID},
	}, nil
}

// resumeState reloads the latest run's artefacts. The run identifier is not
// stored in the progress artefact, so it is recovered from the companion
// row-errors document; a brand-new one is minted if that file never existed.
func (r *Runner) resumeState(jobs []config.TableJob) (*runState, error) {
	path, err := status.FindLatestProgress(r.Dir, r.Plan.Name)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("resume requested but no prior progress artefact exists for migration %q in %s", r.Plan.Name, r.Dir)
	}
	progress, err := status.LoadProgress(path)
	if err != nil {
		return nil, fmt.Errorf("load progress artefact: %w", err)
	}
	writer := status.ResumeWriter(path)
	rowErrs, err := status.LoadRowErrors(writer.RowErrorsPath(), r.Plan.Name, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("load row errors artefact: %w", err)
	}
	runID := rowErrs.MigrationRunID
	errLog, err := status.LoadErrorLog(writer.ErrorLogPath(), r.Plan.Name, runID)
	if err != nil {
		return nil, fmt.Errorf("load error log artefact: %w", err)
	}

	// The selected job set may have grown since the original run.
	for _, j := range jobs {
		if progress.Table(j.Source.String()) == nil {
			progress.Tables = append(progress.Tables, &status.TableProgress{
				SourceTable: j.Source.String(),
				TargetTable: j.Target.String(),
				Status:      status.TablePending,
			})
		}
	}
	return &runState{
		runID:    runID,
		writer:   writer,
		progress: progress,
		rowErrs:  rowErrs,
		errLog:   errLog,
	}, nil
}

// migrate runs the per-table work after the run-level setup. Constraints stay
// disabled for the whole run so child tables can land before their parents'
// referenced rows settle.
func (r *Runner) migrate(ctx context.Context, st *runState, jobs []config.TableJob) error {
	log := r.logger()
	opCtx := context.WithoutCancel(ctx)

	if err := r.Target.DisableAllConstraints(opCtx); err != nil {
		return fmt.Errorf("disable target constraints: %w", err)
	}
	if !r.Resume {
		// Stale key maps from a run that never reached teardown would
		// otherwise leak into this run's lookups.
		if err := keymap.DropAll(opCtx, r.Target); err != nil {
			return err
		}
	}

	keyMaps := transform.KeyMaps{}
	for _, job := range jobs {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		tp := st.progress.Table(job.Source.String())

		if r.Resume && tp.Status == status.TableCompleted {
			log.Info("table already completed, skipping", zap.String("table", job.Source.String()))
			if job.Settings.IdentityMode == config.IdentityGenerate {
				store := keymap.New(r.Target, job.Source)
				loaded, lerr := store.Load(opCtx)
				if lerr != nil {
					r.warnRun(st, job.Source.String(), "key map for completed table %s unavailable: %v", job.Source, lerr)
				} else {
					keyMaps[job.Source.String()] = loaded
				}
			}
			continue
		}
		if tp.Status == status.TableFailed {
			// A failed table restarts from its last acknowledged batch, same
			// as an interrupted one.
			tp.Status = status.TablePending
		}

		run := &tableRun{
			plan:     r.Plan,
			job:      job,
			src:      r.Source,
			tgt:      r.Target,
			writer:   st.writer,
			progress: st.progress,
			tp:       tp,
			rowErrs:  st.rowErrs,
			errLog:   st.errLog,
			keyMaps:  keyMaps,
			log:      log,
			clock:    r.now,
		}
		if err := run.migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", job.Source, err)
		}
	}
	return nil
}

// teardown restores the target and releases resources. Every step runs even
// when an earlier one fails; failures are logged and recorded but never
// escalate, because the run's outcome is already decided.
func (r *Runner) teardown(ctx context.Context, st *runState) {
	log := r.logger()
	opCtx := context.WithoutCancel(ctx)

	if err := keymap.DropAll(opCtx, r.Target); err != nil {
		r.warnRun(st, "", "drop key map tables: %v", err)
	}
	if err := r.Target.EnableAllConstraints(opCtx); err != nil {
		r.warnRun(st, "", "re-enable target constraints: %v", err)
	}
	if err := r.Source.Close(); err != nil {
		log.Warn("close source", zap.Error(err))
	}
	if err := r.Target.Close(); err != nil {
		log.Warn("close target", zap.Error(err))
	}
	if err := metrics.Flush(); err != nil {
		log.Warn("flush metrics", zap.Error(err))
	}
	if err := st.writer.WriteErrorLog(st.errLog); err != nil {
		log.Warn("teardown error log write failed", zap.Error(err))
	}
}

func (r *Runner) warnRun(st *runState, table, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	st.errLog.Add(status.LogEntry{
		Timestamp: status.Timestamp(r.now()),
		Level:     "Warning",
		Table:     table,
		Message:   msg,
	})
	r.logger().Warn(msg)
}

package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dbmigrate/internal/config"
	"dbmigrate/internal/cursor"
	"dbmigrate/internal/driver"
	"dbmigrate/internal/keymap"
	"dbmigrate/internal/metrics"
	"dbmigrate/internal/status"
	"dbmigrate/internal/transform"
	"dbmigrate/internal/value"
)

// tableRun migrates one source table into its target. It owns the per-table
// state machine and the scoped trigger and identity-insert releases.
type tableRun struct {
	plan     *config.MigrationPlan
	job      config.TableJob
	src      driver.Source
	tgt      driver.Target
	writer   *status.Writer
	progress *status.Progress
	tp       *status.TableProgress
	rowErrs  *status.RowErrors
	errLog   *status.ErrorLog
	keyMaps  transform.KeyMaps
	log      *zap.Logger
	clock    func() time.Time
}

func (t *tableRun) migrate(ctx context.Context) (err error) {
	started := t.clock()
	defer func() {
		metrics.RecordTable(t.plan.Name, t.job.Source.String(), err, t.clock().Sub(started))
	}()

	// A batch in flight runs to completion even when the run is being
	// canceled; cancellation is honored between batches.
	opCtx := context.WithoutCancel(ctx)

	t.tp.Status = status.TableInProgress
	if total, cntErr := t.src.RowCount(opCtx, t.job.Source.Schema, t.job.Source.Name); cntErr != nil {
		t.warn("", "row count unavailable for %s: %v", t.job.Source, cntErr)
	} else {
		t.tp.TotalRows = total
	}
	if err = t.writeStatus(); err != nil {
		return err
	}

	prog, err := transform.Compile(t.job, transform.SystemEnvironment{})
	if err != nil {
		return t.fail(fmt.Errorf("compile transformations for %s: %w", t.job.Source, err))
	}

	if t.job.Settings.ExistingDataAction == config.ActionTruncate && t.tp.ProcessedRows == 0 {
		if err = t.tgt.Truncate(opCtx, t.job.Target.Schema, t.job.Target.Name); err != nil {
			return t.fail(err)
		}
	}

	if err = t.tgt.DisableTriggers(opCtx, t.job.Target.Schema, t.job.Target.Name); err != nil {
		return t.fail(fmt.Errorf("disable triggers on %s: %w", t.job.Target, err))
	}
	defer func() {
		if terr := t.tgt.EnableTriggers(context.WithoutCancel(ctx), t.job.Target.Schema, t.job.Target.Name); terr != nil {
			t.warn(t.job.Source.String(), "re-enable triggers on %s: %v", t.job.Target, terr)
		}
	}()

	generate := t.job.Settings.IdentityMode == config.IdentityGenerate
	var store *keymap.Store
	if generate {
		store = keymap.New(t.tgt, t.job.Source)
		if err = store.Create(opCtx); err != nil {
			return t.fail(err)
		}
	}

	insertCols, identityCol, err := t.insertColumns(opCtx)
	if err != nil {
		return t.fail(err)
	}
	identityInsert := !generate && identityCol != "" && containsFold(insertCols, identityCol)

	seed := value.Null()
	if t.tp.LastBatchKeyValue != nil {
		seed = seedKey(*t.tp.LastBatchKeyValue)
	}
	cur := cursor.New(t.src, t.job.Source.Schema, t.job.Source.Name, t.job.BatchColumn, t.plan.BatchSize, seed)

	for {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		batchStart := t.clock()
		page, perr := cur.Next(opCtx)
		if perr != nil {
			return t.fail(perr)
		}
		if page == nil {
			break
		}

		if err = t.migrateBatch(opCtx, prog, page, insertCols, generate, identityInsert, store); err != nil {
			return t.fail(err)
		}

		t.tp.ProcessedRows += int64(len(page))
		if last := cur.LastKey(); !last.IsNull() {
			k := last.Text()
			t.tp.LastBatchKeyValue = &k
		}
		if err = t.writeStatus(); err != nil {
			return err
		}
		metrics.RecordBatches(t.plan.Name, t.job.Source.String(), 1)
		t.log.Info("batch acknowledged",
			zap.String("table", t.job.Source.String()),
			zap.Int("rows", len(page)),
			zap.Int64("processed", t.tp.ProcessedRows),
			zap.Int64("total", t.tp.TotalRows),
			zap.Float64("rowsPerSec", rowsPerSec(len(page), t.clock().Sub(batchStart))))
	}

	if generate {
		loaded, lerr := store.Load(opCtx)
		if lerr != nil {
			return t.fail(lerr)
		}
		t.keyMaps[t.job.Source.String()] = loaded
	}

	t.tp.Status = status.TableCompleted
	return t.writeStatus()
}

// migrateBatch transforms and inserts one page under the configured insert
// policy, then persists any key mappings it produced.
func (t *tableRun) migrateBatch(ctx context.Context, prog *transform.Program, page []value.Row, insertCols []string, generate, identityInsert bool, store *keymap.Store) error {
	var (
		bulk  []value.Row
		pairs []keymap.Pair
	)

	for _, src := range page {
		res, rerr := prog.Apply(src, t.keyMaps)
		if rerr != nil {
			t.rowError(src, rerr)
			continue
		}
		for _, w := range res.Warnings {
			t.warn(t.job.Source.String(), "%s", w)
		}

		if !generate {
			bulk = append(bulk, res.Row)
			continue
		}

		newKey, ierr := t.tgt.InsertOne(ctx, t.job.Target.Schema, t.job.Target.Name, insertCols, res.Row, true)
		if ierr != nil {
			t.rowError(src, ierr)
			continue
		}
		pairs = append(pairs, keymap.Pair{OldKey: t.oldKey(src), NewKey: newKey})
	}

	if len(bulk) > 0 {
		if identityInsert {
			if err := t.tgt.SetIdentityInsert(ctx, t.job.Target.Schema, t.job.Target.Name, true); err != nil {
				return err
			}
		}
		bulkErr := t.tgt.BulkInsert(ctx, t.job.Target.Schema, t.job.Target.Name, insertCols, bulk)
		if identityInsert {
			if err := t.tgt.SetIdentityInsert(ctx, t.job.Target.Schema, t.job.Target.Name, false); err != nil && bulkErr == nil {
				bulkErr = err
			}
		}
		if bulkErr != nil {
			return fmt.Errorf("bulk insert into %s: %w", t.job.Target, bulkErr)
		}
	}

	if len(pairs) > 0 {
		if err := store.Append(ctx, pairs); err != nil {
			return err
		}
	}
	metrics.RecordRows(t.plan.Name, t.job.Source.String(), "migrated", int64(len(bulk)+len(pairs)))
	return nil
}

// insertColumns derives the column set written to the target: the introspected
// target columns the transformation program actually produces, minus the
// identity column when new keys are generated. The second return is the
// target's identity column, or the job's configured identityColumn when the
// target reports none.
func (t *tableRun) insertColumns(ctx context.Context) ([]string, string, error) {
	targetCols, err := t.tgt.ListColumns(ctx, t.job.Target.Schema, t.job.Target.Name)
	if err != nil {
		return nil, "", err
	}
	identityCol, err := t.tgt.IdentityColumnOf(ctx, t.job.Target.Schema, t.job.Target.Name)
	if err != nil {
		return nil, "", err
	}
	if identityCol == "" {
		identityCol = t.job.Settings.IdentityColumn
	}

	produced := map[string]struct{}{}
	for _, m := range t.job.Mappings {
		produced[strings.ToLower(m.TargetColumn)] = struct{}{}
	}
	for _, tr := range t.job.Transformations {
		for _, c := range tr.TargetColumns() {
			produced[strings.ToLower(c)] = struct{}{}
		}
	}

	generate := t.job.Settings.IdentityMode == config.IdentityGenerate
	var cols []string
	for _, c := range targetCols {
		if _, ok := produced[strings.ToLower(c)]; !ok {
			continue
		}
		if generate && strings.EqualFold(c, identityCol) {
			continue
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return nil, "", fmt.Errorf("no mapped columns exist on target table %s", t.job.Target)
	}
	return cols, identityCol, nil
}

// oldKey picks the source-side key recorded against the generated target key.
func (t *tableRun) oldKey(src value.Row) string {
	if col := t.job.Settings.IdentityColumn; col != "" {
		if v, ok := src[col]; ok && !v.IsNull() {
			return v.Text()
		}
	}
	return src[t.job.BatchColumn].Text()
}

func (t *tableRun) rowError(src value.Row, cause error) {
	t.rowErrs.Add(t.job.Source.String(), t.job.Target.String(), status.RowError{
		SourceKeyValue: src[t.job.BatchColumn].Text(),
		ErrorTimestamp: status.Timestamp(t.clock()),
		ErrorMessage:   cause.Error(),
		SourceData:     rowData(src),
	})
	metrics.RecordRows(t.plan.Name, t.job.Source.String(), "row_errors", 1)
	t.log.Warn("row skipped",
		zap.String("table", t.job.Source.String()),
		zap.String("key", src[t.job.BatchColumn].Text()),
		zap.Error(cause))
}

func (t *tableRun) warn(table, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.errLog.Add(status.LogEntry{
		Timestamp: status.Timestamp(t.clock()),
		Level:     "Warning",
		Table:     table,
		Message:   msg,
	})
	t.log.Warn(msg)
}

func (t *tableRun) fail(cause error) error {
	t.tp.Status = status.TableFailed
	t.errLog.Add(status.LogEntry{
		Timestamp: status.Timestamp(t.clock()),
		Level:     "Error",
		Table:     t.job.Source.String(),
		Message:   cause.Error(),
	})
	if werr := t.writeStatus(); werr != nil {
		t.log.Warn("status write failed", zap.Error(werr))
	}
	return cause
}

func (t *tableRun) writeStatus() error {
	if err := t.writer.WriteProgress(t.progress); err != nil {
		return err
	}
	if err := t.writer.WriteRowErrors(t.rowErrs); err != nil {
		return err
	}
	return t.writer.WriteErrorLog(t.errLog)
}

// seedKey rehydrates a persisted batch key. Numeric keys must compare
// numerically on the source side, so integers and decimals are restored to
// their typed forms.
func seedKey(s string) value.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Decimal(f)
	}
	return value.Text(s)
}

func rowData(r value.Row) map[string]any {
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

func rowsPerSec(rows int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(rows) / d.Seconds()
}

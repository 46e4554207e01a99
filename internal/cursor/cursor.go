// Package cursor pages through a source table in ascending batch-column
// order. Each page picks up strictly after the last key of the previous one,
// which is also what makes a killed run resumable: the caller persists the
// last fully acknowledged key and seeds a fresh cursor with it.
package cursor

import (
	"context"

	"dbmigrate/internal/driver"
	"dbmigrate/internal/value"
)

// Cursor reads one table page at a time. Not safe for concurrent use.
type Cursor struct {
	src         driver.Source
	schema      string
	table       string
	batchColumn string
	size        int

	after value.Value
	done  bool
}

// New positions a cursor on the table. A null resumeKey starts from the
// beginning; otherwise reading starts strictly after it. Size 0 selects
// single-page mode, where Next returns the whole table once.
func New(src driver.Source, schema, table, batchColumn string, size int, resumeKey value.Value) *Cursor {
	return &Cursor{
		src:         src,
		schema:      schema,
		table:       table,
		batchColumn: batchColumn,
		size:        size,
		after:       resumeKey,
	}
}

// Next returns the next page, or (nil, nil) when the table is exhausted. A
// page shorter than the batch size is the final one. Duplicate batch-column
// values straddling a page boundary are skipped by the strict advance; the
// validator warns when the column is not unique.
func (c *Cursor) Next(ctx context.Context) ([]value.Row, error) {
	if c.done {
		return nil, nil
	}
	if c.size <= 0 {
		c.done = true
		rows, err := c.src.ReadAll(ctx, c.schema, c.table)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return rows, nil
	}

	rows, err := c.src.ReadBatch(ctx, c.schema, c.table, c.batchColumn, c.size, c.after)
	if err != nil {
		return nil, err
	}
	if len(rows) < c.size {
		c.done = true
	}
	if len(rows) == 0 {
		return nil, nil
	}
	c.after = rows[len(rows)-1][c.batchColumn]
	return rows, nil
}

// LastKey reports the batch-column value of the last row handed out, or the
// seed key if no page has been read yet.
func (c *Cursor) LastKey() value.Value { return c.after }

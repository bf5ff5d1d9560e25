package collector

import (
	"fmt"
	"sync"
)

// defaultBatchRowCap is the soft cap on rows per batch before it is sealed
// automatically — purely a memory bound on the in-flight batch, not a
// correctness constraint.
const defaultBatchRowCap = 1024

// RecordBatch is a sealed, immutable set of rows conforming to a Schema.
// Columns are stored column-major: Columns[i] holds every row's value for
// schema column i, so Columns[i] and Columns[j] always have equal length.
type RecordBatch struct {
	Schema  Schema
	Columns [][]any
	Rows    int
}

// DataTable is an in-memory, column-oriented batch buffer. It is written
// exclusively by one InfoClassManager's sampling path and read exclusively
// by that same manager's push path, both from the scheduler thread — no
// internal locking is required for that single-writer/single-reader
// pattern, but a mutex is still used because Drain/Seal can be called
// from subscription-swap flushes running on the dispatcher thread while
// the scheduler could in principle still be mid-tick for a different
// manager (never this one, since the scheduler's per-tick lock rules that
// out, but the mutex keeps the type safe to reuse standalone, e.g. in
// tests).
type DataTable struct {
	schema  Schema
	rowCap  int
	mu      sync.Mutex
	active  [][]any
	rows    int
	pending []*RecordBatch
}

// NewDataTable creates an empty table for schema. rowCap<=0 uses the
// default soft cap.
func NewDataTable(schema Schema, rowCap int) *DataTable {
	if rowCap <= 0 {
		rowCap = defaultBatchRowCap
	}
	return &DataTable{
		schema: schema,
		rowCap: rowCap,
		active: make([][]any, len(schema)),
	}
}

// Schema returns the table's fixed schema.
func (t *DataTable) Schema() Schema {
	return t.schema
}

// AppendRow appends one value per column. Fails if the arity differs from
// the schema; does not validate value types beyond arity, since the
// caller-supplied Connector is trusted to match its own advertised schema.
func (t *DataTable) AppendRow(values ...any) error {
	if len(values) != len(t.schema) {
		return fmt.Errorf("%w: row has %d values, schema has %d columns",
			ErrInvalidArgument, len(values), len(t.schema))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, v := range values {
		t.active[i] = append(t.active[i], v)
	}
	t.rows++

	if t.rows >= t.rowCap {
		t.sealLocked()
	}
	return nil
}

// SealActiveBatch finalizes the in-flight batch and enqueues it, starting
// a fresh empty batch. A no-op if there are no buffered rows.
func (t *DataTable) SealActiveBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealLocked()
}

func (t *DataTable) sealLocked() {
	if t.rows == 0 {
		return
	}

	batch := &RecordBatch{
		Schema:  t.schema,
		Columns: t.active,
		Rows:    t.rows,
	}
	t.pending = append(t.pending, batch)

	t.active = make([][]any, len(t.schema))
	t.rows = 0
}

// DrainBatches returns all sealed batches and empties the queue. Does not
// seal the currently active (unsealed) batch.
func (t *DataTable) DrainBatches() []*RecordBatch {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return nil
	}
	out := t.pending
	t.pending = nil
	return out
}

// HasBufferedRows reports whether there is anything for a push to flush:
// either unsealed rows in the active batch or already-sealed batches
// waiting on DrainBatches. Used by InfoClassManager.PushRequired so a push
// with nothing to send is a no-op.
func (t *DataTable) HasBufferedRows() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows > 0 || len(t.pending) > 0
}

// Package table decodes Arrow IPC stream bytes into immutable named tables.
package table

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/posthog/arrowquery/engine"
)

// ErrEmptyName is returned when a table is created without a name.
var ErrEmptyName = errors.New("table name is empty")

// ErrNoRecords is returned when an IPC stream carries a schema but no
// record batch.
var ErrNoRecords = errors.New("stream contains no record batch")

// DecodeError reports bytes that could not be turned into a table.
type DecodeError struct {
	Table string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode table %q: %v", e.Table, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Table is a record batch bound to the name it is queried by. A Table is
// immutable once constructed.
type Table struct {
	name string
	rec  arrow.RecordBatch
}

// New decodes an Arrow IPC stream and keeps its first record batch under name.
//
// Streams with more than one batch are accepted but only the first batch is
// kept; a warning is logged so the truncation is visible.
func New(data []byte, name string) (*Table, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if len(data) == 0 {
		return nil, &DecodeError{Table: name, Err: errors.New("empty input")}
	}

	rdr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, &DecodeError{Table: name, Err: err}
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, &DecodeError{Table: name, Err: err}
		}
		return nil, &DecodeError{Table: name, Err: ErrNoRecords}
	}
	rec := rdr.RecordBatch()
	rec.Retain()

	if rdr.Next() {
		slog.Warn("Arrow stream has more than one record batch; only the first is kept.",
			"table", name, "rows_kept", rec.NumRows())
	}

	t, err := FromRecord(rec, name)
	rec.Release()
	return t, err
}

// FromRecord builds a Table from an already decoded record batch. The Table
// takes its own reference to rec.
func FromRecord(rec arrow.RecordBatch, name string) (*Table, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if rec == nil {
		return nil, &DecodeError{Table: name, Err: ErrNoRecords}
	}
	if rec.NumCols() == 0 {
		return nil, &DecodeError{Table: name, Err: errors.New("schema has no columns")}
	}
	if err := engine.CheckSchema(rec.Schema()); err != nil {
		return nil, &DecodeError{Table: name, Err: err}
	}
	rec.Retain()
	return &Table{name: name, rec: rec}, nil
}

// Name returns the SQL name of the table.
func (t *Table) Name() string { return t.name }

// Record returns the table data. The caller must not release it.
func (t *Table) Record() arrow.RecordBatch { return t.rec }

func (t *Table) Schema() *arrow.Schema { return t.rec.Schema() }

func (t *Table) NumRows() int64 { return t.rec.NumRows() }

// Release drops the table's reference to its data.
func (t *Table) Release() {
	if t.rec != nil {
		t.rec.Release()
		t.rec = nil
	}
}

// Encode writes recs as a single Arrow IPC stream. It is the inverse of New
// for single-batch streams.
func Encode(recs ...arrow.RecordBatch) ([]byte, error) {
	if len(recs) == 0 {
		return nil, ErrNoRecords
	}
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(recs[0].Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("write record batch: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close ipc writer: %w", err)
	}
	return buf.Bytes(), nil
}

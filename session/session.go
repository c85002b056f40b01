// Package session holds an ordered set of named Arrow tables and runs SQL
// queries over them, returning JSON.
//
// Each Query opens a fresh execution environment, registers every table in
// insertion order, runs the SQL and discards the environment. Nothing
// registered during one query is visible to another.
//
// Table names are not checked for uniqueness when they are added. Two tables
// whose names collide (DuckDB compares identifiers case-insensitively) make
// every later Query fail with a registration error naming the second table.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/table"
)

// ErrClosed is returned by operations on a session that has been closed.
var ErrClosed = errors.New("session is closed")

var tracer = otel.Tracer("github.com/posthog/arrowquery/session")

// ExecContext is a single-use execution environment. *engine.Env implements it.
type ExecContext interface {
	Register(ctx context.Context, name string, rec arrow.RecordBatch) error
	Query(ctx context.Context, sql string) ([]arrow.RecordBatch, error)
	Close() error
}

// Opener creates the execution environment for one query call.
type Opener func(ctx context.Context) (ExecContext, error)

// EngineOpener returns an Opener backed by an in-memory DuckDB per call.
func EngineOpener(cfg engine.Config) Opener {
	return func(ctx context.Context) (ExecContext, error) {
		env, err := engine.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return env, nil
	}
}

// Option configures a Session.
type Option func(*Session)

// WithEngineConfig tunes the DuckDB instance opened for each query.
func WithEngineConfig(cfg engine.Config) Option {
	return func(s *Session) { s.open = EngineOpener(cfg) }
}

// WithOpener replaces the execution environment factory.
func WithOpener(open Opener) Option {
	return func(s *Session) { s.open = open }
}

// TableInfo describes a registered table.
type TableInfo struct {
	Name    string `json:"name"`
	NumRows int64  `json:"num_rows"`
	Schema  string `json:"schema"`
}

// Session is an ordered collection of named tables.
//
// The table list is guarded by a mutex, so concurrent calls cannot corrupt
// it, but callers that add tables and query from different goroutines must
// order those calls themselves to get predictable results.
type Session struct {
	open Opener

	mu     sync.RWMutex
	tables []*table.Table
	closed bool
}

// New returns an empty session.
func New(opts ...Option) *Session {
	s := &Session{open: EngineOpener(engine.DefaultConfig())}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTable decodes an Arrow IPC stream and appends it under name. On error
// the session is unchanged.
func (s *Session) AddTable(data []byte, name string) error {
	t, err := table.New(data, name)
	if err != nil {
		var de *table.DecodeError
		if errors.As(err, &de) {
			decodeErrorsCounter.Inc()
		}
		return err
	}
	return s.add(t)
}

// AddRecord appends an already decoded record batch under name.
func (s *Session) AddRecord(rec arrow.RecordBatch, name string) error {
	t, err := table.FromRecord(rec, name)
	if err != nil {
		return err
	}
	return s.add(t)
}

func (s *Session) add(t *table.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.Release()
		return ErrClosed
	}
	s.tables = append(s.tables, t)
	tablesRegisteredCounter.Inc()
	slog.Debug("Added table.", "table", t.Name(), "rows", t.NumRows(), "columns", t.Schema().NumFields())
	return nil
}

// Tables lists the registered tables in insertion order.
func (s *Session) Tables() []TableInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]TableInfo, len(s.tables))
	for i, t := range s.tables {
		infos[i] = TableInfo{Name: t.Name(), NumRows: t.NumRows(), Schema: t.Schema().String()}
	}
	return infos
}

// namedRecord is a table snapshot that stays valid if the session is closed
// while a query is running.
type namedRecord struct {
	name string
	rec  arrow.RecordBatch
}

func (s *Session) snapshot() ([]namedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]namedRecord, len(s.tables))
	for i, t := range s.tables {
		rec := t.Record()
		rec.Retain()
		out[i] = namedRecord{name: t.Name(), rec: rec}
	}
	return out, nil
}

// Query runs sql against every table in the session and returns the result as
// a JSON array. A query that yields no rows returns EmptyResult.
//
// Errors from opening the execution environment wrap engine.ErrRuntimeInit;
// every later failure is a *QueryError.
func (s *Session) Query(ctx context.Context, sql string) (result string, err error) {
	ctx, span := tracer.Start(ctx, "session.Query")
	start := time.Now()
	defer func() {
		queriesCounter.WithLabelValues(statusLabel(err)).Inc()
		queryDurationHistogram.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tables, err := s.snapshot()
	if err != nil {
		return "", err
	}
	defer func() {
		for _, t := range tables {
			t.rec.Release()
		}
	}()
	span.SetAttributes(attribute.Int("arrowquery.tables", len(tables)))

	env, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			slog.Warn("Failed to close execution environment.", "error", cerr)
		}
	}()

	if err := register(ctx, env, tables); err != nil {
		return "", err
	}

	batches, err := execute(ctx, env, sql)
	if err != nil {
		return "", err
	}
	defer engine.ReleaseAll(batches)

	if len(batches) == 0 {
		resultRowsHistogram.Observe(0)
		return EmptyResult, nil
	}

	_, encSpan := tracer.Start(ctx, "session.Encode")
	defer encSpan.End()
	out, err := EncodeJSON(batches)
	if err != nil {
		return "", &QueryError{Kind: KindEncoding, Err: err}
	}

	var rows int64
	for _, b := range batches {
		rows += b.NumRows()
	}
	resultRowsHistogram.Observe(float64(rows))
	return out, nil
}

func register(ctx context.Context, env ExecContext, tables []namedRecord) error {
	ctx, span := tracer.Start(ctx, "session.Register")
	defer span.End()
	for _, t := range tables {
		if err := env.Register(ctx, t.name, t.rec); err != nil {
			return &QueryError{Kind: KindRegistration, Table: t.name, Err: err}
		}
	}
	return nil
}

func execute(ctx context.Context, env ExecContext, sql string) ([]arrow.RecordBatch, error) {
	ctx, span := tracer.Start(ctx, "session.Execute", trace.WithAttributes(attribute.Int("arrowquery.sql_length", len(sql))))
	defer span.End()
	batches, err := env.Query(ctx, sql)
	if err != nil {
		kind := KindExecution
		if engine.IsParseError(err) {
			kind = KindParse
		}
		return nil, &QueryError{Kind: kind, Err: err}
	}
	return batches, nil
}

// Close releases every table. Later calls return ErrClosed. Close is
// idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.tables {
		t.Release()
	}
	s.tables = nil
}

// Package engine runs SQL over named Arrow record batches using an
// in-process DuckDB instance.
//
// Every Env is a fresh in-memory database. Tables registered into one Env are
// invisible to every other Env, so callers get per-query isolation by opening
// one Env per query and closing it afterwards.
package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	duckdb "github.com/duckdb/duckdb-go/v2"
)

// ErrRuntimeInit is returned by Open when the DuckDB instance backing an Env
// cannot be created.
var ErrRuntimeInit = errors.New("failed to initialize query runtime")

// Env is a single-use execution environment: one in-memory DuckDB database
// pinned to one connection. It is not safe for concurrent use.
type Env struct {
	cfg   Config
	db    *sql.DB
	conn  *sql.Conn
	alloc memory.Allocator
}

// Open creates a new in-memory DuckDB database and applies cfg to it.
// Errors wrap ErrRuntimeInit.
func Open(ctx context.Context, cfg Config) (*Env, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%w: open duckdb: %v", ErrRuntimeInit, err)
	}

	// Tables live in the in-memory catalog of a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: connect duckdb: %v", ErrRuntimeInit, err)
	}

	if cfg.Threads > 0 {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET threads = %d", cfg.Threads)); err != nil {
			slog.Warn("Failed to set DuckDB threads.", "threads", cfg.Threads, "error", err)
		}
	}
	if cfg.MemoryLimit != "" {
		limit := strings.ReplaceAll(cfg.MemoryLimit, "'", "''")
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET memory_limit = '%s'", limit)); err != nil {
			slog.Warn("Failed to set DuckDB memory_limit.", "memory_limit", cfg.MemoryLimit, "error", err)
		}
	}

	return &Env{
		cfg:   cfg,
		db:    db,
		conn:  conn,
		alloc: memory.DefaultAllocator,
	}, nil
}

// Close releases the connection and the database. Safe to call on a nil Env.
func (e *Env) Close() error {
	if e == nil {
		return nil
	}
	return errors.Join(e.conn.Close(), e.db.Close())
}

// Register materialises rec as a table called name. Registering a name that
// already exists in this Env fails; DuckDB compares identifiers
// case-insensitively, so "People" and "people" collide.
func (e *Env) Register(ctx context.Context, name string, rec arrow.RecordBatch) error {
	ddl, err := CreateTableSQL(name, rec.Schema())
	if err != nil {
		return err
	}
	if _, err := e.conn.ExecContext(ctx, ddl); err != nil {
		return err
	}

	return e.conn.Raw(func(raw any) error {
		driverConn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected raw conn type %T", raw)
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", name)
		if err != nil {
			return fmt.Errorf("create appender for %q: %w", name, err)
		}

		cols := rec.Columns()
		row := make([]driver.Value, len(cols))
		for i := 0; i < int(rec.NumRows()); i++ {
			for j, col := range cols {
				v, err := ArrowValue(col, i)
				if err != nil {
					_ = appender.Close()
					return fmt.Errorf("column %q row %d: %w", rec.ColumnName(j), i, err)
				}
				row[j] = v
			}
			if err := appender.AppendRow(row...); err != nil {
				_ = appender.Close()
				return fmt.Errorf("append row %d to %q: %w", i, name, err)
			}
		}

		if err := appender.Close(); err != nil {
			return fmt.Errorf("flush appender for %q: %w", name, err)
		}
		return nil
	})
}

// Query runs sql and collects every result row into record batches of at most
// Config.BatchSize rows. An empty result yields a nil slice. The caller owns
// the returned batches and must release them.
func (e *Env) Query(ctx context.Context, query string) ([]arrow.RecordBatch, error) {
	rows, err := e.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	schema, err := RowsSchema(rows)
	if err != nil {
		return nil, err
	}

	var batches []arrow.RecordBatch
	for {
		rec, err := RowsToRecord(e.alloc, rows, schema, e.cfg.batchSize())
		if err != nil {
			ReleaseAll(batches)
			return nil, err
		}
		if rec == nil {
			break
		}
		batches = append(batches, rec)
	}
	return batches, nil
}

// ReleaseAll releases every batch in recs.
func ReleaseAll(recs []arrow.RecordBatch) {
	for _, r := range recs {
		r.Release()
	}
}

// IsParseError reports whether err was raised while parsing, binding or
// resolving the SQL text rather than while executing it.
func IsParseError(err error) bool {
	var de *duckdb.Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Type {
	case duckdb.ErrorTypeParser,
		duckdb.ErrorTypeSyntax,
		duckdb.ErrorTypeBinder,
		duckdb.ErrorTypeCatalog,
		duckdb.ErrorTypeParameterNotResolved,
		duckdb.ErrorTypeParameterNotAllowed:
		return true
	}
	return false
}

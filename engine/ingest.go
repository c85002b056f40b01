package engine

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	duckdb "github.com/duckdb/duckdb-go/v2"
)

// ErrUnsupportedType is returned for Arrow column types that have no DuckDB
// column equivalent here (nested, dictionary, interval and extension types).
var ErrUnsupportedType = errors.New("unsupported column type")

// ArrowTypeToDuckDB maps an Arrow DataType to the DuckDB column type used when
// materialising it.
func ArrowTypeToDuckDB(dt arrow.DataType) (string, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return "BOOLEAN", nil
	case arrow.INT8:
		return "TINYINT", nil
	case arrow.INT16:
		return "SMALLINT", nil
	case arrow.INT32:
		return "INTEGER", nil
	case arrow.INT64:
		return "BIGINT", nil
	case arrow.UINT8:
		return "UTINYINT", nil
	case arrow.UINT16:
		return "USMALLINT", nil
	case arrow.UINT32:
		return "UINTEGER", nil
	case arrow.UINT64:
		return "UBIGINT", nil
	case arrow.FLOAT16, arrow.FLOAT32:
		return "FLOAT", nil
	case arrow.FLOAT64:
		return "DOUBLE", nil
	case arrow.STRING, arrow.LARGE_STRING, arrow.STRING_VIEW:
		return "VARCHAR", nil
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.BINARY_VIEW:
		return "BLOB", nil
	case arrow.DATE32, arrow.DATE64:
		return "DATE", nil
	case arrow.TIME32, arrow.TIME64:
		return "TIME", nil
	case arrow.TIMESTAMP:
		ts := dt.(*arrow.TimestampType)
		if ts.TimeZone != "" {
			return "TIMESTAMPTZ", nil
		}
		switch ts.Unit {
		case arrow.Second:
			return "TIMESTAMP_S", nil
		case arrow.Millisecond:
			return "TIMESTAMP_MS", nil
		case arrow.Nanosecond:
			return "TIMESTAMP_NS", nil
		default:
			return "TIMESTAMP", nil
		}
	case arrow.DECIMAL128:
		dec := dt.(*arrow.Decimal128Type)
		if dec.Precision < 1 || dec.Precision > 38 || dec.Scale < 0 || dec.Scale > dec.Precision {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", dec.Precision, dec.Scale), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

// CheckSchema reports the first field of schema that cannot be materialised.
func CheckSchema(schema *arrow.Schema) error {
	for _, f := range schema.Fields() {
		if _, err := ArrowTypeToDuckDB(f.Type); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

// CreateTableSQL builds the CREATE TABLE statement for a table called name
// with the given Arrow schema.
func CreateTableSQL(name string, schema *arrow.Schema) (string, error) {
	if schema.NumFields() == 0 {
		return "", fmt.Errorf("table %q has no columns", name)
	}
	cols := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		typ, err := ArrowTypeToDuckDB(f.Type)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", f.Name, err)
		}
		cols = append(cols, QuoteIdent(f.Name)+" "+typ)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(name), strings.Join(cols, ", ")), nil
}

// ArrowValue returns row i of col as a value accepted by the DuckDB appender.
func ArrowValue(col arrow.Array, i int) (driver.Value, error) {
	if col.IsNull(i) {
		return nil, nil
	}

	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Int8:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return a.Value(i), nil
	case *array.Uint16:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float16:
		return a.Value(i).Float32(), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.StringView:
		return a.Value(i), nil
	case *array.Binary:
		return a.Value(i), nil
	case *array.LargeBinary:
		return a.Value(i), nil
	case *array.BinaryView:
		return a.Value(i), nil
	case *array.Date32:
		return a.Value(i).ToTime(), nil
	case *array.Date64:
		return a.Value(i).ToTime(), nil
	case *array.Time32:
		return a.Value(i).ToTime(a.DataType().(*arrow.Time32Type).Unit), nil
	case *array.Time64:
		return a.Value(i).ToTime(a.DataType().(*arrow.Time64Type).Unit), nil
	case *array.Timestamp:
		return a.Value(i).ToTime(a.DataType().(*arrow.TimestampType).Unit), nil
	case *array.Decimal128:
		dt := a.DataType().(*arrow.Decimal128Type)
		return duckdb.Decimal{
			Width: uint8(dt.Precision),
			Scale: uint8(dt.Scale),
			Value: a.Value(i).BigInt(),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, col.DataType())
}

package engine

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	duckdb "github.com/duckdb/duckdb-go/v2"
)

// EncodingKey is the field metadata key telling the JSON encoder that a
// column's text form is not what the row should carry.
const EncodingKey = "arrowquery.json_encoding"

const (
	// EncodingNumber marks a column whose values must be written as bare JSON
	// numbers, such as HUGEINT held in a scale 0 decimal.
	EncodingNumber = "number"
	// EncodingJSON marks a string column whose values are JSON documents.
	EncodingJSON = "json"
)

// RowsSchema derives an Arrow schema from the column types of an open result.
func RowsSchema(rows *sql.Rows) (*arrow.Schema, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	fields := make([]arrow.Field, len(colTypes))
	for i, ct := range colTypes {
		fields[i] = ColumnField(ct.Name(), ct.DatabaseTypeName())
	}
	return arrow.NewSchema(fields, nil), nil
}

// ColumnField builds the nullable Arrow field for a DuckDB result column,
// tagging it with EncodingKey when its JSON rendering needs a rewrite.
func ColumnField(name, dbType string) arrow.Field {
	f := arrow.Field{Name: name, Type: DuckDBTypeToArrow(dbType), Nullable: true}
	if enc := jsonEncoding(dbType); enc != "" {
		f.Metadata = arrow.NewMetadata([]string{EncodingKey}, []string{enc})
	}
	return f
}

func jsonEncoding(dbType string) string {
	upper := strings.ToUpper(strings.TrimSpace(dbType))
	switch {
	case isNestedType(upper):
		return EncodingJSON
	case upper == "HUGEINT" || upper == "UHUGEINT":
		return EncodingNumber
	}
	return ""
}

// isNestedType reports whether an upper-cased DuckDB type is carried as JSON
// text: structs, maps, unions, fixed arrays, and lists of any of these or of
// 128-bit integers.
func isNestedType(upper string) bool {
	switch {
	case strings.HasPrefix(upper, "STRUCT("), strings.HasPrefix(upper, "MAP("), strings.HasPrefix(upper, "UNION("):
		return true
	case strings.HasSuffix(upper, "[]"):
		inner := strings.TrimSpace(upper[:len(upper)-2])
		return inner == "HUGEINT" || inner == "UHUGEINT" || isNestedType(inner)
	case strings.HasSuffix(upper, "]"):
		// Fixed size ARRAY, e.g. INTEGER[3].
		return true
	}
	return false
}

// RowsToRecord reads up to batchSize rows into an Arrow record batch.
// Returns nil when there are no more rows.
func RowsToRecord(alloc memory.Allocator, rows *sql.Rows, schema *arrow.Schema, batchSize int) (arrow.RecordBatch, error) {
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	numFields := schema.NumFields()
	values := make([]any, numFields)
	ptrs := make([]any, numFields)
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	// Check the budget before Next so the row that would overflow the batch
	// stays in the cursor for the following call.
	for count < batchSize && rows.Next() {
		for i := range values {
			values[i] = nil
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, val := range values {
			AppendValue(builder.Field(i), val)
		}
		count++
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return builder.NewRecordBatch(), nil
}

// DuckDBTypeToArrow maps a DuckDB type name to an Arrow DataType.
func DuckDBTypeToArrow(dbType string) arrow.DataType {
	upper := strings.ToUpper(strings.TrimSpace(dbType))

	if isNestedType(upper) {
		return arrow.BinaryTypes.String
	}

	// LIST: "INTEGER[]", "VARCHAR[]", etc.
	if strings.HasSuffix(upper, "[]") {
		return arrow.ListOf(DuckDBTypeToArrow(dbType[:len(dbType)-2]))
	}

	if strings.HasPrefix(upper, "DECIMAL(") || strings.HasPrefix(upper, "NUMERIC(") {
		p, s := parseDecimalParams(dbType)
		return &arrow.Decimal128Type{Precision: int32(p), Scale: int32(s)}
	}

	switch upper {
	case "TINYINT":
		return arrow.PrimitiveTypes.Int8
	case "SMALLINT":
		return arrow.PrimitiveTypes.Int16
	case "INTEGER", "INT":
		return arrow.PrimitiveTypes.Int32
	case "BIGINT":
		return arrow.PrimitiveTypes.Int64
	case "UTINYINT":
		return arrow.PrimitiveTypes.Uint8
	case "USMALLINT":
		return arrow.PrimitiveTypes.Uint16
	case "UINTEGER":
		return arrow.PrimitiveTypes.Uint32
	case "UBIGINT":
		return arrow.PrimitiveTypes.Uint64
	case "HUGEINT", "UHUGEINT":
		return &arrow.Decimal128Type{Precision: 38, Scale: 0}
	case "FLOAT", "REAL":
		return arrow.PrimitiveTypes.Float32
	case "DOUBLE":
		return arrow.PrimitiveTypes.Float64
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean
	case "BLOB", "BYTEA":
		return arrow.BinaryTypes.Binary
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIME", "TIMETZ":
		return arrow.FixedWidthTypes.Time64us
	case "TIMESTAMP":
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case "TIMESTAMP_S":
		return &arrow.TimestampType{Unit: arrow.Second}
	case "TIMESTAMP_MS":
		return &arrow.TimestampType{Unit: arrow.Millisecond}
	case "TIMESTAMP_NS":
		return &arrow.TimestampType{Unit: arrow.Nanosecond}
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case "DECIMAL", "NUMERIC":
		return &arrow.Decimal128Type{Precision: 18, Scale: 3}
	default:
		// VARCHAR, UUID, JSON, ENUM(...) and INTERVAL are rendered as text.
		return arrow.BinaryTypes.String
	}
}

// parseDecimalParams extracts precision and scale from a type name like "DECIMAL(18,2)".
func parseDecimalParams(typeName string) (precision, scale int) {
	lparen := strings.IndexByte(typeName, '(')
	rparen := strings.LastIndexByte(typeName, ')')
	if lparen < 0 || rparen <= lparen {
		return 18, 3
	}
	parts := strings.SplitN(typeName[lparen+1:rparen], ",", 2)
	if len(parts) == 2 {
		n1, _ := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &precision)
		n2, _ := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &scale)
		if n1 == 1 && n2 == 1 {
			return
		}
	}
	return 18, 3
}

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type numericBuilder[T integer | ~float32 | ~float64] interface {
	Append(T)
	AppendNull()
}

func appendInteger[T integer](b numericBuilder[T], val any) {
	switch v := val.(type) {
	case int8:
		b.Append(T(v))
	case int16:
		b.Append(T(v))
	case int32:
		b.Append(T(v))
	case int64:
		b.Append(T(v))
	case int:
		b.Append(T(v))
	case uint8:
		b.Append(T(v))
	case uint16:
		b.Append(T(v))
	case uint32:
		b.Append(T(v))
	case uint64:
		b.Append(T(v))
	default:
		b.AppendNull()
	}
}

func appendFloat[T ~float32 | ~float64](b numericBuilder[T], val any) {
	switch v := val.(type) {
	case float32:
		b.Append(T(v))
	case float64:
		b.Append(T(v))
	default:
		b.AppendNull()
	}
}

// AppendValue appends a scanned DuckDB value to an Arrow array builder.
// Values of an unexpected Go type become nulls.
func AppendValue(builder array.Builder, val any) {
	if val == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.Int8Builder:
		appendInteger[int8](b, val)
	case *array.Int16Builder:
		appendInteger[int16](b, val)
	case *array.Int32Builder:
		appendInteger[int32](b, val)
	case *array.Int64Builder:
		appendInteger[int64](b, val)
	case *array.Uint8Builder:
		appendInteger[uint8](b, val)
	case *array.Uint16Builder:
		appendInteger[uint16](b, val)
	case *array.Uint32Builder:
		appendInteger[uint32](b, val)
	case *array.Uint64Builder:
		appendInteger[uint64](b, val)
	case *array.Float32Builder:
		appendFloat[float32](b, val)
	case *array.Float64Builder:
		appendFloat[float64](b, val)
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.Date32Builder:
		if v, ok := val.(time.Time); ok {
			b.Append(arrow.Date32FromTime(v))
		} else {
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		if v, ok := val.(time.Time); ok {
			b.AppendTime(v)
		} else {
			b.AppendNull()
		}
	case *array.Time64Builder:
		if v, ok := val.(time.Time); ok {
			micros := int64(v.Hour())*3600000000 + int64(v.Minute())*60000000 +
				int64(v.Second())*1000000 + int64(v.Nanosecond())/1000
			b.Append(arrow.Time64(micros))
		} else {
			b.AppendNull()
		}
	case *array.Decimal128Builder:
		switch v := val.(type) {
		case duckdb.Decimal:
			b.Append(decimal128.FromBigInt(v.Value))
		case *big.Int:
			b.Append(decimal128.FromBigInt(v))
		default:
			b.AppendNull()
		}
	case *array.ListBuilder:
		if v, ok := val.([]any); ok {
			b.Append(true)
			vb := b.ValueBuilder()
			for _, elem := range v {
				AppendValue(vb, elem)
			}
		} else {
			b.AppendNull()
		}
	case *array.StringBuilder:
		switch v := val.(type) {
		case string:
			b.Append(v)
		case duckdb.UUID:
			b.Append(v.String())
		case duckdb.Interval:
			b.Append(fmt.Sprintf("%d months %d days %d microseconds", v.Months, v.Days, v.Micros))
		case []byte:
			// The driver scans UUID columns as 16 raw bytes.
			if len(v) == 16 && !utf8.Valid(v) {
				s := hex.EncodeToString(v)
				b.Append(s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32])
			} else {
				b.Append(string(v))
			}
		default:
			// STRUCT, MAP, UNION and nested lists.
			if text, err := json.Marshal(jsonValue(v)); err == nil {
				b.Append(string(text))
			} else {
				b.Append(fmt.Sprintf("%v", v))
			}
		}
	case *array.BinaryBuilder:
		switch v := val.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			b.AppendNull()
		}
	default:
		builder.AppendNull()
	}
}

// jsonValue converts a scanned nested DuckDB value into something
// encoding/json renders the way the top level columns are rendered.
func jsonValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = jsonValue(elem)
		}
		return out
	case duckdb.Map:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[fmt.Sprint(jsonValue(k))] = jsonValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = jsonValue(elem)
		}
		return out
	case duckdb.Union:
		return jsonValue(v.Value)
	case *big.Int:
		if v == nil {
			return nil
		}
		return json.Number(v.String())
	case duckdb.Decimal:
		if v.Value == nil {
			return nil
		}
		r := new(big.Rat).SetFrac(v.Value, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.Scale)), nil))
		return r.FloatString(int(v.Scale))
	case duckdb.UUID:
		return v.String()
	case duckdb.Interval:
		return fmt.Sprintf("%d months %d days %d microseconds", v.Months, v.Days, v.Micros)
	case []byte:
		if utf8.Valid(v) {
			return string(v)
		}
		return hex.EncodeToString(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	}
	return val
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/posthog/arrowquery/engine"
)

func TestSumRendersAsNumber(t *testing.T) {
	s := newPeopleSession(t)

	// SUM over BIGINT is a HUGEINT.
	out, err := s.Query(context.Background(), "SELECT SUM(id) AS total FROM people")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %s", len(rows), out)
	}
	if rows[0]["total"] != json.Number("3") {
		t.Errorf("total = %#v, want JSON number 3\n%s", rows[0]["total"], out)
	}
}

func TestHugeIntRendering(t *testing.T) {
	s := newPeopleSession(t)

	tests := []struct {
		name string
		sql  string
		want any
	}{
		{"large", "SELECT 12345678901234567890123456789::HUGEINT AS v", json.Number("12345678901234567890123456789")},
		{"negative", "SELECT (-42)::HUGEINT AS v", json.Number("-42")},
		{"unsigned", "SELECT 7::UHUGEINT AS v", json.Number("7")},
		{"null", "SELECT NULL::HUGEINT AS v", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Query(context.Background(), tt.sql)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			rows := decodeRows(t, out)
			if len(rows) != 1 || rows[0]["v"] != tt.want {
				t.Errorf("rows = %#v, want v=%v\n%s", rows, tt.want, out)
			}
		})
	}
}

func TestStructRendersAsObject(t *testing.T) {
	s := newPeopleSession(t)

	out, err := s.Query(context.Background(), "SELECT {'k': 1, 's': 'x'} AS st")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %s", len(rows), out)
	}
	st, ok := rows[0]["st"].(map[string]any)
	if !ok {
		t.Fatalf("st = %#v, want a JSON object\n%s", rows[0]["st"], out)
	}
	if st["k"] != json.Number("1") || st["s"] != "x" {
		t.Errorf("st = %v, want {k:1 s:x}", st)
	}
}

func TestNestedValuesRenderAsJSON(t *testing.T) {
	s := newPeopleSession(t)

	out, err := s.Query(context.Background(),
		"SELECT MAP {'a': 1} AS m, [{'k': 1}, {'k': 2}] AS l, {'inner': {'n': name}} AS deep FROM people WHERE id = 1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %s", len(rows), out)
	}
	row := rows[0]

	m, ok := row["m"].(map[string]any)
	if !ok || m["a"] != json.Number("1") {
		t.Errorf("m = %#v, want {a:1}", row["m"])
	}

	l, ok := row["l"].([]any)
	if !ok || len(l) != 2 {
		t.Fatalf("l = %#v, want a 2 element array", row["l"])
	}
	if first, ok := l[0].(map[string]any); !ok || first["k"] != json.Number("1") {
		t.Errorf("l[0] = %#v, want {k:1}", l[0])
	}

	deep, ok := row["deep"].(map[string]any)
	if !ok {
		t.Fatalf("deep = %#v, want an object", row["deep"])
	}
	if inner, ok := deep["inner"].(map[string]any); !ok || inner["n"] != "Alice" {
		t.Errorf("deep = %v, want {inner:{n:Alice}}", deep)
	}
}

func TestPlainStringsStayQuoted(t *testing.T) {
	s := newPeopleSession(t)

	// A VARCHAR that happens to hold JSON is still a string.
	out, err := s.Query(context.Background(), `SELECT '{"k": 1}' AS txt, '42' AS num`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 1 || rows[0]["txt"] != `{"k": 1}` || rows[0]["num"] != "42" {
		t.Errorf("rows = %#v\n%s", rows, out)
	}
}

func TestEncodeJSONRewritesTaggedColumns(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		engine.ColumnField("big", "HUGEINT"),
		engine.ColumnField("doc", `STRUCT("a" INTEGER)`),
		engine.ColumnField("name", "VARCHAR"),
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Decimal128Builder).AppendValues([]decimal128.Num{decimal128.FromI64(5), decimal128.FromI64(-1)}, []bool{true, false})
	b.Field(1).(*array.StringBuilder).AppendValues([]string{`{"a":1}`, "not json"}, nil)
	b.Field(2).(*array.StringBuilder).AppendValues([]string{`{"a":1}`, "bob"}, nil)
	rec := b.NewRecordBatch()
	defer rec.Release()

	out, err := EncodeJSON([]arrow.RecordBatch{rec})
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %s", len(rows), out)
	}

	if rows[0]["big"] != json.Number("5") {
		t.Errorf("row 0 big = %#v, want number 5", rows[0]["big"])
	}
	if doc, ok := rows[0]["doc"].(map[string]any); !ok || doc["a"] != json.Number("1") {
		t.Errorf("row 0 doc = %#v, want {a:1}", rows[0]["doc"])
	}
	if rows[0]["name"] != `{"a":1}` {
		t.Errorf("row 0 name = %#v, want the raw string", rows[0]["name"])
	}

	if rows[1]["big"] != nil {
		t.Errorf("row 1 big = %#v, want null", rows[1]["big"])
	}
	if rows[1]["doc"] != "not json" {
		t.Errorf("row 1 doc = %#v, want the string kept", rows[1]["doc"])
	}
}

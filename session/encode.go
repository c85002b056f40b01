package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/posthog/arrowquery/engine"
)

// EmptyResult is the JSON text returned for a query that produced no rows.
const EmptyResult = "[]"

// EncodeJSON renders result batches as a single pretty-printed JSON array with
// one object per row. Rows keep their order within each batch and batches keep
// the order they are given in. Object keys follow the encoder's map ordering,
// which is sorted by column name.
func EncodeJSON(batches []arrow.RecordBatch) (string, error) {
	if len(batches) == 0 {
		return EmptyResult, nil
	}

	// One JSON object per line, one line per row.
	var lines bytes.Buffer
	for _, rec := range batches {
		if err := array.RecordToJSON(rec, &lines); err != nil {
			return "", err
		}
	}

	rewrite := rewriteColumns(batches[0].Schema())

	rows := make([]json.RawMessage, 0)
	dec := json.NewDecoder(&lines)
	for {
		var row json.RawMessage
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if len(rewrite) > 0 {
			if row, err = rewriteRow(row, rewrite); err != nil {
				return "", err
			}
		}
		rows = append(rows, row)
	}

	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// rewriteColumns returns the columns tagged with engine.EncodingKey, keyed by
// name.
func rewriteColumns(schema *arrow.Schema) map[string]string {
	var cols map[string]string
	for _, f := range schema.Fields() {
		enc, ok := f.Metadata.GetValue(engine.EncodingKey)
		if !ok {
			continue
		}
		if cols == nil {
			cols = make(map[string]string)
		}
		cols[f.Name] = enc
	}
	return cols
}

// rewriteRow replaces the quoted text of tagged columns with the raw JSON it
// holds. Values that do not parse as the expected kind stay quoted.
func rewriteRow(row json.RawMessage, cols map[string]string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(row, &obj); err != nil {
		return nil, err
	}
	for name, enc := range cols {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			// null, or already unquoted.
			continue
		}
		switch enc {
		case engine.EncodingNumber:
			if isJSONNumber(text) {
				obj[name] = json.RawMessage(text)
			}
		case engine.EncodingJSON:
			if json.Valid([]byte(text)) {
				obj[name] = json.RawMessage(text)
			}
		}
	}
	return json.Marshal(obj)
}

func isJSONNumber(s string) bool {
	if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return false
	}
	var n json.Number
	return json.Unmarshal([]byte(s), &n) == nil
}

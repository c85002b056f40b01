package boundary

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/session"
	"github.com/posthog/arrowquery/table"
)

func peopleIPC(t *testing.T) []byte {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"Alice", "Bob"}, nil)
	rec := b.NewRecordBatch()
	defer rec.Release()

	data, err := table.Encode(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()
	h := r.Create()
	if h == 0 {
		t.Fatal("Create returned the null handle")
	}

	if st := r.AddTable(h, peopleIPC(t), []byte("people")); st != StatusOK {
		t.Fatalf("AddTable status = %s", st)
	}

	reply := r.Query(context.Background(), h, []byte("SELECT id, name FROM people WHERE id > 1"))
	if reply.Status != StatusOK {
		t.Fatalf("Query status = %s: %s", reply.Status, reply.Message)
	}
	if reply.Message != "" {
		t.Errorf("success reply carries message %q", reply.Message)
	}

	var rows []map[string]any
	if err := json.Unmarshal([]byte(reply.JSON), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Bob" || rows[0]["id"] != float64(2) {
		t.Errorf("rows = %v, want [{id:2 name:Bob}]", rows)
	}

	r.Destroy(h)
	if r.Len() != 0 {
		t.Errorf("Len after Destroy = %d, want 0", r.Len())
	}
}

func TestNullAndUnknownHandles(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()
	ctx := context.Background()

	if st := r.AddTable(0, peopleIPC(t), []byte("people")); st != StatusNullHandle {
		t.Errorf("AddTable(0) = %s, want null handle", st)
	}
	if reply := r.Query(ctx, 0, []byte("SELECT 1")); reply.Status != StatusNullHandle {
		t.Errorf("Query(0) = %s, want null handle", reply.Status)
	}

	if st := r.AddTable(12345, peopleIPC(t), []byte("people")); st != StatusUnknownHandle {
		t.Errorf("AddTable(unknown) = %s, want unknown handle", st)
	}

	h := r.Create()
	r.Destroy(h)
	r.Destroy(h)
	r.Destroy(0)
	if reply := r.Query(ctx, h, []byte("SELECT 1")); reply.Status != StatusUnknownHandle {
		t.Errorf("Query(destroyed) = %s, want unknown handle", reply.Status)
	}

	if next := r.Create(); next == h {
		t.Errorf("handle %d was reused", h)
	}
}

func TestInvalidText(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()
	h := r.Create()

	for _, name := range [][]byte{nil, {}, {0xff, 0xfe}} {
		if st := r.AddTable(h, peopleIPC(t), name); st != StatusInvalidText {
			t.Errorf("AddTable(name %q) = %s, want invalid text", name, st)
		}
	}
	if reply := r.Query(context.Background(), h, []byte{'S', 0xc3, 0x28}); reply.Status != StatusInvalidText {
		t.Errorf("Query(invalid utf8) = %s, want invalid text", reply.Status)
	}
}

func TestDecodeFailure(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()
	h := r.Create()

	if st := r.AddTable(h, []byte("garbage"), []byte("t")); st != StatusDecodeFailed {
		t.Errorf("AddTable(garbage) = %s, want decode failed", st)
	}
	if st := r.AddTable(h, nil, []byte("t")); st != StatusDecodeFailed {
		t.Errorf("AddTable(nil) = %s, want decode failed", st)
	}

	reply := r.Query(context.Background(), h, []byte("SELECT 1 AS one"))
	if reply.Status != StatusOK {
		t.Errorf("session unusable after decode failure: %s %s", reply.Status, reply.Message)
	}
}

func TestQueryFailureCarriesMessage(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()
	h := r.Create()
	if st := r.AddTable(h, peopleIPC(t), []byte("people")); st != StatusOK {
		t.Fatalf("AddTable: %s", st)
	}
	if st := r.AddTable(h, peopleIPC(t), []byte("people")); st != StatusOK {
		t.Fatalf("duplicate AddTable must succeed, got %s", st)
	}

	reply := r.Query(context.Background(), h, []byte("SELECT * FROM people"))
	if reply.Status != StatusQueryFailed {
		t.Fatalf("status = %s, want query failed", reply.Status)
	}
	if reply.JSON != "" {
		t.Errorf("failure reply carries JSON %q", reply.JSON)
	}
	if !strings.Contains(reply.Message, "people") {
		t.Errorf("message %q does not name the table", reply.Message)
	}
}

func TestRuntimeInitFailure(t *testing.T) {
	r := NewRegistry(session.WithOpener(func(context.Context) (session.ExecContext, error) {
		return nil, engine.ErrRuntimeInit
	}))
	defer r.CloseAll()
	h := r.Create()

	reply := r.Query(context.Background(), h, []byte("SELECT 1"))
	if reply.Status != StatusRuntimeInit {
		t.Fatalf("status = %s, want runtime init failed", reply.Status)
	}
	if reply.Message == "" {
		t.Error("runtime init failure has no message")
	}
}

func TestConcurrentHandles(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll()

	const n = 8
	handles := make([]Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.Create()
		}(i)
	}
	wg.Wait()

	seen := make(map[Handle]bool)
	for _, h := range handles {
		if h == 0 || seen[h] {
			t.Fatalf("bad or duplicate handle %d in %v", h, handles)
		}
		seen[h] = true
	}
	if r.Len() != n {
		t.Errorf("Len = %d, want %d", r.Len(), n)
	}
}

func TestStatusStrings(t *testing.T) {
	tests := []struct {
		st   Status
		want string
	}{
		{StatusOK, "ok"},
		{StatusQueryFailed, "query failed"},
		{StatusAllocFailed, "alloc failed"},
		{Status(-99), "unknown status"},
	}
	for _, tt := range tests {
		if got := tt.st.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.st, got, tt.want)
		}
	}
}

// Command libarrowquery builds the arrowquery C shared library:
//
//	go build -buildmode=c-shared -o libarrowquery.so ./cmd/libarrowquery
//
// Every buffer handed to the caller is allocated with malloc and must be
// released with arrowquery_free_buffer. Input buffers are copied before the
// call returns.
package main

/*
#include <stdint.h>
#include <stddef.h>

enum arrowquery_status {
	ARROWQUERY_OK = 0,
	ARROWQUERY_NULL_HANDLE = -1,
	ARROWQUERY_INVALID_TEXT = -2,
	ARROWQUERY_RUNTIME_INIT_FAILED = -3,
	ARROWQUERY_QUERY_FAILED = -4,
	ARROWQUERY_DECODE_FAILED = -5,
	ARROWQUERY_UNKNOWN_HANDLE = -6,
	ARROWQUERY_ALLOC_FAILED = -7,
};
*/
import "C"

import (
	"context"
	"log/slog"
	"os"
	"unsafe"

	"github.com/posthog/arrowquery/boundary"
	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/session"
	"github.com/posthog/arrowquery/telemetry"
)

var registry *boundary.Registry

func init() {
	telemetry.InitLogging(telemetry.LogConfig{
		Level:        telemetry.ParseLevel(os.Getenv("ARROWQUERY_LOG_LEVEL"), slog.LevelWarn),
		OTLPEndpoint: os.Getenv("ARROWQUERY_OTLP_LOGS_ENDPOINT"),
	})
	telemetry.InitTracing(context.Background(), os.Getenv("ARROWQUERY_OTLP_TRACES_ENDPOINT"))

	cfg := engine.ConfigFromEnv(engine.DefaultConfig(), os.Getenv)
	registry = boundary.NewRegistry(session.WithEngineConfig(cfg))
}

// main is required for c-shared build mode.
func main() {}

// arrowquery_session_new creates an empty session. It never fails and never
// returns 0.
//
//export arrowquery_session_new
func arrowquery_session_new() C.uintptr_t {
	return C.uintptr_t(registry.Create())
}

// arrowquery_session_free destroys a session and every table in it. 0 and
// already freed handles are ignored.
//
//export arrowquery_session_free
func arrowquery_session_free(h C.uintptr_t) {
	registry.Destroy(boundary.Handle(h))
}

// arrowquery_add_table decodes an Arrow IPC stream and registers it under the
// UTF-8 name.
//
//export arrowquery_add_table
func arrowquery_add_table(h C.uintptr_t, data *C.uint8_t, dataLen C.size_t, name *C.uint8_t, nameLen C.size_t) C.int32_t {
	st := registry.AddTable(boundary.Handle(h),
		copyIn(unsafe.Pointer(data), int(dataLen)),
		copyIn(unsafe.Pointer(name), int(nameLen)))
	return C.int32_t(st)
}

// arrowquery_query runs UTF-8 SQL against the session and blocks until it
// completes. On ARROWQUERY_OK the JSON result is written to out/out_len. On
// failure a message, when there is one, is written to err/err_len. The other
// pair is left untouched. ARROWQUERY_ALLOC_FAILED means the result could not
// be copied out and neither pair was written.
//
//export arrowquery_query
func arrowquery_query(h C.uintptr_t, sql *C.uint8_t, sqlLen C.size_t,
	out **C.uint8_t, outLen *C.size_t, errOut **C.uint8_t, errLen *C.size_t) C.int32_t {
	reply := registry.Query(context.Background(), boundary.Handle(h), copyIn(unsafe.Pointer(sql), int(sqlLen)))

	st, res, msg := flattenReply(reply, out != nil && outLen != nil, errOut != nil && errLen != nil)
	if res.ptr != nil {
		*out, *outLen = (*C.uint8_t)(res.ptr), C.size_t(res.len)
	}
	if msg.ptr != nil {
		*errOut, *errLen = (*C.uint8_t)(msg.ptr), C.size_t(msg.len)
	}
	return C.int32_t(st)
}

// arrowquery_free_buffer releases a buffer returned by arrowquery_query.
//
//export arrowquery_free_buffer
func arrowquery_free_buffer(p *C.uint8_t, n C.size_t) {
	buffer{ptr: unsafe.Pointer(p), len: int(n)}.free()
}

package main

/*
#include <stdint.h>
#include <stddef.h>
*/
import "C"

import (
	"unsafe"

	"github.com/posthog/arrowquery/boundary"
)

// Go-typed entry points over the exported functions. _test files cannot use
// cgo, so the C ABI is exercised through these.

func sessionNew() uintptr {
	return uintptr(arrowquery_session_new())
}

func sessionFree(h uintptr) {
	arrowquery_session_free(C.uintptr_t(h))
}

func addTable(h uintptr, data, name []byte) boundary.Status {
	return boundary.Status(arrowquery_add_table(C.uintptr_t(h),
		bytePtr(data), C.size_t(len(data)),
		bytePtr(name), C.size_t(len(name))))
}

// query calls arrowquery_query. withOut and withErr choose whether the
// out-parameter pairs are passed or left NULL.
func query(h uintptr, sql []byte, withOut, withErr bool) (boundary.Status, buffer, buffer) {
	var (
		out, errOut      *C.uint8_t
		outLen, errLen   C.size_t
		pOut, pErr       **C.uint8_t
		pOutLen, pErrLen *C.size_t
	)
	if withOut {
		pOut, pOutLen = &out, &outLen
	}
	if withErr {
		pErr, pErrLen = &errOut, &errLen
	}

	st := arrowquery_query(C.uintptr_t(h), bytePtr(sql), C.size_t(len(sql)), pOut, pOutLen, pErr, pErrLen)
	return boundary.Status(st),
		buffer{ptr: unsafe.Pointer(out), len: int(outLen)},
		buffer{ptr: unsafe.Pointer(errOut), len: int(errLen)}
}

func freeBuffer(b buffer) {
	arrowquery_free_buffer((*C.uint8_t)(b.ptr), C.size_t(b.len))
}

func bytePtr(b []byte) *C.uint8_t {
	if len(b) == 0 {
		return nil
	}
	return (*C.uint8_t)(unsafe.Pointer(&b[0]))
}

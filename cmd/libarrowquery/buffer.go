package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/posthog/arrowquery/boundary"
)

// buffer is a malloc'd byte range owned by the C caller once handed out.
type buffer struct {
	ptr unsafe.Pointer
	len int
}

var malloc = func(n int) unsafe.Pointer {
	return C.malloc(C.size_t(n))
}

// newBuffer copies s into C memory. An empty s yields the zero buffer. ok is
// false only when the allocation fails.
func newBuffer(s string) (b buffer, ok bool) {
	if len(s) == 0 {
		return buffer{}, true
	}
	p := malloc(len(s))
	if p == nil {
		return buffer{}, false
	}
	copy(unsafe.Slice((*byte)(p), len(s)), s)
	return buffer{ptr: p, len: len(s)}, true
}

// bytes views the buffer in place.
func (b buffer) bytes() []byte {
	if b.ptr == nil || b.len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.len)
}

// free releases the buffer. NULL or zero-length buffers are ignored.
func (b buffer) free() {
	if b.ptr == nil || b.len == 0 {
		return
	}
	C.free(b.ptr)
}

// copyIn copies n bytes at p into Go memory. A NULL pointer reads as empty.
func copyIn(p unsafe.Pointer, n int) []byte {
	if p == nil || n <= 0 {
		return nil
	}
	return append([]byte(nil), unsafe.Slice((*byte)(p), n)...)
}

// flattenReply decides what a query call hands back: the result buffer on
// success, the message buffer on failure, never both. wantOut and wantErr
// report whether the caller supplied the matching out-parameters.
func flattenReply(reply boundary.Reply, wantOut, wantErr bool) (boundary.Status, buffer, buffer) {
	if reply.Status == boundary.StatusOK {
		if !wantOut {
			return reply.Status, buffer{}, buffer{}
		}
		res, ok := newBuffer(reply.JSON)
		if !ok {
			return boundary.StatusAllocFailed, buffer{}, buffer{}
		}
		return reply.Status, res, buffer{}
	}

	if !wantErr || reply.Message == "" {
		return reply.Status, buffer{}, buffer{}
	}
	// A lost message still leaves the failure status.
	msg, _ := newBuffer(reply.Message)
	return reply.Status, buffer{}, msg
}

// Package boundary is the foreign-caller surface of arrowquery: opaque
// session handles, stable integer status codes and tagged replies. It holds no
// cgo; cmd/libarrowquery flattens these calls onto a C ABI.
package boundary

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/posthog/arrowquery/engine"
	"github.com/posthog/arrowquery/session"
	"github.com/posthog/arrowquery/table"
)

// Status is the integer result of a boundary call. Values are part of the C
// ABI and never change meaning.
type Status int32

const (
	StatusOK            Status = 0
	StatusNullHandle    Status = -1
	StatusInvalidText   Status = -2
	StatusRuntimeInit   Status = -3
	StatusQueryFailed   Status = -4
	StatusDecodeFailed  Status = -5
	StatusUnknownHandle Status = -6
	StatusAllocFailed   Status = -7 // set by the C shim when malloc fails
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNullHandle:
		return "null handle"
	case StatusInvalidText:
		return "invalid text"
	case StatusRuntimeInit:
		return "runtime init failed"
	case StatusQueryFailed:
		return "query failed"
	case StatusDecodeFailed:
		return "decode failed"
	case StatusUnknownHandle:
		return "unknown handle"
	case StatusAllocFailed:
		return "alloc failed"
	default:
		return "unknown status"
	}
}

// Handle identifies a session across the boundary. 0 is never issued.
type Handle uint64

// Reply is the outcome of a query call. JSON is set only when Status is
// StatusOK; Message only on failure, and only when there is something to say.
type Reply struct {
	Status  Status
	JSON    string
	Message string
}

// Registry maps handles to live sessions. It is safe for concurrent use.
type Registry struct {
	opts []session.Option

	mu       sync.RWMutex
	sessions map[Handle]*session.Session
	next     atomic.Uint64
}

// NewRegistry returns an empty registry. opts are applied to every session it
// creates.
func NewRegistry(opts ...session.Option) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[Handle]*session.Session),
	}
}

// Create opens a new empty session and returns its handle. It never fails.
func (r *Registry) Create() Handle {
	h := Handle(r.next.Add(1))
	s := session.New(r.opts...)

	r.mu.Lock()
	r.sessions[h] = s
	r.mu.Unlock()

	slog.Debug("Created session.", "handle", uint64(h))
	return h
}

// Destroy closes the session behind h and forgets the handle. 0, unknown and
// already destroyed handles are ignored.
func (r *Registry) Destroy(h Handle) {
	if h == 0 {
		return
	}
	r.mu.Lock()
	s, ok := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	slog.Debug("Destroyed session.", "handle", uint64(h))
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll destroys every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[Handle]*session.Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (r *Registry) lookup(h Handle) (*session.Session, Status) {
	if h == 0 {
		return nil, StatusNullHandle
	}
	r.mu.RLock()
	s, ok := r.sessions[h]
	r.mu.RUnlock()
	if !ok {
		return nil, StatusUnknownHandle
	}
	return s, StatusOK
}

// AddTable decodes data and registers it under name in the session behind h.
// The caller keeps ownership of data; nothing retains it after return.
func (r *Registry) AddTable(h Handle, data []byte, name []byte) Status {
	s, st := r.lookup(h)
	if st != StatusOK {
		return st
	}
	if len(name) == 0 || !utf8.Valid(name) {
		return StatusInvalidText
	}

	if err := s.AddTable(data, string(name)); err != nil {
		switch {
		case errors.Is(err, table.ErrEmptyName):
			return StatusInvalidText
		case errors.Is(err, session.ErrClosed):
			return StatusUnknownHandle
		}
		slog.Warn("Failed to add table.", "handle", uint64(h), "table", string(name), "error", err)
		return StatusDecodeFailed
	}
	return StatusOK
}

// Query runs sql in the session behind h and blocks until the result is
// ready.
func (r *Registry) Query(ctx context.Context, h Handle, sql []byte) Reply {
	s, st := r.lookup(h)
	if st != StatusOK {
		return Reply{Status: st}
	}
	if !utf8.Valid(sql) {
		return Reply{Status: StatusInvalidText}
	}

	out, err := s.Query(ctx, string(sql))
	if err != nil {
		return errorReply(err)
	}
	return Reply{Status: StatusOK, JSON: out}
}

func errorReply(err error) Reply {
	switch {
	case errors.Is(err, session.ErrClosed):
		return Reply{Status: StatusUnknownHandle}
	case errors.Is(err, engine.ErrRuntimeInit):
		return Reply{Status: StatusRuntimeInit, Message: err.Error()}
	}
	msg := err.Error()
	if msg == "" {
		msg = "query failed"
	}
	return Reply{Status: StatusQueryFailed, Message: msg}
}

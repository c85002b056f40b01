package session

import (
	"fmt"
)

// ErrorKind classifies a failed query.
type ErrorKind int

const (
	// KindRegistration: a table could not be registered, e.g. a duplicate name.
	KindRegistration ErrorKind = iota + 1
	// KindParse: the SQL text could not be parsed, bound or resolved.
	KindParse
	// KindExecution: the SQL was valid but failed while running.
	KindExecution
	// KindEncoding: result batches could not be rendered as JSON.
	KindEncoding
)

func (k ErrorKind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindParse:
		return "parse"
	case KindExecution:
		return "execution"
	case KindEncoding:
		return "encoding"
	default:
		return "unknown"
	}
}

// QueryError is returned by Session.Query for every failure after the
// execution environment was created.
type QueryError struct {
	Kind ErrorKind
	// Table is set for registration failures.
	Table string
	Err   error
}

func (e *QueryError) Error() string {
	switch e.Kind {
	case KindRegistration:
		return fmt.Sprintf("register table %q: %v", e.Table, e.Err)
	case KindEncoding:
		return fmt.Sprintf("encode result: %v", e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *QueryError) Unwrap() error { return e.Err }

package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// QueryResult is the materialized outcome of one execute call.
type QueryResult struct {
	Rows     []Row
	RowCount int
}

// ExecOptions carries per-call execution knobs.
type ExecOptions struct {
	// Timeout bounds the call; zero means the caller's context governs.
	Timeout time.Duration
	// MaxResultBytes caps the materialized result size; zero means unlimited.
	MaxResultBytes int64
	// Tag is the cdesk correlation tag attached to the statement, if any.
	Tag string
}

// Session is one live warehouse connection. Implementations are not safe
// for concurrent use; the pool guarantees single-borrower access.
type Session interface {
	Execute(ctx context.Context, sql string, params []any, opts ExecOptions) (QueryResult, error)
	Ping(ctx context.Context) error
	IsUp() bool
	Close(ctx context.Context) error
}

// Driver (port) opens sessions for an account. The wire protocol behind it
// is opaque to the core.
type Driver interface {
	Connect(ctx context.Context, account Account) (Session, error)
}

// ErrorKind classifies a driver failure for failover decisions.
type ErrorKind string

const (
	KindAuth    ErrorKind = "auth"
	KindNetwork ErrorKind = "network"
	KindTimeout ErrorKind = "timeout"
	KindQuery   ErrorKind = "query"
	KindUnknown ErrorKind = "unknown"
)

// TripsBreaker reports whether a failure of this kind counts toward the
// account's failure budget. Query-level errors (syntax, object permission)
// never do; unknown errors are treated conservatively as breaker-worthy.
func (k ErrorKind) TripsBreaker() bool {
	return k != KindQuery
}

// QueryError attaches an ErrorKind to a driver failure so the manager can
// distinguish account trouble from statement trouble through wrap chains.
type QueryError struct {
	Kind ErrorKind
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// NewQueryError wraps err with kind. A nil err yields nil.
func NewQueryError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{Kind: kind, Err: err}
}

// Classify extracts the ErrorKind recorded on err. Deadline and network
// errors from the stdlib classify even without a QueryError wrapper.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

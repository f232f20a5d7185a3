// Package backend defines the driver abstraction the proxy core uses to talk
// to relational databases. The core never touches database/sql directly:
// everything flows through these interfaces so XA semantics, validation and
// state-reset behavior stay uniform across vendors. The mysql subpackage is
// the reference implementation; tests use the instrumented fake in
// backendtest.
package backend

import (
	"context"
	"time"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// IsolationLevel mirrors the JDBC transaction isolation constants.
type IsolationLevel int

const (
	IsolationNone            IsolationLevel = 0
	IsolationReadUncommitted IsolationLevel = 1
	IsolationReadCommitted   IsolationLevel = 2
	IsolationRepeatableRead  IsolationLevel = 4
	IsolationSerializable    IsolationLevel = 8
)

// ParseIsolation maps a configuration string to an isolation level.
func ParseIsolation(name string) IsolationLevel {
	switch name {
	case "READ_UNCOMMITTED":
		return IsolationReadUncommitted
	case "REPEATABLE_READ":
		return IsolationRepeatableRead
	case "SERIALIZABLE":
		return IsolationSerializable
	default:
		return IsolationReadCommitted
	}
}

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadUncommitted:
		return "READ_UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	default:
		return "NONE"
	}
}

// Result reports the outcome of an update statement.
type Result struct {
	RowsAffected  int64
	LastInsertID  int64
	GeneratedKeys [][]interface{}
}

// ColumnMeta describes one column of a result set.
type ColumnMeta struct {
	Name      string
	TypeName  string
	Nullable  bool
	Precision int64
	Scale     int64
}

// Rows is a forward-only cursor over a query result.
type Rows interface {
	// Columns returns the column metadata, available from the first call.
	Columns() []ColumnMeta
	// Next returns the next row, or (nil, io.EOF) when exhausted.
	Next() ([]interface{}, error)
	Close() error
}

// Stmt is a prepared statement with optional batching.
type Stmt interface {
	Exec(ctx context.Context, args []interface{}) (Result, error)
	Query(ctx context.Context, args []interface{}) (Rows, error)
	AddBatch(args []interface{})
	ExecBatch(ctx context.Context) ([]int64, error)
	Close() error
}

// Lob is a server-side large object under construction or being read.
type Lob interface {
	// Write appends to the LOB.
	Write(p []byte) (int, error)
	// ReadAt fills p from the given offset, returning io.EOF at the end.
	ReadAt(p []byte, off int64) (int, error)
	Length() int64
	Free() error
}

// Conn is one logical backend connection. Connections are not safe for
// concurrent use; the proxy serializes access per session.
type Conn interface {
	Exec(ctx context.Context, sql string, args []interface{}) (Result, error)
	Query(ctx context.Context, sql string, args []interface{}) (Rows, error)
	Prepare(ctx context.Context, sql string) (Stmt, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	SetAutoCommit(ctx context.Context, on bool) error
	AutoCommit() bool
	SetIsolation(ctx context.Context, level IsolationLevel) error
	Isolation() IsolationLevel

	CreateBlob() (Lob, error)
	CreateClob() (Lob, error)

	// IsValid probes the physical connection within the timeout.
	IsValid(timeout time.Duration) bool
	ClearWarnings() error
	Close() error
}

// XAResource exposes the XA verbs of one backend XA connection. The Xid
// pointers handed in must be passed through to the backend untouched; some
// drivers compare branch identifiers by instance.
type XAResource interface {
	Start(ctx context.Context, xid *protocol.Xid, flags int) error
	End(ctx context.Context, xid *protocol.Xid, flags int) error
	Prepare(ctx context.Context, xid *protocol.Xid) (int, error)
	Commit(ctx context.Context, xid *protocol.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid *protocol.Xid) error
	Recover(ctx context.Context, flags int) ([]*protocol.Xid, error)
	Forget(ctx context.Context, xid *protocol.Xid) error
	SetTransactionTimeout(seconds int) error
	GetTransactionTimeout() int
	IsSameRM(other XAResource) bool
}

// XAConn pairs a physical XA connection with its resource manager handle and
// the logical connection derived from it. Closing the XAConn closes the
// physical connection; the logical connection is released transitively and
// must not be closed directly.
type XAConn interface {
	Conn() Conn
	Resource() XAResource
	Close() error
}

// ConnectSpec is the normalized tuple identifying a backend.
type ConnectSpec struct {
	URL        string
	User       string
	Password   string
	Properties map[string]string
}

// Driver opens raw backend connections. Implementations must be safe for
// concurrent use.
type Driver interface {
	Open(ctx context.Context, spec ConnectSpec) (Conn, error)
	OpenXA(ctx context.Context, spec ConnectSpec) (XAConn, error)
}

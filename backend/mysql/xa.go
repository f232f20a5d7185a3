package mysql

import (
	"context"
	"fmt"
	"io"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

type mysqlXAConn struct {
	conn *mysqlConn
	res  *mysqlXAResource
}

func (x *mysqlXAConn) Conn() backend.Conn           { return x.conn }
func (x *mysqlXAConn) Resource() backend.XAResource { return x.res }
func (x *mysqlXAConn) Close() error                 { return x.conn.Close() }

// mysqlXAResource drives MySQL's XA statement dialect on the pinned physical
// connection. MySQL accepts only TMNOFLAGS on start and TMSUCCESS/TMSUSPEND
// on end; join/resume surface as XAER_INVAL exactly as the Connector/J
// XAResource does.
type mysqlXAResource struct {
	conn           *mysqlConn
	timeoutSeconds int
}

// xidLiteral renders an Xid in MySQL's gtrid,bqual,formatID literal form
// using hex literals so arbitrary bytes round-trip.
func xidLiteral(xid *protocol.Xid) string {
	return fmt.Sprintf("X'%x',X'%x',%d", xid.GTRID, xid.BQUAL, xid.FormatID)
}

func (r *mysqlXAResource) exec(ctx context.Context, stmt string) error {
	_, err := r.conn.conn.ExecContext(ctx, stmt)
	if err != nil {
		return &protocol.XAError{Code: protocol.XAERRMFail, Message: err.Error()}
	}
	return nil
}

func (r *mysqlXAResource) Start(ctx context.Context, xid *protocol.Xid, flags int) error {
	if flags != protocol.TMNOFLAGS {
		return protocol.NewXAError(protocol.XAERInval, "mysql xa start supports TMNOFLAGS only, got %#x", flags)
	}
	return r.exec(ctx, "XA START "+xidLiteral(xid))
}

func (r *mysqlXAResource) End(ctx context.Context, xid *protocol.Xid, flags int) error {
	switch flags {
	case protocol.TMSUCCESS, protocol.TMFAIL:
		return r.exec(ctx, "XA END "+xidLiteral(xid))
	case protocol.TMSUSPEND:
		return r.exec(ctx, "XA END "+xidLiteral(xid)+" SUSPEND")
	default:
		return protocol.NewXAError(protocol.XAERInval, "unsupported xa end flags %#x", flags)
	}
}

func (r *mysqlXAResource) Prepare(ctx context.Context, xid *protocol.Xid) (int, error) {
	if err := r.exec(ctx, "XA PREPARE "+xidLiteral(xid)); err != nil {
		return 0, err
	}
	return protocol.XAOK, nil
}

func (r *mysqlXAResource) Commit(ctx context.Context, xid *protocol.Xid, onePhase bool) error {
	stmt := "XA COMMIT " + xidLiteral(xid)
	if onePhase {
		stmt += " ONE PHASE"
	}
	return r.exec(ctx, stmt)
}

func (r *mysqlXAResource) Rollback(ctx context.Context, xid *protocol.Xid) error {
	return r.exec(ctx, "XA ROLLBACK "+xidLiteral(xid))
}

// Recover lists prepared branches. MySQL has no scan-cursor semantics, so
// the full list is returned for a start scan and an empty list for a pure
// end scan, mirroring Connector/J.
func (r *mysqlXAResource) Recover(ctx context.Context, flags int) ([]*protocol.Xid, error) {
	if flags&protocol.TMSTARTRSCAN == 0 && flags != protocol.TMNOFLAGS {
		return nil, nil
	}
	rows, err := r.conn.conn.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, &protocol.XAError{Code: protocol.XAERRMFail, Message: err.Error()}
	}
	defer rows.Close()

	var out []*protocol.Xid
	for rows.Next() {
		var formatID int32
		var gtridLen, bqualLen int
		var data []byte
		if err := rows.Scan(&formatID, &gtridLen, &bqualLen, &data); err != nil {
			return nil, &protocol.XAError{Code: protocol.XAERRMFail, Message: err.Error()}
		}
		if gtridLen+bqualLen > len(data) {
			return nil, protocol.NewXAError(protocol.XAERRMErr, "xa recover row shorter than declared lengths")
		}
		out = append(out, &protocol.Xid{
			FormatID: formatID,
			GTRID:    append([]byte(nil), data[:gtridLen]...),
			BQUAL:    append([]byte(nil), data[gtridLen:gtridLen+bqualLen]...),
		})
	}
	if err := rows.Err(); err != nil && err != io.EOF {
		return nil, &protocol.XAError{Code: protocol.XAERRMFail, Message: err.Error()}
	}
	return out, nil
}

func (r *mysqlXAResource) Forget(ctx context.Context, xid *protocol.Xid) error {
	// MySQL has no heuristic completion log; forget is a no-op success.
	return nil
}

func (r *mysqlXAResource) SetTransactionTimeout(seconds int) error {
	r.timeoutSeconds = seconds
	return nil
}

func (r *mysqlXAResource) GetTransactionTimeout() int { return r.timeoutSeconds }

func (r *mysqlXAResource) IsSameRM(other backend.XAResource) bool {
	_, ok := other.(*mysqlXAResource)
	return ok
}

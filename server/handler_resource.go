package server

import (
	"context"
	"fmt"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// callResource exposes a closed set of introspection methods on owned
// resources. The reflective call-anything surface of older proxies is
// deliberately gone: every reachable method is spelled out here, and the
// optional chained call only composes the whitelisted pairs.
func handleCallResource(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	var callReq protocol.CallResourceRequest
	if err := protocol.Unmarshal(req.Payload, &callReq); err != nil {
		return nil, fmt.Errorf("decode callResource payload: %w", err)
	}
	session, err := hc.resolveSession(callReq.Session)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	value, err := dispatchResourceCall(ctx, hc, session, &callReq)
	if err != nil {
		return nil, err
	}
	raw, err := protocol.Marshal(value)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(&protocol.CallResourceResponse{Value: raw})
}

func dispatchResourceCall(ctx context.Context, hc *Context, session *Session, call *protocol.CallResourceRequest) (interface{}, error) {
	switch call.Kind {
	case protocol.ResConnection:
		return connectionCall(ctx, hc, session, call)
	case protocol.ResResultSet:
		return resultSetCall(session, call)
	case protocol.ResStatement:
		return statementCall(session, call)
	case protocol.ResLob:
		return lobCall(session, call)
	default:
		return nil, fmt.Errorf("%w: resource kind %s", protocol.ErrUnsupported, call.Kind)
	}
}

func connectionCall(ctx context.Context, hc *Context, session *Session, call *protocol.CallResourceRequest) (interface{}, error) {
	if err := hc.ensureConn(ctx, session); err != nil {
		return nil, err
	}
	conn := session.Conn()
	switch call.Method {
	case "getAutoCommit":
		return conn.AutoCommit(), nil
	case "getTransactionIsolation":
		return int(conn.Isolation()), nil
	case "setTransactionIsolation":
		if len(call.Params) != 1 {
			return nil, fmt.Errorf("%w: setTransactionIsolation needs a level", protocol.ErrInvalidState)
		}
		level, ok := call.Params[0].Value.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: isolation level is %T", protocol.ErrInvalidState, call.Params[0].Value)
		}
		if err := conn.SetIsolation(ctx, backend.IsolationLevel(int(level))); err != nil {
			return nil, err
		}
		return true, nil
	case "isValid":
		return conn.IsValid(hc.Cfg.PoolBorrowTimeout), nil
	case "getDatabaseProductName":
		return string(hc.Registry.Flavor(session.Fingerprint)), nil
	default:
		return nil, fmt.Errorf("%w: connection method %s", protocol.ErrUnsupported, call.Method)
	}
}

func resultSetCall(session *Session, call *protocol.CallResourceRequest) (interface{}, error) {
	// Metadata answers come from the stashed attribute so they survive
	// cursors a driver closed eagerly.
	meta, ok := session.Attribute("rsmeta." + call.UUID)
	if !ok {
		return nil, fmt.Errorf("%w: result set %s", protocol.ErrNotFound, call.UUID)
	}
	columns := meta.([]backend.ColumnMeta)

	switch call.Method {
	case "getMetaData":
		if call.NextCall != nil {
			return metadataCall(columns, call.NextCall)
		}
		return toWireColumns(columns), nil
	case "isClosed":
		_, err := session.ResultSet(call.UUID)
		return err != nil, nil
	default:
		return nil, fmt.Errorf("%w: result set method %s", protocol.ErrUnsupported, call.Method)
	}
}

// metadataCall answers the chained metadata methods of a getMetaData call.
func metadataCall(columns []backend.ColumnMeta, next *protocol.CallResourceRequest) (interface{}, error) {
	columnIndex := func() (int, error) {
		if len(next.Params) != 1 {
			return 0, fmt.Errorf("%w: %s needs a column index", protocol.ErrInvalidState, next.Method)
		}
		f, ok := next.Params[0].Value.(float64)
		if !ok {
			return 0, fmt.Errorf("%w: column index is %T", protocol.ErrInvalidState, next.Params[0].Value)
		}
		i := int(f)
		if i < 1 || i > len(columns) {
			return 0, fmt.Errorf("%w: column index %d of %d", protocol.ErrNotFound, i, len(columns))
		}
		return i - 1, nil
	}

	switch next.Method {
	case "getColumnCount":
		return len(columns), nil
	case "getColumnName", "getColumnLabel":
		i, err := columnIndex()
		if err != nil {
			return nil, err
		}
		return columns[i].Name, nil
	case "getColumnTypeName":
		i, err := columnIndex()
		if err != nil {
			return nil, err
		}
		return columns[i].TypeName, nil
	case "isNullable":
		i, err := columnIndex()
		if err != nil {
			return nil, err
		}
		return columns[i].Nullable, nil
	case "getPrecision":
		i, err := columnIndex()
		if err != nil {
			return nil, err
		}
		return columns[i].Precision, nil
	case "getScale":
		i, err := columnIndex()
		if err != nil {
			return nil, err
		}
		return columns[i].Scale, nil
	default:
		return nil, fmt.Errorf("%w: metadata method %s", protocol.ErrUnsupported, next.Method)
	}
}

func statementCall(session *Session, call *protocol.CallResourceRequest) (interface{}, error) {
	switch call.Method {
	case "isClosed":
		_, err := session.Statement(call.UUID)
		return err != nil, nil
	default:
		return nil, fmt.Errorf("%w: statement method %s", protocol.ErrUnsupported, call.Method)
	}
}

func lobCall(session *Session, call *protocol.CallResourceRequest) (interface{}, error) {
	l, err := session.Lob(call.UUID)
	if err != nil {
		return nil, err
	}
	switch call.Method {
	case "length":
		return l.lob.Length(), nil
	case "free":
		if err := l.lob.Free(); err != nil {
			return nil, err
		}
		return true, nil
	default:
		return nil, fmt.Errorf("%w: lob method %s", protocol.ErrUnsupported, call.Method)
	}
}

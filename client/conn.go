package client

import (
	"context"
	"database/sql/driver"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// Conn is one proxied logical connection. Connect fans out to every healthy
// endpoint; the primary session (least-loaded endpoint at open time)
// carries this connection's statements, and stickiness keeps them there.
type Conn struct {
	manager *Manager
	multi   *MultiSession
	primary *BoundSession
	details *protocol.ConnectionDetails

	invalid    atomic.Bool
	busy       atomic.Bool
	lastUsedMs atomic.Int64
	closed     atomic.Bool
}

func openConn(manager *Manager, cfg *DSNConfig) (*Conn, error) {
	details := &protocol.ConnectionDetails{
		URL:        cfg.BackendURL,
		User:       cfg.User,
		Password:   cfg.Password,
		ClientID:   cfg.ClientID,
		IsXA:       cfg.IsXA,
		Properties: cfg.Properties,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	multi, err := manager.Connect(ctx, details)
	if err != nil {
		return nil, err
	}

	// The primary session lands on the least-loaded endpoint that accepted.
	endpoint, err := manager.SelectEndpoint()
	if err != nil {
		manager.Terminate(ctx, multi)
		return nil, err
	}
	primary, ok := multi.SessionOn(endpoint)
	if !ok {
		primary = multi.Sessions[0]
	}

	conn := &Conn{manager: manager, multi: multi, primary: primary, details: details}
	conn.touch()
	manager.RegisterConn(conn, primary.Endpoint)
	return conn, nil
}

func (c *Conn) touch() { c.lastUsedMs.Store(time.Now().UnixMilli()) }

func (c *Conn) lastUsed() time.Time { return time.UnixMilli(c.lastUsedMs.Load()) }

func (c *Conn) inUse() bool { return c.busy.Load() }

func (c *Conn) isXA() bool { return c.details.IsXA }

// forceInvalidate marks the connection for replacement; database/sql drops
// it at the next validation instead of handing it out again.
func (c *Conn) forceInvalidate() { c.invalid.Store(true) }

// IsValid implements driver.Validator.
func (c *Conn) IsValid() bool {
	return !c.invalid.Load() && !c.closed.Load() && c.primary.Endpoint.Healthy()
}

// SessionID returns the primary session id.
func (c *Conn) SessionID() string { return c.primary.Info.SessionID }

// Prepare implements driver.Conn.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, sql: query}, nil
}

// Close terminates the session set on every endpoint that accepted it.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.manager.UnregisterConn(c, c.primary.Endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.manager.Terminate(ctx, c.multi)
	return nil
}

// Begin implements driver.Conn.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.busy.Store(true)
	c.touch()
	_, err := c.manager.CallSession(ctx, c.SessionID(), protocol.VerbStartTransaction, c.primary.Info)
	if err != nil {
		c.busy.Store(false)
		return nil, err
	}
	return &Tx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.touch()
	params, err := namedToParams(args)
	if err != nil {
		return nil, err
	}
	resp, err := c.manager.CallSession(ctx, c.SessionID(), protocol.VerbExecuteUpdate, &protocol.StatementRequest{
		Session: c.primary.Info,
		SQL:     query,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.OpResult
	if err := protocol.Unmarshal(resp.Payload, &result); err != nil {
		return nil, err
	}
	res := execResult{rowsAffected: result.UpdateCount}
	if len(result.GeneratedKeys) == 1 && len(result.GeneratedKeys[0]) == 1 {
		if id, ok := asInt64(result.GeneratedKeys[0][0]); ok {
			res.lastInsertID = id
		}
	}
	return res, nil
}

// QueryContext implements driver.QueryerContext.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.touch()
	params, err := namedToParams(args)
	if err != nil {
		return nil, err
	}
	resp, err := c.manager.CallSession(ctx, c.SessionID(), protocol.VerbExecuteQuery, &protocol.StatementRequest{
		Session: c.primary.Info,
		SQL:     query,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.OpResult
	if err := protocol.Unmarshal(resp.Payload, &result); err != nil {
		return nil, err
	}
	return newRows(c, &result), nil
}

type execResult struct {
	rowsAffected int64
	lastInsertID int64
}

func (r execResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r execResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// namedToParams converts driver values to wire parameters positionally.
func namedToParams(args []driver.NamedValue) ([]protocol.Param, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]protocol.Param, len(args))
	for i, a := range args {
		if a.Name != "" {
			return nil, fmt.Errorf("named parameters are not supported")
		}
		switch v := a.Value.(type) {
		case nil:
			out[i] = protocol.Param{Type: protocol.ParamNull}
		case int64:
			out[i] = protocol.Param{Type: protocol.ParamInt, Value: v}
		case float64:
			out[i] = protocol.Param{Type: protocol.ParamFloat, Value: v}
		case bool:
			out[i] = protocol.Param{Type: protocol.ParamBool, Value: v}
		case []byte:
			out[i] = protocol.Param{Type: protocol.ParamBytes, Value: base64.StdEncoding.EncodeToString(v)}
		case string:
			out[i] = protocol.Param{Type: protocol.ParamString, Value: v}
		case time.Time:
			out[i] = protocol.Param{Type: protocol.ParamTime, Value: v.Format(time.RFC3339Nano)}
		default:
			return nil, fmt.Errorf("unsupported parameter type %T", a.Value)
		}
	}
	return out, nil
}

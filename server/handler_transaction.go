package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// handleStartTransaction switches the session's connection to explicit
// commit mode. XA sessions manage demarcation through the XA verbs instead.
func handleStartTransaction(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	session, err := sessionFromInfoPayload(hc, req)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	if session.IsXA {
		return nil, fmt.Errorf("%w: xa sessions demarcate through xaStart", protocol.ErrInvalidState)
	}
	if session.InTransaction() {
		return nil, fmt.Errorf("%w: session %s already in transaction", protocol.ErrInvalidState, session.ID)
	}
	if err := hc.ensureConn(ctx, session); err != nil {
		return nil, err
	}
	if err := session.Conn().SetAutoCommit(ctx, false); err != nil {
		return nil, err
	}
	session.BeginLocalTx(uuid.NewString())
	return protocol.OKResponse(hc.sessionInfo(session))
}

// handleCommitTransaction commits and returns the session to autocommit.
func handleCommitTransaction(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	return concludeTransaction(ctx, hc, req, true)
}

// handleRollbackTransaction rolls back and returns the session to
// autocommit.
func handleRollbackTransaction(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	return concludeTransaction(ctx, hc, req, false)
}

func concludeTransaction(ctx context.Context, hc *Context, req *protocol.Request, commit bool) (*protocol.Response, error) {
	session, err := sessionFromInfoPayload(hc, req)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	if !session.InTransaction() {
		return nil, fmt.Errorf("%w: session %s has no open transaction", protocol.ErrInvalidState, session.ID)
	}
	conn := session.Conn()
	if conn == nil {
		return nil, fmt.Errorf("%w: session %s transaction lost its connection", protocol.ErrInvalidState, session.ID)
	}
	var txErr error
	if commit {
		txErr = conn.Commit(ctx)
	} else {
		txErr = conn.Rollback(ctx)
	}
	if txErr != nil {
		return nil, txErr
	}
	session.EndLocalTx()
	if err := conn.SetAutoCommit(ctx, true); err != nil {
		return nil, err
	}
	info := hc.sessionInfo(session)
	if commit {
		info.TransactionInfo = &protocol.TransactionInfo{Status: protocol.TxStatusCommitted}
	} else {
		info.TransactionInfo = &protocol.TransactionInfo{Status: protocol.TxStatusRolledBack}
	}
	return protocol.OKResponse(info)
}

// sessionFromInfoPayload decodes a bare SessionInfo payload and resolves
// its locked session.
func sessionFromInfoPayload(hc *Context, req *protocol.Request) (*Session, error) {
	var info protocol.SessionInfo
	if err := protocol.Unmarshal(req.Payload, &info); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	return hc.resolveSession(&info)
}

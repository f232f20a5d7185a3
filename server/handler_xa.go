package server

import (
	"context"
	"fmt"

	"github.com/openjdbcproxy/ojp-go/protocol"
	"github.com/openjdbcproxy/ojp-go/xa"
)

// xaContext resolves the locked session and its fingerprint's XA registry.
// When XA pooling is disabled the verbs pass straight through to the
// session's own XA connection instead.
type xaContext struct {
	session  *Session
	registry *xa.Registry
}

func resolveXA(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.XARequest, *xaContext, error) {
	var xaReq protocol.XARequest
	if err := protocol.Unmarshal(req.Payload, &xaReq); err != nil {
		return nil, nil, fmt.Errorf("decode xa payload: %w", err)
	}
	session, err := hc.resolveSession(xaReq.Session)
	if err != nil {
		return nil, nil, err
	}
	if !session.IsXA {
		session.Unlock()
		return nil, nil, fmt.Errorf("%w: session %s is not an XA session", protocol.ErrInvalidState, session.ID)
	}
	registry, _ := hc.Registry.XARegistry(session.Fingerprint)
	return &xaReq, &xaContext{session: session, registry: registry}, nil
}

func (xc *xaContext) release() { xc.session.Unlock() }

// passthroughResource returns the session-owned XA resource used when no
// registry exists for the fingerprint (XA pool disabled).
func (xc *xaContext) passthroughResource(ctx context.Context, hc *Context) (*Session, error) {
	if err := hc.ensureConn(ctx, xc.session); err != nil {
		return nil, err
	}
	if xc.session.UnpooledXA() == nil {
		return nil, fmt.Errorf("%w: no XA pool provider for fingerprint %s", protocol.ErrUnsupported, xc.session.Fingerprint)
	}
	return xc.session, nil
}

func handleXAStart(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()
	if xaReq.Xid == nil {
		return nil, protocol.NewXAError(protocol.XAERInval, "xaStart without xid")
	}

	if xc.registry == nil {
		session, err := xc.passthroughResource(ctx, hc)
		if err != nil {
			return nil, err
		}
		if err := session.UnpooledXA().Resource().Start(ctx, xaReq.Xid, xaReq.Flags); err != nil {
			return nil, err
		}
		return protocol.OKResponse(&protocol.XAResponse{})
	}

	backendSession, err := xc.registry.Start(ctx, xaReq.Xid, xaReq.Flags)
	if err != nil {
		return nil, err
	}
	// The session executes its SQL on the branch's pinned connection from
	// here until the branch concludes.
	xc.session.BindBackendSession(backendSession)
	if xc.session.TransactionTimeoutSeconds > 0 {
		_ = backendSession.Resource().SetTransactionTimeout(xc.session.TransactionTimeoutSeconds)
	}
	return protocol.OKResponse(&protocol.XAResponse{})
}

func handleXAEnd(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()
	if xaReq.Xid == nil {
		return nil, protocol.NewXAError(protocol.XAERInval, "xaEnd without xid")
	}

	if xc.registry == nil {
		session, err := xc.passthroughResource(ctx, hc)
		if err != nil {
			return nil, err
		}
		if err := session.UnpooledXA().Resource().End(ctx, xaReq.Xid, xaReq.Flags); err != nil {
			return nil, err
		}
		return protocol.OKResponse(&protocol.XAResponse{})
	}

	if err := xc.registry.End(ctx, xaReq.Xid, xaReq.Flags); err != nil {
		return nil, err
	}
	return protocol.OKResponse(&protocol.XAResponse{})
}

func handleXAPrepare(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()
	if xaReq.Xid == nil {
		return nil, protocol.NewXAError(protocol.XAERInval, "xaPrepare without xid")
	}

	if xc.registry == nil {
		session, err := xc.passthroughResource(ctx, hc)
		if err != nil {
			return nil, err
		}
		vote, err := session.UnpooledXA().Resource().Prepare(ctx, xaReq.Xid)
		if err != nil {
			return nil, err
		}
		return protocol.OKResponse(&protocol.XAResponse{Vote: vote})
	}

	vote, released, err := xc.registry.Prepare(ctx, xaReq.Xid)
	if err != nil {
		return nil, err
	}
	if released != nil {
		xc.session.UnbindBackendSession(released)
	}
	return protocol.OKResponse(&protocol.XAResponse{Vote: vote})
}

func handleXACommit(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()
	if xaReq.Xid == nil {
		return nil, protocol.NewXAError(protocol.XAERInval, "xaCommit without xid")
	}

	if xc.registry == nil {
		session, err := xc.passthroughResource(ctx, hc)
		if err != nil {
			return nil, err
		}
		if err := session.UnpooledXA().Resource().Commit(ctx, xaReq.Xid, xaReq.OnePhase); err != nil {
			return nil, err
		}
		return protocol.OKResponse(&protocol.XAResponse{})
	}

	released, err := xc.registry.Commit(ctx, xaReq.Xid, xaReq.OnePhase)
	if err != nil {
		return nil, err
	}
	if released != nil {
		xc.session.UnbindBackendSession(released)
	}
	return protocol.OKResponse(&protocol.XAResponse{})
}

func handleXARollback(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()
	if xaReq.Xid == nil {
		return nil, protocol.NewXAError(protocol.XAERInval, "xaRollback without xid")
	}

	if xc.registry == nil {
		session, err := xc.passthroughResource(ctx, hc)
		if err != nil {
			return nil, err
		}
		if err := session.UnpooledXA().Resource().Rollback(ctx, xaReq.Xid); err != nil {
			return nil, err
		}
		return protocol.OKResponse(&protocol.XAResponse{})
	}

	released, err := xc.registry.Rollback(ctx, xaReq.Xid)
	if err != nil {
		return nil, err
	}
	if released != nil {
		xc.session.UnbindBackendSession(released)
	}
	return protocol.OKResponse(&protocol.XAResponse{})
}

func handleXARecover(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()

	if xc.registry == nil {
		session, err := xc.passthroughResource(ctx, hc)
		if err != nil {
			return nil, err
		}
		xids, err := session.UnpooledXA().Resource().Recover(ctx, xaReq.Flags)
		if err != nil {
			return nil, err
		}
		return protocol.OKResponse(&protocol.XAResponse{Xids: xids})
	}

	xids, err := xc.registry.Recover(ctx, xaReq.Flags)
	if err != nil {
		return nil, err
	}
	return protocol.OKResponse(&protocol.XAResponse{Xids: xids})
}

func handleXAForget(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()
	if xaReq.Xid == nil {
		return nil, protocol.NewXAError(protocol.XAERInval, "xaForget without xid")
	}

	if xc.registry == nil {
		session, err := xc.passthroughResource(ctx, hc)
		if err != nil {
			return nil, err
		}
		if err := session.UnpooledXA().Resource().Forget(ctx, xaReq.Xid); err != nil {
			return nil, err
		}
		return protocol.OKResponse(&protocol.XAResponse{})
	}

	released, err := xc.registry.Forget(ctx, xaReq.Xid)
	if err != nil {
		return nil, err
	}
	if released != nil {
		xc.session.UnbindBackendSession(released)
	}
	return protocol.OKResponse(&protocol.XAResponse{})
}

func handleXASetTransactionTimeout(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()

	xc.session.TransactionTimeoutSeconds = xaReq.TimeoutSeconds
	if bs := xc.session.BackendSession(); bs != nil {
		if err := bs.Resource().SetTransactionTimeout(xaReq.TimeoutSeconds); err != nil {
			return nil, err
		}
	} else if xaConn := xc.session.UnpooledXA(); xaConn != nil {
		if err := xaConn.Resource().SetTransactionTimeout(xaReq.TimeoutSeconds); err != nil {
			return nil, err
		}
	}
	return protocol.OKResponse(&protocol.XAResponse{TimeoutSeconds: xaReq.TimeoutSeconds})
}

func handleXAGetTransactionTimeout(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	_, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()

	seconds := xc.session.TransactionTimeoutSeconds
	if bs := xc.session.BackendSession(); bs != nil {
		seconds = bs.Resource().GetTransactionTimeout()
	} else if xaConn := xc.session.UnpooledXA(); xaConn != nil {
		seconds = xaConn.Resource().GetTransactionTimeout()
	}
	return protocol.OKResponse(&protocol.XAResponse{TimeoutSeconds: seconds})
}

func handleXAIsSameRM(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	xaReq, xc, err := resolveXA(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	defer xc.release()

	// Two sessions resolve to the same resource manager when they hit the
	// same backend pool.
	same := false
	if xaReq.OtherSession != nil {
		same = xaReq.OtherSession.Fingerprint == xc.session.Fingerprint
	}
	return protocol.OKResponse(&protocol.XAResponse{SameRM: same})
}

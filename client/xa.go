package client

import (
	"context"
	"fmt"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// XASession exposes the XA verbs of one bound server session for an
// external transaction manager. Every call is sticky to the session's
// endpoint; the Xid instances passed in are marshaled verbatim.
type XASession struct {
	manager *Manager
	session *BoundSession
}

// NewXASession wraps a bound session obtained from Connect.
func NewXASession(manager *Manager, session *BoundSession) (*XASession, error) {
	if !session.Info.IsXA {
		return nil, fmt.Errorf("session %s is not an XA session", session.Info.SessionID)
	}
	return &XASession{manager: manager, session: session}, nil
}

// Session returns the underlying bound session.
func (x *XASession) Session() *BoundSession { return x.session }

func (x *XASession) call(ctx context.Context, verb protocol.Verb, req *protocol.XARequest) (*protocol.XAResponse, error) {
	req.Session = x.session.Info
	resp, err := x.manager.CallSession(ctx, x.session.Info.SessionID, verb, req)
	if err != nil {
		return nil, err
	}
	var out protocol.XAResponse
	if len(resp.Payload) > 0 {
		if err := protocol.Unmarshal(resp.Payload, &out); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// Start begins or re-associates a branch.
func (x *XASession) Start(ctx context.Context, xid *protocol.Xid, flags int) error {
	_, err := x.call(ctx, protocol.VerbXAStart, &protocol.XARequest{Xid: xid, Flags: flags})
	return err
}

// End dissociates the branch.
func (x *XASession) End(ctx context.Context, xid *protocol.Xid, flags int) error {
	_, err := x.call(ctx, protocol.VerbXAEnd, &protocol.XARequest{Xid: xid, Flags: flags})
	return err
}

// Prepare votes on the branch.
func (x *XASession) Prepare(ctx context.Context, xid *protocol.Xid) (int, error) {
	resp, err := x.call(ctx, protocol.VerbXAPrepare, &protocol.XARequest{Xid: xid})
	if err != nil {
		return 0, err
	}
	return resp.Vote, nil
}

// Commit commits the branch.
func (x *XASession) Commit(ctx context.Context, xid *protocol.Xid, onePhase bool) error {
	_, err := x.call(ctx, protocol.VerbXACommit, &protocol.XARequest{Xid: xid, OnePhase: onePhase})
	return err
}

// Rollback rolls the branch back.
func (x *XASession) Rollback(ctx context.Context, xid *protocol.Xid) error {
	_, err := x.call(ctx, protocol.VerbXARollback, &protocol.XARequest{Xid: xid})
	return err
}

// Recover scans the backend's prepared-transaction log.
func (x *XASession) Recover(ctx context.Context, flags int) ([]*protocol.Xid, error) {
	resp, err := x.call(ctx, protocol.VerbXARecover, &protocol.XARequest{Flags: flags})
	if err != nil {
		return nil, err
	}
	return resp.Xids, nil
}

// Forget discards a heuristically completed branch.
func (x *XASession) Forget(ctx context.Context, xid *protocol.Xid) error {
	_, err := x.call(ctx, protocol.VerbXAForget, &protocol.XARequest{Xid: xid})
	return err
}

// SetTransactionTimeout sets the branch timeout in seconds.
func (x *XASession) SetTransactionTimeout(ctx context.Context, seconds int) error {
	_, err := x.call(ctx, protocol.VerbXASetTransactionTimeout, &protocol.XARequest{TimeoutSeconds: seconds})
	return err
}

// GetTransactionTimeout reads the branch timeout.
func (x *XASession) GetTransactionTimeout(ctx context.Context) (int, error) {
	resp, err := x.call(ctx, protocol.VerbXAGetTransactionTimeout, &protocol.XARequest{})
	if err != nil {
		return 0, err
	}
	return resp.TimeoutSeconds, nil
}

// IsSameRM reports whether the other session resolves to the same resource
// manager.
func (x *XASession) IsSameRM(ctx context.Context, other *XASession) (bool, error) {
	resp, err := x.call(ctx, protocol.VerbXAIsSameRM, &protocol.XARequest{OtherSession: other.session.Info})
	if err != nil {
		return false, err
	}
	return resp.SameRM, nil
}

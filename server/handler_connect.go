package server

import (
	"context"
	"fmt"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// handleConnect resolves (or creates) the pool-registry entries for the
// connection tuple and opens a session bound to this node. The backend
// connection itself is acquired lazily on first use.
func handleConnect(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	var details protocol.ConnectionDetails
	if err := protocol.Unmarshal(req.Payload, &details); err != nil {
		return nil, fmt.Errorf("decode connect payload: %w", err)
	}
	if details.URL == "" {
		return nil, fmt.Errorf("%w: connect without backend url", protocol.ErrInvalidState)
	}

	fingerprint, err := hc.Registry.EnsureEntry(ctx, &details)
	if err != nil {
		return nil, err
	}

	session := hc.Sessions.Create(fingerprint, details.ClientID, details.IsXA)
	session.Lock()
	info := hc.sessionInfo(session)
	session.Unlock()
	return protocol.OKResponse(info)
}

// handleTerminateSession tears the session down. Termination is idempotent:
// an unknown or already-closed session reports success.
func handleTerminateSession(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	var info protocol.SessionInfo
	if err := protocol.Unmarshal(req.Payload, &info); err != nil {
		return nil, fmt.Errorf("decode terminate payload: %w", err)
	}
	if info.SessionID == "" {
		return nil, fmt.Errorf("%w: terminate without session id", protocol.ErrInvalidState)
	}
	if err := hc.Sessions.Terminate(ctx, info.SessionID); err != nil {
		return nil, err
	}
	return protocol.OKResponse(&protocol.SessionTerminationStatus{
		SessionID:  info.SessionID,
		Terminated: true,
	})
}

// handlePing answers health probes with this node's endpoint. The request
// body is not decoded: a Deep probe gets the same reply as a plain one and
// no pool is inspected.
func handlePing(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	return protocol.OKResponse(map[string]string{"endpoint": hc.Endpoint})
}

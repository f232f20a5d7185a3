package server

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// handleLobCreate opens an inbound LOB stream: a backend Blob or Clob is
// created on the session's connection and registered under a fresh id. The
// session holds a stream lease until the final block arrives, which keeps
// the cleanup reaper away from a session mid-upload.
func handleLobCreate(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	var createReq protocol.LobCreateRequest
	if err := protocol.Unmarshal(req.Payload, &createReq); err != nil {
		return nil, fmt.Errorf("decode lob create payload: %w", err)
	}
	session, err := hc.resolveSession(createReq.Session)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	if err := hc.ensureConn(ctx, session); err != nil {
		return nil, err
	}

	var lob backend.Lob
	var lobErr error
	if createReq.Kind == protocol.LobClob {
		lob, lobErr = session.Conn().CreateClob()
	} else {
		lob, lobErr = session.Conn().CreateBlob()
	}
	if lobErr != nil {
		return nil, lobErr
	}

	entry := &sessionLob{id: uuid.NewString(), kind: createReq.Kind, lob: lob}
	if err := session.PutLob(entry); err != nil {
		_ = lob.Free()
		return nil, err
	}
	session.StreamStarted()

	return protocol.OKResponse(&protocol.LobReference{
		Session: hc.sessionInfo(session),
		LobID:   entry.id,
		Kind:    entry.kind,
	})
}

// handleLobUpload appends one block to an open inbound stream. Blocks must
// arrive in order; the final block seals the LOB and releases the stream
// lease. The sealed LOB commits to the backend object the moment the last
// write lands, matching the sink-to-Blob wiring of the JDBC path.
func handleLobUpload(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	var block protocol.LobDataBlock
	if err := protocol.Unmarshal(req.Payload, &block); err != nil {
		return nil, fmt.Errorf("decode lob block payload: %w", err)
	}
	session, err := hc.resolveSession(block.Session)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	entry, err := session.Lob(block.LobID)
	if err != nil {
		return nil, err
	}
	if entry.sealed {
		return nil, fmt.Errorf("%w: lob %s already sealed", protocol.ErrInvalidState, entry.id)
	}
	if block.Position != entry.lob.Length() {
		return nil, fmt.Errorf("%w: lob %s block at position %d, stream is at %d",
			protocol.ErrInvalidState, entry.id, block.Position, entry.lob.Length())
	}
	if len(block.Data) > 0 {
		if _, err := entry.lob.Write(block.Data); err != nil {
			return nil, err
		}
	}
	if block.Last {
		entry.sealed = true
		session.StreamFinished()
	}
	return protocol.OKResponse(&protocol.LobReference{
		Session: hc.sessionInfo(session),
		LobID:   entry.id,
		Kind:    entry.kind,
		Length:  entry.lob.Length(),
	})
}

// handleReadLob streams a LOB range back in fixed-size blocks as a
// multi-part response.
func handleReadLob(ctx context.Context, hc *Context, req *protocol.Request, sink protocol.ReplySink) {
	var readReq protocol.ReadLobRequest
	if err := protocol.Unmarshal(req.Payload, &readReq); err != nil {
		_ = sink.Send(protocol.ToResponse(fmt.Errorf("decode read lob payload: %w", err)))
		return
	}
	session, err := hc.resolveSession(readReq.Session)
	if err != nil {
		_ = sink.Send(protocol.ToResponse(err))
		return
	}

	entry, lobErr := session.Lob(readReq.LobID)
	if lobErr != nil {
		session.Unlock()
		_ = sink.Send(protocol.ToResponse(lobErr))
		return
	}
	session.StreamStarted()
	defer session.StreamFinished()
	defer session.Unlock()

	blockSize := readReq.BlockSize
	if blockSize <= 0 {
		blockSize = hc.Cfg.LobBlockSize
	}

	position := readReq.Position
	remaining := readReq.Length
	if remaining <= 0 {
		remaining = entry.lob.Length() - position
	}
	if remaining < 0 {
		remaining = 0
	}

	seq := 0
	for {
		if ctx.Err() != nil {
			// Deadline expired mid-stream: abandon the response path; the
			// session stays intact for later cleanup.
			return
		}
		chunk := int64(blockSize)
		if chunk > remaining {
			chunk = remaining
		}
		buf := make([]byte, chunk)
		var n int
		var readErr error
		if chunk > 0 {
			n, readErr = entry.lob.ReadAt(buf, position)
		} else {
			readErr = io.EOF
		}
		last := readErr == io.EOF || remaining-int64(n) <= 0
		if readErr != nil && readErr != io.EOF {
			_ = sink.Send(protocol.ToResponse(readErr))
			return
		}

		payload, err := protocol.Marshal(&protocol.LobDataBlock{
			LobID:    entry.id,
			Position: position,
			Data:     buf[:n],
			Last:     last,
		})
		if err != nil {
			_ = sink.Send(protocol.ToResponse(err))
			return
		}
		if err := sink.Send(&protocol.Response{Status: protocol.StatusOK, Payload: payload, Seq: seq, Last: last}); err != nil {
			return
		}
		if last {
			return
		}
		position += int64(n)
		remaining -= int64(n)
		seq++
	}
}

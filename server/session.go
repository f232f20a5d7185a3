package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
	"github.com/openjdbcproxy/ojp-go/xa"
)

// resourceKind orders owned resources for reverse-creation cleanup.
type resourceKind int

const (
	resStatement resourceKind = iota
	resResultSet
	resLob
)

type resourceRef struct {
	kind resourceKind
	id   string
}

// openResultSet pairs a backend cursor with the column metadata captured on
// first execution. Metadata is kept even after the cursor is exhausted
// because some drivers close the underlying result eagerly.
type openResultSet struct {
	id       string
	rows     backend.Rows
	columns  []backend.ColumnMeta
	exhausted bool
}

// sessionLob is one LOB owned by a session, either being assembled from an
// inbound stream or serving outbound block reads.
type sessionLob struct {
	id     string
	kind   protocol.LobKind
	lob    backend.Lob
	sealed bool
}

// Session is the in-memory holder for one client's logical connection and
// everything it owns. A session is logically owned by the RPC invocation
// using it: callers must hold the session mutex across any backend access
// because backend connections are not safe for concurrent use.
type Session struct {
	ID          string
	Fingerprint string
	ClientID    string
	IsXA        bool

	mu sync.Mutex

	// conn is the logical backend connection. For XA sessions it derives
	// from the bound backend session and must never outlive that binding.
	conn           backend.Conn
	pooledConn     *pooledConn
	backendSession *xa.BackendSession
	unpooledXAConn backend.XAConn

	statements map[string]backend.Stmt
	resultSets map[string]*openResultSet
	lobs       map[string]*sessionLob
	attributes map[string]interface{}
	created    []resourceRef

	createdAt      time.Time
	lastActivityAt atomic.Int64

	// activeStreams guards the session against reaping while a LOB stream
	// is in flight.
	activeStreams atomic.Int32

	TransactionTimeoutSeconds int

	inTransaction bool
	transactionID string

	closed bool
}

func newSession(id, fingerprint, clientID string, isXA bool) *Session {
	s := &Session{
		ID:          id,
		Fingerprint: fingerprint,
		ClientID:    clientID,
		IsXA:        isXA,
		statements:  make(map[string]backend.Stmt),
		resultSets:  make(map[string]*openResultSet),
		lobs:        make(map[string]*sessionLob),
		attributes:  make(map[string]interface{}),
		createdAt:   time.Now(),
	}
	s.Touch()
	return s
}

// Lock serializes RPC handlers on the session.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch records activity for the cleanup reaper.
func (s *Session) Touch() { s.lastActivityAt.Store(time.Now().UnixMilli()) }

// LastActivity returns the last recorded activity time.
func (s *Session) LastActivity() time.Time { return time.UnixMilli(s.lastActivityAt.Load()) }

// StreamStarted marks an in-flight LOB stream; the reaper skips the session
// until the matching StreamFinished.
func (s *Session) StreamStarted() { s.activeStreams.Add(1) }

// StreamFinished releases a stream hold.
func (s *Session) StreamFinished() { s.activeStreams.Add(-1) }

// HasActiveStreams reports whether any LOB stream is in flight.
func (s *Session) HasActiveStreams() bool { return s.activeStreams.Load() > 0 }

// Closed reports the terminal flag. Callers must hold the session lock.
func (s *Session) Closed() bool { return s.closed }

func (s *Session) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("%w: session %s", protocol.ErrSessionClosed, s.ID)
	}
	return nil
}

// Conn returns the session's logical connection, if bound.
func (s *Session) Conn() backend.Conn { return s.conn }

// BindConn attaches the regular-path logical connection.
func (s *Session) BindConn(conn backend.Conn, pooled *pooledConn) {
	s.conn = conn
	s.pooledConn = pooled
}

// BindBackendSession pins an XA backend session loan; the logical connection
// is derived from it.
func (s *Session) BindBackendSession(bs *xa.BackendSession) {
	s.backendSession = bs
	s.conn = bs.Conn()
}

// UnbindBackendSession drops the loan reference after the registry released
// it. The derived logical connection goes with it.
func (s *Session) UnbindBackendSession(bs *xa.BackendSession) {
	if s.backendSession == bs {
		s.backendSession = nil
		s.conn = nil
	}
}

// BackendSession returns the current XA loan, if any.
func (s *Session) BackendSession() *xa.BackendSession { return s.backendSession }

// BindUnpooledXA attaches a pass-through XA connection owned directly by the
// session (XA pooling disabled).
func (s *Session) BindUnpooledXA(xaConn backend.XAConn) {
	s.unpooledXAConn = xaConn
	s.conn = xaConn.Conn()
}

// UnpooledXA returns the pass-through XA connection, if any.
func (s *Session) UnpooledXA() backend.XAConn { return s.unpooledXAConn }

// PutStatement registers a prepared statement under a fresh id.
func (s *Session) PutStatement(id string, stmt backend.Stmt) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.statements[id] = stmt
	s.created = append(s.created, resourceRef{resStatement, id})
	return nil
}

// Statement looks up a prepared statement.
func (s *Session) Statement(id string) (backend.Stmt, error) {
	stmt, ok := s.statements[id]
	if !ok {
		return nil, fmt.Errorf("%w: statement %s", protocol.ErrNotFound, id)
	}
	return stmt, nil
}

// PutResultSet registers an open cursor.
func (s *Session) PutResultSet(rs *openResultSet) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.resultSets[rs.id] = rs
	s.created = append(s.created, resourceRef{resResultSet, rs.id})
	// Metadata is also stashed as a session attribute keyed by the result
	// set id so it survives drivers that close cursors eagerly.
	s.attributes["rsmeta."+rs.id] = rs.columns
	return nil
}

// ResultSet looks up an open cursor.
func (s *Session) ResultSet(id string) (*openResultSet, error) {
	rs, ok := s.resultSets[id]
	if !ok {
		return nil, fmt.Errorf("%w: result set %s", protocol.ErrNotFound, id)
	}
	return rs, nil
}

// RemoveResultSet closes and forgets a cursor.
func (s *Session) RemoveResultSet(id string) {
	if rs, ok := s.resultSets[id]; ok {
		_ = rs.rows.Close()
		delete(s.resultSets, id)
	}
}

// PutLob registers a LOB.
func (s *Session) PutLob(l *sessionLob) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.lobs[l.id] = l
	s.created = append(s.created, resourceRef{resLob, l.id})
	return nil
}

// Lob looks up a LOB.
func (s *Session) Lob(id string) (*sessionLob, error) {
	l, ok := s.lobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: lob %s", protocol.ErrNotFound, id)
	}
	return l, nil
}

// Attribute returns a free-form session attribute.
func (s *Session) Attribute(key string) (interface{}, bool) {
	v, ok := s.attributes[key]
	return v, ok
}

// SetAttribute stores a free-form session attribute.
func (s *Session) SetAttribute(key string, value interface{}) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.attributes[key] = value
	return nil
}

// BeginLocalTx marks a local (non-XA) transaction open.
func (s *Session) BeginLocalTx(id string) {
	s.inTransaction = true
	s.transactionID = id
}

// EndLocalTx clears the local transaction marker.
func (s *Session) EndLocalTx() {
	s.inTransaction = false
	s.transactionID = ""
}

// TransactionInfo reports the session's transaction state in wire form.
func (s *Session) TransactionInfo() *protocol.TransactionInfo {
	if s.inTransaction {
		return &protocol.TransactionInfo{Status: protocol.TxStatusActive, TransactionID: s.transactionID}
	}
	return &protocol.TransactionInfo{Status: protocol.TxStatusNone}
}

// InTransaction reports whether a local transaction is open.
func (s *Session) InTransaction() bool { return s.inTransaction }

// TransactionID returns the open local transaction id, if any.
func (s *Session) TransactionID() string { return s.transactionID }

// closeResources closes owned resources in reverse creation order, logging
// and continuing on each failure. Callers hold the session lock.
func (s *Session) closeResources(logger zerolog.Logger) {
	for i := len(s.created) - 1; i >= 0; i-- {
		ref := s.created[i]
		switch ref.kind {
		case resLob:
			if l, ok := s.lobs[ref.id]; ok {
				if err := l.lob.Free(); err != nil {
					logger.Warn().Err(err).Str("session", s.ID).Str("lob", ref.id).Msg("free lob")
				}
				delete(s.lobs, ref.id)
			}
		case resResultSet:
			if rs, ok := s.resultSets[ref.id]; ok {
				if err := rs.rows.Close(); err != nil {
					logger.Warn().Err(err).Str("session", s.ID).Str("resultSet", ref.id).Msg("close result set")
				}
				delete(s.resultSets, ref.id)
			}
		case resStatement:
			if stmt, ok := s.statements[ref.id]; ok {
				if err := stmt.Close(); err != nil {
					logger.Warn().Err(err).Str("session", s.ID).Str("statement", ref.id).Msg("close statement")
				}
				delete(s.statements, ref.id)
			}
		}
	}
	s.created = nil
}

// Package backendtest provides an instrumented in-memory implementation of
// the backend driver SPI. It records every call, preserves the exact Xid
// instances handed to it, and emulates the database's prepared-transaction
// log so recovery flows can be exercised without a real server.
package backendtest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// QueryResult is a canned result for a SQL string.
type QueryResult struct {
	Columns []backend.ColumnMeta
	Rows    [][]interface{}
}

// Driver is the fake backend. One Driver models one database: its prepared
// log is shared by every connection opened from it.
type Driver struct {
	mu sync.Mutex

	OpenErr   error
	openCount int

	conns   []*Conn
	xaConns []*XAConn

	// prepared emulates the database's XA transaction log. It survives any
	// registry state the proxy keeps in memory.
	prepared map[protocol.XidKey]*protocol.Xid

	committed  []protocol.XidKey
	rolledBack []protocol.XidKey

	queryResults map[string]QueryResult
	execErrors   map[string]error
}

// NewDriver creates an empty fake database.
func NewDriver() *Driver {
	return &Driver{
		prepared:     make(map[protocol.XidKey]*protocol.Xid),
		queryResults: make(map[string]QueryResult),
		execErrors:   make(map[string]error),
	}
}

// StubQuery registers a canned result for a SQL string.
func (d *Driver) StubQuery(sql string, result QueryResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queryResults[sql] = result
}

// StubExecError makes Exec of the given SQL fail.
func (d *Driver) StubExecError(sql string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execErrors[sql] = err
}

// Open implements backend.Driver.
func (d *Driver) Open(ctx context.Context, spec backend.ConnectSpec) (backend.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.openCount++
	conn := &Conn{
		driver:     d,
		ID:         d.openCount,
		valid:      true,
		autoCommit: true,
		isolation:  backend.IsolationRepeatableRead,
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// OpenXA implements backend.Driver.
func (d *Driver) OpenXA(ctx context.Context, spec backend.ConnectSpec) (backend.XAConn, error) {
	conn, err := d.Open(ctx, spec)
	if err != nil {
		return nil, err
	}
	xc := &XAConn{conn: conn.(*Conn)}
	xc.res = &XAResource{driver: d, owner: xc}
	d.mu.Lock()
	d.xaConns = append(d.xaConns, xc)
	d.mu.Unlock()
	return xc, nil
}

// OpenedConns returns every connection ever opened.
func (d *Driver) OpenedConns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// XAResources returns the fake resource handle of every XA connection ever
// opened, for identity assertions.
func (d *Driver) XAResources() []*XAResource {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*XAResource, 0, len(d.xaConns))
	for _, xc := range d.xaConns {
		out = append(out, xc.res)
	}
	return out
}

// PreparedXids returns the simulated transaction log contents.
func (d *Driver) PreparedXids() []*protocol.Xid {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*protocol.Xid, 0, len(d.prepared))
	for _, xid := range d.prepared {
		out = append(out, xid)
	}
	return out
}

// Committed returns the keys of committed branches in order.
func (d *Driver) Committed() []protocol.XidKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.XidKey(nil), d.committed...)
}

// RolledBack returns the keys of rolled-back branches in order.
func (d *Driver) RolledBack() []protocol.XidKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.XidKey(nil), d.rolledBack...)
}

// Conn is a fake logical connection. It records every statement and state
// change for assertions.
type Conn struct {
	driver *Driver
	ID     int

	mu          sync.Mutex
	valid       bool
	closed      bool
	autoCommit  bool
	isolation   backend.IsolationLevel
	inTx        bool
	ExecLog     []string
	Rollbacks   int
	Commits     int
	WarningsCleared int
}

// SetValid flips validation outcome, simulating a dead physical connection.
func (c *Conn) SetValid(valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = valid
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// InTransaction reports whether a local transaction is open.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

func (c *Conn) Exec(ctx context.Context, sql string, args []interface{}) (backend.Result, error) {
	c.mu.Lock()
	c.ExecLog = append(c.ExecLog, sql)
	c.mu.Unlock()

	c.driver.mu.Lock()
	err := c.driver.execErrors[sql]
	c.driver.mu.Unlock()
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{RowsAffected: 1}, nil
}

func (c *Conn) Query(ctx context.Context, sql string, args []interface{}) (backend.Rows, error) {
	c.mu.Lock()
	c.ExecLog = append(c.ExecLog, sql)
	c.mu.Unlock()

	c.driver.mu.Lock()
	result, ok := c.driver.queryResults[sql]
	c.driver.mu.Unlock()
	if !ok {
		result = QueryResult{Columns: []backend.ColumnMeta{{Name: "value", TypeName: "INT"}}}
	}
	return &fakeRows{result: result}, nil
}

func (c *Conn) Prepare(ctx context.Context, sql string) (backend.Stmt, error) {
	return &fakeStmt{conn: c, sql: sql}, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = true
	return nil
}

func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.Commits++
	return nil
}

func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.Rollbacks++
	return nil
}

func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoCommit = on
	if !on {
		c.inTx = true
	}
	return nil
}

func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

func (c *Conn) SetIsolation(ctx context.Context, level backend.IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolation = level
	return nil
}

func (c *Conn) Isolation() backend.IsolationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isolation
}

func (c *Conn) CreateBlob() (backend.Lob, error) { return &fakeLob{}, nil }
func (c *Conn) CreateClob() (backend.Lob, error) { return &fakeLob{}, nil }

func (c *Conn) IsValid(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid && !c.closed
}

func (c *Conn) ClearWarnings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WarningsCleared++
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeStmt struct {
	conn    *Conn
	sql     string
	batches [][]interface{}
}

func (s *fakeStmt) Exec(ctx context.Context, args []interface{}) (backend.Result, error) {
	return s.conn.Exec(ctx, s.sql, args)
}

func (s *fakeStmt) Query(ctx context.Context, args []interface{}) (backend.Rows, error) {
	return s.conn.Query(ctx, s.sql, args)
}

func (s *fakeStmt) AddBatch(args []interface{}) {
	s.batches = append(s.batches, args)
}

func (s *fakeStmt) ExecBatch(ctx context.Context) ([]int64, error) {
	counts := make([]int64, 0, len(s.batches))
	for _, args := range s.batches {
		res, err := s.conn.Exec(ctx, s.sql, args)
		if err != nil {
			return counts, err
		}
		counts = append(counts, res.RowsAffected)
	}
	s.batches = nil
	return counts, nil
}

func (s *fakeStmt) Close() error { return nil }

type fakeRows struct {
	result QueryResult
	pos    int
	closed bool
}

func (r *fakeRows) Columns() []backend.ColumnMeta { return r.result.Columns }

func (r *fakeRows) Next() ([]interface{}, error) {
	if r.closed || r.pos >= len(r.result.Rows) {
		return nil, io.EOF
	}
	row := r.result.Rows[r.pos]
	r.pos++
	return row, nil
}

func (r *fakeRows) Close() error {
	r.closed = true
	return nil
}

type fakeLob struct {
	mu   sync.Mutex
	data []byte
}

func (l *fakeLob) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = append(l.data, p...)
	return len(p), nil
}

func (l *fakeLob) ReadAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if off >= int64(len(l.data)) {
		return 0, io.EOF
	}
	n := copy(p, l.data[off:])
	if off+int64(n) == int64(len(l.data)) {
		return n, io.EOF
	}
	return n, nil
}

func (l *fakeLob) Length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.data))
}

func (l *fakeLob) Free() error { return nil }

// XAConn is the fake XA connection.
type XAConn struct {
	conn *Conn
	res  *XAResource
}

func (x *XAConn) Conn() backend.Conn           { return x.conn }
func (x *XAConn) Resource() backend.XAResource { return x.res }
func (x *XAConn) Close() error                 { return x.conn.Close() }

// LogicalConn exposes the fake logical connection for assertions.
func (x *XAConn) LogicalConn() *Conn { return x.conn }

// XACall records one XA verb invocation with the exact Xid instance used.
type XACall struct {
	Verb  string
	Xid   *protocol.Xid
	Flags int
}

// XAResource is the fake resource manager handle. PrepareVotes can force
// XA_RDONLY for specific branches.
type XAResource struct {
	driver *Driver
	owner  *XAConn

	mu           sync.Mutex
	Calls        []XACall
	active       map[protocol.XidKey]*protocol.Xid
	ended        map[protocol.XidKey]*protocol.Xid
	PrepareVotes map[protocol.XidKey]int
	timeout      int
	FailNext     map[string]error
}

func (r *XAResource) record(verb string, xid *protocol.Xid, flags int) {
	r.Calls = append(r.Calls, XACall{Verb: verb, Xid: xid, Flags: flags})
}

func (r *XAResource) failNext(verb string) error {
	if r.FailNext == nil {
		return nil
	}
	if err, ok := r.FailNext[verb]; ok {
		delete(r.FailNext, verb)
		return err
	}
	return nil
}

// CallsFor returns the recorded calls matching a verb.
func (r *XAResource) CallsFor(verb string) []XACall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []XACall
	for _, c := range r.Calls {
		if c.Verb == verb {
			out = append(out, c)
		}
	}
	return out
}

func (r *XAResource) Start(ctx context.Context, xid *protocol.Xid, flags int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("start", xid, flags)
	if err := r.failNext("start"); err != nil {
		return err
	}
	if r.active == nil {
		r.active = make(map[protocol.XidKey]*protocol.Xid)
	}
	r.active[xid.Key()] = xid
	return nil
}

func (r *XAResource) End(ctx context.Context, xid *protocol.Xid, flags int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("end", xid, flags)
	if err := r.failNext("end"); err != nil {
		return err
	}
	if r.ended == nil {
		r.ended = make(map[protocol.XidKey]*protocol.Xid)
	}
	delete(r.active, xid.Key())
	r.ended[xid.Key()] = xid
	return nil
}

func (r *XAResource) Prepare(ctx context.Context, xid *protocol.Xid) (int, error) {
	r.mu.Lock()
	r.record("prepare", xid, 0)
	err := r.failNext("prepare")
	vote := protocol.XAOK
	if r.PrepareVotes != nil {
		if v, ok := r.PrepareVotes[xid.Key()]; ok {
			vote = v
		}
	}
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if vote == protocol.XAOK {
		r.driver.mu.Lock()
		r.driver.prepared[xid.Key()] = xid
		r.driver.mu.Unlock()
	}
	return vote, nil
}

func (r *XAResource) Commit(ctx context.Context, xid *protocol.Xid, onePhase bool) error {
	r.mu.Lock()
	flags := 0
	if onePhase {
		flags = protocol.TMONEPHASE
	}
	r.record("commit", xid, flags)
	err := r.failNext("commit")
	r.mu.Unlock()
	if err != nil {
		return err
	}

	key := xid.Key()
	r.driver.mu.Lock()
	defer r.driver.mu.Unlock()
	if !onePhase {
		if _, ok := r.driver.prepared[key]; !ok {
			return protocol.NewXAError(protocol.XAERNotA, "branch %s not prepared", xid)
		}
	}
	delete(r.driver.prepared, key)
	r.driver.committed = append(r.driver.committed, key)
	return nil
}

func (r *XAResource) Rollback(ctx context.Context, xid *protocol.Xid) error {
	r.mu.Lock()
	r.record("rollback", xid, 0)
	err := r.failNext("rollback")
	r.mu.Unlock()
	if err != nil {
		return err
	}

	key := xid.Key()
	r.driver.mu.Lock()
	defer r.driver.mu.Unlock()
	delete(r.driver.prepared, key)
	r.driver.rolledBack = append(r.driver.rolledBack, key)
	return nil
}

// Recover returns the exact Xid instances held in the simulated transaction
// log; callers relying on instance identity get the same pointers back on
// every scan.
func (r *XAResource) Recover(ctx context.Context, flags int) ([]*protocol.Xid, error) {
	r.mu.Lock()
	r.record("recover", nil, flags)
	r.mu.Unlock()
	if flags&protocol.TMSTARTRSCAN == 0 && flags != protocol.TMNOFLAGS {
		return nil, nil
	}
	r.driver.mu.Lock()
	defer r.driver.mu.Unlock()
	out := make([]*protocol.Xid, 0, len(r.driver.prepared))
	for _, xid := range r.driver.prepared {
		out = append(out, xid)
	}
	return out, nil
}

func (r *XAResource) Forget(ctx context.Context, xid *protocol.Xid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("forget", xid, 0)
	return nil
}

func (r *XAResource) SetTransactionTimeout(seconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = seconds
	return nil
}

func (r *XAResource) GetTransactionTimeout() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

func (r *XAResource) IsSameRM(other backend.XAResource) bool {
	fake, ok := other.(*XAResource)
	return ok && fake.driver == r.driver
}

var _ backend.Driver = (*Driver)(nil)

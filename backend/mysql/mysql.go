// Package mysql implements the backend driver SPI over go-sql-driver/mysql.
// XA support uses MySQL's XA statement dialect (XA START/END/PREPARE/COMMIT/
// ROLLBACK/RECOVER) executed on a pinned physical connection, which gives the
// same branch semantics the JDBC XAConnection exposes.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// Driver opens MySQL-backed connections. One *sql.DB is kept per distinct
// DSN purely as a connection factory; every backend.Conn pins its own
// physical connection out of it.
type Driver struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// New creates the driver.
func New() *Driver {
	return &Driver{dbs: make(map[string]*sql.DB)}
}

func (d *Driver) db(spec backend.ConnectSpec) (*sql.DB, error) {
	dsn, err := dsnFromSpec(spec)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.dbs[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	// The pool above this driver owns sizing; the factory keeps no idle.
	db.SetMaxIdleConns(0)
	d.dbs[dsn] = db
	return db, nil
}

// Open implements backend.Driver.
func (d *Driver) Open(ctx context.Context, spec backend.ConnectSpec) (backend.Conn, error) {
	db, err := d.db(spec)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &mysqlConn{conn: conn, autoCommit: true, isolation: backend.IsolationRepeatableRead}, nil
}

// OpenXA implements backend.Driver.
func (d *Driver) OpenXA(ctx context.Context, spec backend.ConnectSpec) (backend.XAConn, error) {
	conn, err := d.Open(ctx, spec)
	if err != nil {
		return nil, err
	}
	mc := conn.(*mysqlConn)
	return &mysqlXAConn{conn: mc, res: &mysqlXAResource{conn: mc, timeoutSeconds: 0}}, nil
}

// dsnFromSpec accepts either a native go-sql-driver DSN or a mysql:// /
// jdbc:mysql:// URL and produces a DSN with credentials applied.
func dsnFromSpec(spec backend.ConnectSpec) (string, error) {
	raw := strings.TrimPrefix(spec.URL, "jdbc:")
	if strings.HasPrefix(raw, "mysql://") || strings.HasPrefix(raw, "mariadb://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parse backend url: %w", err)
		}
		cfg := mysql.NewConfig()
		cfg.User = spec.User
		cfg.Passwd = spec.Password
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		cfg.Params = map[string]string{}
		for k, vs := range u.Query() {
			if len(vs) > 0 {
				cfg.Params[k] = vs[0]
			}
		}
		for k, v := range spec.Properties {
			cfg.Params[k] = v
		}
		return cfg.FormatDSN(), nil
	}
	// Native DSN passthrough.
	if _, err := mysql.ParseDSN(raw); err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	return raw, nil
}

// translate preserves the MySQL error number and SQLSTATE on the wire form.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if asMySQL(err, &myErr) {
		return &protocol.SQLError{
			SQLState:   string(myErr.SQLState[:]),
			VendorCode: int(myErr.Number),
			Message:    myErr.Message,
		}
	}
	return err
}

func asMySQL(err error, target **mysql.MySQLError) bool {
	for err != nil {
		if me, ok := err.(*mysql.MySQLError); ok {
			*target = me
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

type mysqlConn struct {
	conn       *sql.Conn
	autoCommit bool
	isolation  backend.IsolationLevel
	closed     bool
}

func (c *mysqlConn) Exec(ctx context.Context, sqlText string, args []interface{}) (backend.Result, error) {
	res, err := c.conn.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return backend.Result{}, translate(err)
	}
	out := backend.Result{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		out.LastInsertID = id
		out.GeneratedKeys = [][]interface{}{{id}}
	}
	return out, nil
}

func (c *mysqlConn) Query(ctx context.Context, sqlText string, args []interface{}) (backend.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, translate(err)
	}
	return newRows(rows)
}

func (c *mysqlConn) Prepare(ctx context.Context, sqlText string) (backend.Stmt, error) {
	stmt, err := c.conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, translate(err)
	}
	return &mysqlStmt{stmt: stmt}, nil
}

func (c *mysqlConn) Begin(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "START TRANSACTION")
	return translate(err)
}

func (c *mysqlConn) Commit(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "COMMIT")
	return translate(err)
}

func (c *mysqlConn) Rollback(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "ROLLBACK")
	return translate(err)
}

func (c *mysqlConn) SetAutoCommit(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if _, err := c.conn.ExecContext(ctx, fmt.Sprintf("SET autocommit=%d", v)); err != nil {
		return translate(err)
	}
	c.autoCommit = on
	return nil
}

func (c *mysqlConn) AutoCommit() bool { return c.autoCommit }

var isolationSQL = map[backend.IsolationLevel]string{
	backend.IsolationReadUncommitted: "READ UNCOMMITTED",
	backend.IsolationReadCommitted:   "READ COMMITTED",
	backend.IsolationRepeatableRead:  "REPEATABLE READ",
	backend.IsolationSerializable:    "SERIALIZABLE",
}

func (c *mysqlConn) SetIsolation(ctx context.Context, level backend.IsolationLevel) error {
	name, ok := isolationSQL[level]
	if !ok {
		return fmt.Errorf("%w: isolation level %d", protocol.ErrUnsupported, level)
	}
	if _, err := c.conn.ExecContext(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL "+name); err != nil {
		return translate(err)
	}
	c.isolation = level
	return nil
}

func (c *mysqlConn) Isolation() backend.IsolationLevel { return c.isolation }

func (c *mysqlConn) CreateBlob() (backend.Lob, error) { return newMemoryLob(), nil }
func (c *mysqlConn) CreateClob() (backend.Lob, error) { return newMemoryLob(), nil }

func (c *mysqlConn) IsValid(timeout time.Duration) bool {
	if c.closed {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.conn.PingContext(ctx) == nil
}

func (c *mysqlConn) ClearWarnings() error { return nil }

func (c *mysqlConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

type mysqlStmt struct {
	stmt    *sql.Stmt
	batches [][]interface{}
}

func (s *mysqlStmt) Exec(ctx context.Context, args []interface{}) (backend.Result, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return backend.Result{}, translate(err)
	}
	out := backend.Result{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		out.LastInsertID = id
		out.GeneratedKeys = [][]interface{}{{id}}
	}
	return out, nil
}

func (s *mysqlStmt) Query(ctx context.Context, args []interface{}) (backend.Rows, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, translate(err)
	}
	return newRows(rows)
}

func (s *mysqlStmt) AddBatch(args []interface{}) {
	s.batches = append(s.batches, args)
}

func (s *mysqlStmt) ExecBatch(ctx context.Context) ([]int64, error) {
	counts := make([]int64, 0, len(s.batches))
	for _, args := range s.batches {
		res, err := s.Exec(ctx, args)
		if err != nil {
			s.batches = nil
			return counts, err
		}
		counts = append(counts, res.RowsAffected)
	}
	s.batches = nil
	return counts, nil
}

func (s *mysqlStmt) Close() error { return s.stmt.Close() }

type mysqlRows struct {
	rows *sql.Rows
	cols []backend.ColumnMeta
}

func newRows(rows *sql.Rows) (*mysqlRows, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, translate(err)
	}
	cols := make([]backend.ColumnMeta, len(types))
	for i, t := range types {
		nullable, _ := t.Nullable()
		precision, scale, _ := t.DecimalSize()
		cols[i] = backend.ColumnMeta{
			Name:      t.Name(),
			TypeName:  t.DatabaseTypeName(),
			Nullable:  nullable,
			Precision: precision,
			Scale:     scale,
		}
	}
	return &mysqlRows{rows: rows, cols: cols}, nil
}

func (r *mysqlRows) Columns() []backend.ColumnMeta { return r.cols }

func (r *mysqlRows) Next() ([]interface{}, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, translate(err)
		}
		return nil, io.EOF
	}
	dest := make([]interface{}, len(r.cols))
	for i := range dest {
		dest[i] = new(interface{})
	}
	if err := r.rows.Scan(dest...); err != nil {
		return nil, translate(err)
	}
	row := make([]interface{}, len(r.cols))
	for i, d := range dest {
		row[i] = convertValue(*(d.(*interface{})), r.cols[i].TypeName)
	}
	return row, nil
}

func (r *mysqlRows) Close() error { return r.rows.Close() }

// convertValue normalizes driver values for JSON transit. Numeric and text
// types arrive as []byte from the MySQL driver; strings preserve precision
// across the wire better than floats.
func convertValue(val interface{}, typeName string) interface{} {
	b, ok := val.([]byte)
	if !ok {
		return val
	}
	switch typeName {
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY":
		return b
	default:
		return string(b)
	}
}

package client

import (
	"context"
	"database/sql/driver"
	"io"
	"time"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// Rows cursors over a proxied result set, pulling further batches with
// fetchNextRows as the local buffer drains.
type Rows struct {
	conn        *Conn
	columns     []protocol.ColumnMeta
	buffer      [][]interface{}
	pos         int
	resultSetID string
	moreRows    bool
	closed      bool
}

func newRows(conn *Conn, result *protocol.OpResult) *Rows {
	return &Rows{
		conn:        conn,
		columns:     result.Columns,
		buffer:      result.Rows,
		resultSetID: result.ResultSetID,
		moreRows:    result.MoreRows,
	}
}

// Columns implements driver.Rows.
func (r *Rows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.Name
	}
	return names
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *Rows) ColumnTypeDatabaseTypeName(index int) string {
	if index < len(r.columns) {
		return r.columns[index].TypeName
	}
	return ""
}

// Close implements driver.Rows. The server releases the cursor when it is
// exhausted or when the session terminates.
func (r *Rows) Close() error {
	r.closed = true
	r.buffer = nil
	return nil
}

// Next implements driver.Rows.
func (r *Rows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}
	if r.pos >= len(r.buffer) {
		if !r.moreRows {
			return io.EOF
		}
		if err := r.fetchNext(); err != nil {
			return err
		}
		if len(r.buffer) == 0 {
			return io.EOF
		}
	}
	row := r.buffer[r.pos]
	r.pos++
	for i := range dest {
		if i < len(row) {
			dest[i] = row[i]
		} else {
			dest[i] = nil
		}
	}
	return nil
}

func (r *Rows) fetchNext() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := r.conn.manager.CallSession(ctx, r.conn.SessionID(), protocol.VerbFetchNextRows, &protocol.ResultSetFetchRequest{
		Session:     r.conn.primary.Info,
		ResultSetID: r.resultSetID,
	})
	if err != nil {
		return err
	}
	var result protocol.OpResult
	if err := protocol.Unmarshal(resp.Payload, &result); err != nil {
		return err
	}
	r.buffer = result.Rows
	r.pos = 0
	r.moreRows = result.MoreRows
	return nil
}

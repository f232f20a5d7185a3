package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

// handleExecuteUpdate runs an update (or batch) statement on the session's
// connection.
func handleExecuteUpdate(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	return executeStatement(ctx, hc, req, false)
}

// handleExecuteQuery runs a query and streams the first row batch back with
// the captured column metadata.
func handleExecuteQuery(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	return executeStatement(ctx, hc, req, true)
}

func executeStatement(ctx context.Context, hc *Context, req *protocol.Request, isQuery bool) (*protocol.Response, error) {
	var stmtReq protocol.StatementRequest
	if err := protocol.Unmarshal(req.Payload, &stmtReq); err != nil {
		return nil, fmt.Errorf("decode statement payload: %w", err)
	}
	// Statements are session-scoped by contract; affinity-flagged SQL makes
	// a missing session a hard error rather than a routing fallback.
	if stmtReq.Session == nil || stmtReq.Session.SessionID == "" {
		if RequiresAffinity(stmtReq.SQL) {
			return nil, fmt.Errorf("%w: affinity statement requires a session", protocol.ErrInvalidState)
		}
		return nil, fmt.Errorf("%w: statement without session", protocol.ErrInvalidState)
	}

	session, err := hc.resolveSession(stmtReq.Session)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	if err := hc.ensureConn(ctx, session); err != nil {
		return nil, err
	}

	stmtFp := StatementFingerprint(stmtReq.SQL)
	if !hc.Breaker.Allow(stmtFp) {
		return nil, hc.Breaker.FailFastError(stmtReq.SQL)
	}

	args, err := bindParams(session, stmtReq.Params)
	if err != nil {
		return nil, err
	}

	segregator := hc.Registry.SlowQuery(session.Fingerprint)
	var result *protocol.OpResult
	execErr := segregator.Execute(ctx, stmtFp, func() error {
		var innerErr error
		if isQuery {
			result, innerErr = runQuery(ctx, hc, session, &stmtReq, args)
		} else {
			result, innerErr = runUpdate(ctx, hc, session, &stmtReq, args)
		}
		return innerErr
	})
	if execErr != nil {
		// Only connection-class failures count against the circuit; a bad
		// statement on a healthy connection is the client's problem.
		if conn := session.Conn(); conn != nil && !conn.IsValid(time.Second) {
			hc.Breaker.RecordFailure(stmtFp)
		}
		return nil, execErr
	}
	hc.Breaker.RecordSuccess(stmtFp)

	result.Session = hc.sessionInfo(session)
	return protocol.OKResponse(result)
}

func runUpdate(ctx context.Context, hc *Context, session *Session, stmtReq *protocol.StatementRequest, args []interface{}) (*protocol.OpResult, error) {
	conn := session.Conn()

	switch {
	case stmtReq.Flags.BatchAdd:
		stmt, err := batchStatement(ctx, session, stmtReq)
		if err != nil {
			return nil, err
		}
		stmt.AddBatch(args)
		return &protocol.OpResult{}, nil

	case stmtReq.Flags.BatchExecute:
		stmt, err := batchStatement(ctx, session, stmtReq)
		if err != nil {
			return nil, err
		}
		if len(args) > 0 {
			stmt.AddBatch(args)
		}
		counts, err := stmt.ExecBatch(ctx)
		if err != nil {
			return nil, err
		}
		var total int64
		for _, c := range counts {
			total += c
		}
		return &protocol.OpResult{UpdateCount: total, BatchCounts: counts}, nil

	default:
		result, err := conn.Exec(ctx, stmtReq.SQL, args)
		if err != nil {
			return nil, err
		}
		out := &protocol.OpResult{UpdateCount: result.RowsAffected}
		if stmtReq.Flags.ReturnGeneratedKeys {
			out.GeneratedKeys = result.GeneratedKeys
		}
		return out, nil
	}
}

// batchStatement reuses the session's prepared statement for the batch, or
// prepares and registers one under the request's statement id.
func batchStatement(ctx context.Context, session *Session, stmtReq *protocol.StatementRequest) (backend.Stmt, error) {
	id := stmtReq.StatementID
	if id == "" {
		id = StatementFingerprint(stmtReq.SQL)
	}
	if stmt, err := session.Statement(id); err == nil {
		return stmt, nil
	}
	stmt, err := session.Conn().Prepare(ctx, stmtReq.SQL)
	if err != nil {
		return nil, err
	}
	if err := session.PutStatement(id, stmt); err != nil {
		_ = stmt.Close()
		return nil, err
	}
	return stmt, nil
}

func runQuery(ctx context.Context, hc *Context, session *Session, stmtReq *protocol.StatementRequest, args []interface{}) (*protocol.OpResult, error) {
	rows, err := session.Conn().Query(ctx, stmtReq.SQL, args)
	if err != nil {
		return nil, err
	}

	fetchSize := stmtReq.FetchSize
	if fetchSize <= 0 {
		fetchSize = hc.Cfg.FetchSize
	}

	columns := rows.Columns()
	batch, done, err := readBatch(rows, fetchSize)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}

	result := &protocol.OpResult{
		Columns: toWireColumns(columns),
		Rows:    batch,
	}
	if done {
		_ = rows.Close()
		return result, nil
	}

	rs := &openResultSet{id: uuid.NewString(), rows: rows, columns: columns}
	if err := session.PutResultSet(rs); err != nil {
		_ = rows.Close()
		return nil, err
	}
	result.ResultSetID = rs.id
	result.MoreRows = true
	return result, nil
}

// handleFetchNextRows streams the next batch of an open result set.
func handleFetchNextRows(ctx context.Context, hc *Context, req *protocol.Request) (*protocol.Response, error) {
	var fetchReq protocol.ResultSetFetchRequest
	if err := protocol.Unmarshal(req.Payload, &fetchReq); err != nil {
		return nil, fmt.Errorf("decode fetch payload: %w", err)
	}
	session, err := hc.resolveSession(fetchReq.Session)
	if err != nil {
		return nil, err
	}
	defer session.Unlock()

	rs, err := session.ResultSet(fetchReq.ResultSetID)
	if err != nil {
		return nil, err
	}
	fetchSize := fetchReq.FetchSize
	if fetchSize <= 0 {
		fetchSize = hc.Cfg.FetchSize
	}
	batch, done, err := readBatch(rs.rows, fetchSize)
	if err != nil {
		session.RemoveResultSet(rs.id)
		return nil, err
	}
	result := &protocol.OpResult{
		Session:     hc.sessionInfo(session),
		ResultSetID: rs.id,
		Columns:     toWireColumns(rs.columns),
		Rows:        batch,
		MoreRows:    !done,
	}
	if done {
		rs.exhausted = true
		session.RemoveResultSet(rs.id)
	}
	return protocol.OKResponse(result)
}

func readBatch(rows backend.Rows, fetchSize int) ([][]interface{}, bool, error) {
	batch := make([][]interface{}, 0, fetchSize)
	for len(batch) < fetchSize {
		row, err := rows.Next()
		if err == io.EOF {
			return batch, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		batch = append(batch, row)
	}
	return batch, false, nil
}

func toWireColumns(cols []backend.ColumnMeta) []protocol.ColumnMeta {
	out := make([]protocol.ColumnMeta, len(cols))
	for i, c := range cols {
		out[i] = protocol.ColumnMeta{
			Name:      c.Name,
			TypeName:  c.TypeName,
			Nullable:  c.Nullable,
			Precision: c.Precision,
			Scale:     c.Scale,
		}
	}
	return out
}

// bindParams converts wire parameters to driver values positionally. LOB
// references resolve against the session's LOB table.
func bindParams(session *Session, params []protocol.Param) ([]interface{}, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make([]interface{}, len(params))
	for i, p := range params {
		v, err := bindParam(session, p)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func bindParam(session *Session, p protocol.Param) (interface{}, error) {
	switch p.Type {
	case protocol.ParamNull:
		return nil, nil
	case protocol.ParamString, protocol.ParamDecimal:
		s, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s parameter is %T", protocol.ErrInvalidState, p.Type, p.Value)
		}
		return s, nil
	case protocol.ParamInt:
		switch v := p.Value.(type) {
		case float64:
			return int64(v), nil
		case int64:
			return v, nil
		}
		return nil, fmt.Errorf("%w: INT parameter is %T", protocol.ErrInvalidState, p.Value)
	case protocol.ParamFloat:
		v, ok := p.Value.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: FLOAT parameter is %T", protocol.ErrInvalidState, p.Value)
		}
		return v, nil
	case protocol.ParamBool:
		v, ok := p.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: BOOL parameter is %T", protocol.ErrInvalidState, p.Value)
		}
		return v, nil
	case protocol.ParamBytes:
		// JSON transit carries bytes base64-encoded.
		s, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: BYTES parameter is %T", protocol.ErrInvalidState, p.Value)
		}
		return base64.StdEncoding.DecodeString(s)
	case protocol.ParamTime:
		s, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: TIME parameter is %T", protocol.ErrInvalidState, p.Value)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return t, nil
	case protocol.ParamLobRef:
		id, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: LOB_REF parameter is %T", protocol.ErrInvalidState, p.Value)
		}
		l, err := session.Lob(id)
		if err != nil {
			return nil, err
		}
		return readLobFully(l.lob)
	default:
		return nil, fmt.Errorf("%w: parameter type %s", protocol.ErrUnsupported, p.Type)
	}
}

func readLobFully(l backend.Lob) ([]byte, error) {
	size := l.Length()
	buf := make([]byte, size)
	var off int64
	for off < size {
		n, err := l.ReadAt(buf[off:], off)
		off += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf[:off], nil
}

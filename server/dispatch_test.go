package server

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/backend/backendtest"
	"github.com/openjdbcproxy/ojp-go/protocol"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, protocol.Caller, *backendtest.Driver) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Endpoint = "node-a:1059"
	cfg.MonitoringEnabled = false
	cfg.SessionCleanupEnabled = false
	cfg.Workers = 4
	cfg.QueueSize = 64
	cfg.PoolBorrowTimeout = 200 * time.Millisecond
	cfg.LobBlockSize = 32
	cfg.FetchSize = 3
	if mutate != nil {
		mutate(cfg)
	}

	driver := backendtest.NewDriver()
	bus := protocol.NewInprocBus()
	srv := New(cfg, driver, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	bus.Register(cfg.Endpoint, srv.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})
	return srv, bus.Caller(), driver
}

func call(t *testing.T, caller protocol.Caller, verb protocol.Verb, payload interface{}) *protocol.Response {
	t.Helper()
	req, err := protocol.NewRequest(verb, payload)
	require.NoError(t, err)
	resp, err := caller.Call(context.Background(), "node-a:1059", req)
	require.NoError(t, err)
	return resp
}

func callOK(t *testing.T, caller protocol.Caller, verb protocol.Verb, payload, out interface{}) {
	t.Helper()
	resp := call(t, caller, verb, payload)
	require.Equalf(t, protocol.StatusOK, resp.Status, "verb %s failed: %+v", verb, resp.Error)
	if out != nil {
		require.NoError(t, protocol.Unmarshal(resp.Payload, out))
	}
}

func connectSession(t *testing.T, caller protocol.Caller, isXA bool) *protocol.SessionInfo {
	t.Helper()
	var info protocol.SessionInfo
	callOK(t, caller, protocol.VerbConnect, &protocol.ConnectionDetails{
		URL:      "jdbc:mysql://db:3306/app",
		User:     "app",
		Password: "secret",
		ClientID: "client-1",
		IsXA:     isXA,
	}, &info)
	require.NotEmpty(t, info.SessionID)
	return &info
}

func TestConnectCreatesBoundSession(t *testing.T) {
	srv, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	assert.Equal(t, "node-a:1059", info.TargetServer)
	assert.NotEmpty(t, info.Fingerprint)
	assert.False(t, info.IsXA)
	assert.Equal(t, 1, srv.Context().Sessions.Count())
}

func TestExecuteUpdateRunsOnBackend(t *testing.T) {
	_, caller, driver := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	var result protocol.OpResult
	callOK(t, caller, protocol.VerbExecuteUpdate, &protocol.StatementRequest{
		Session: info,
		SQL:     "INSERT INTO t(id) VALUES(?)",
		Params:  []protocol.Param{{Type: protocol.ParamInt, Value: float64(1)}},
	}, &result)
	assert.Equal(t, int64(1), result.UpdateCount)

	conns := driver.OpenedConns()
	require.Len(t, conns, 1)
	assert.Contains(t, conns[0].ExecLog, "INSERT INTO t(id) VALUES(?)")
}

func TestQueryPaginatesWithFetchNextRows(t *testing.T) {
	_, caller, driver := newTestServer(t, nil)

	var rows [][]interface{}
	for i := 0; i < 10; i++ {
		rows = append(rows, []interface{}{float64(i)})
	}
	driver.StubQuery("SELECT id FROM t", backendtest.QueryResult{
		Columns: []backend.ColumnMeta{{Name: "id", TypeName: "INT"}},
		Rows:    rows,
	})

	info := connectSession(t, caller, false)
	var first protocol.OpResult
	callOK(t, caller, protocol.VerbExecuteQuery, &protocol.StatementRequest{
		Session: info,
		SQL:     "SELECT id FROM t",
	}, &first)

	require.Len(t, first.Rows, 3, "first batch honors the fetch size")
	require.True(t, first.MoreRows)
	require.NotEmpty(t, first.ResultSetID)
	require.Equal(t, "id", first.Columns[0].Name)

	total := len(first.Rows)
	for {
		var batch protocol.OpResult
		callOK(t, caller, protocol.VerbFetchNextRows, &protocol.ResultSetFetchRequest{
			Session:     info,
			ResultSetID: first.ResultSetID,
		}, &batch)
		total += len(batch.Rows)
		if !batch.MoreRows {
			break
		}
	}
	assert.Equal(t, 10, total)
}

func TestLobRoundTrip(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	// Sizes from empty through 8x the 32-byte block size.
	for _, size := range []int{0, 1, 31, 32, 100, 256} {
		data := bytes.Repeat([]byte{0xA5}, size)
		for i := range data {
			data[i] = byte(i)
		}

		var ref protocol.LobReference
		callOK(t, caller, protocol.VerbLobCreate, &protocol.LobCreateRequest{Session: info, Kind: protocol.LobBlob}, &ref)

		const uploadBlock = 32
		pos := 0
		for {
			end := pos + uploadBlock
			if end > size {
				end = size
			}
			last := end == size
			callOK(t, caller, protocol.VerbLobUpload, &protocol.LobDataBlock{
				Session:  info,
				LobID:    ref.LobID,
				Position: int64(pos),
				Data:     data[pos:end],
				Last:     last,
			}, &ref)
			pos = end
			if last {
				break
			}
		}
		require.Equal(t, int64(size), ref.Length)

		req, err := protocol.NewRequest(protocol.VerbReadLob, &protocol.ReadLobRequest{
			Session: info,
			LobID:   ref.LobID,
		})
		require.NoError(t, err)
		stream, err := caller.CallStream(context.Background(), "node-a:1059", req)
		require.NoError(t, err)

		var got []byte
		for {
			resp, err := stream.Recv(context.Background())
			if err == protocol.ErrStreamClosed {
				break
			}
			require.NoError(t, err)
			require.Equal(t, protocol.StatusOK, resp.Status)
			var block protocol.LobDataBlock
			require.NoError(t, protocol.Unmarshal(resp.Payload, &block))
			got = append(got, block.Data...)
			if resp.Last {
				break
			}
		}
		assert.Equalf(t, data, got, "size %d round trip", size)
	}
}

func TestLobUploadOutOfOrderRejected(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	var ref protocol.LobReference
	callOK(t, caller, protocol.VerbLobCreate, &protocol.LobCreateRequest{Session: info, Kind: protocol.LobBlob}, &ref)

	resp := call(t, caller, protocol.VerbLobUpload, &protocol.LobDataBlock{
		Session:  info,
		LobID:    ref.LobID,
		Position: 64,
		Data:     []byte{1, 2, 3},
	})
	assert.Equal(t, protocol.StatusInvalidState, resp.Status)
}

func TestLocalTransactionLifecycle(t *testing.T) {
	_, caller, driver := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	var started protocol.SessionInfo
	callOK(t, caller, protocol.VerbStartTransaction, info, &started)
	require.NotNil(t, started.TransactionInfo)
	assert.Equal(t, protocol.TxStatusActive, started.TransactionInfo.Status)
	assert.NotEmpty(t, started.TransactionInfo.TransactionID)

	var committed protocol.SessionInfo
	callOK(t, caller, protocol.VerbCommitTransaction, info, &committed)
	assert.Equal(t, protocol.TxStatusCommitted, committed.TransactionInfo.Status)

	conns := driver.OpenedConns()
	require.Len(t, conns, 1)
	assert.Equal(t, 1, conns[0].Commits)
	assert.True(t, conns[0].AutoCommit(), "session returns to autocommit after commit")
}

func TestCommitWithoutTransactionFails(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	resp := call(t, caller, protocol.VerbCommitTransaction, info)
	assert.Equal(t, protocol.StatusInvalidState, resp.Status)
}

func TestTerminateIsIdempotent(t *testing.T) {
	srv, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	var status protocol.SessionTerminationStatus
	callOK(t, caller, protocol.VerbTerminateSession, info, &status)
	assert.True(t, status.Terminated)
	assert.Equal(t, 0, srv.Context().Sessions.Count())

	callOK(t, caller, protocol.VerbTerminateSession, info, &status)
	assert.True(t, status.Terminated, "second terminate reports success")
}

func TestOperationsOnTerminatedSessionFail(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	var status protocol.SessionTerminationStatus
	callOK(t, caller, protocol.VerbTerminateSession, info, &status)

	resp := call(t, caller, protocol.VerbExecuteQuery, &protocol.StatementRequest{Session: info, SQL: "SELECT 1"})
	assert.Equal(t, protocol.StatusNotFound, resp.Status)
}

func TestStatementWithoutSessionRefused(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	connectSession(t, caller, false)

	resp := call(t, caller, protocol.VerbExecuteUpdate, &protocol.StatementRequest{SQL: "CREATE TEMPORARY TABLE x (id INT)"})
	assert.Equal(t, protocol.StatusInvalidState, resp.Status)
}

func TestCallResourceMetadataChain(t *testing.T) {
	_, caller, driver := newTestServer(t, nil)
	driver.StubQuery("SELECT a, b FROM t", backendtest.QueryResult{
		Columns: []backend.ColumnMeta{
			{Name: "a", TypeName: "INT"},
			{Name: "b", TypeName: "VARCHAR"},
		},
		Rows: [][]interface{}{{float64(1), "x"}, {float64(2), "y"}, {float64(3), "z"}, {float64(4), "w"}},
	})

	info := connectSession(t, caller, false)
	var result protocol.OpResult
	callOK(t, caller, protocol.VerbExecuteQuery, &protocol.StatementRequest{Session: info, SQL: "SELECT a, b FROM t"}, &result)
	require.NotEmpty(t, result.ResultSetID)

	var resp protocol.CallResourceResponse
	callOK(t, caller, protocol.VerbCallResource, &protocol.CallResourceRequest{
		Session: info,
		Kind:    protocol.ResResultSet,
		UUID:    result.ResultSetID,
		Method:  "getMetaData",
		NextCall: &protocol.CallResourceRequest{
			Method: "getColumnCount",
		},
	}, &resp)
	var count int
	require.NoError(t, protocol.Unmarshal(resp.Value, &count))
	assert.Equal(t, 2, count)

	callOK(t, caller, protocol.VerbCallResource, &protocol.CallResourceRequest{
		Session: info,
		Kind:    protocol.ResResultSet,
		UUID:    result.ResultSetID,
		Method:  "getMetaData",
		NextCall: &protocol.CallResourceRequest{
			Method: "getColumnName",
			Params: []protocol.Param{{Type: protocol.ParamInt, Value: float64(2)}},
		},
	}, &resp)
	var name string
	require.NoError(t, protocol.Unmarshal(resp.Value, &name))
	assert.Equal(t, "b", name)
}

func TestCallResourceUnknownMethodRefused(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	resp := call(t, caller, protocol.VerbCallResource, &protocol.CallResourceRequest{
		Session: info,
		Kind:    protocol.ResConnection,
		Method:  "createStatement",
	})
	assert.Equal(t, protocol.StatusUnsupported, resp.Status)
}

// Scenario: one borrower sets SERIALIZABLE; after its session closes, the
// next session on the same fingerprint observes the configured default.
func TestIsolationResetBetweenSessions(t *testing.T) {
	_, caller, _ := newTestServer(t, func(cfg *Config) {
		cfg.PoolMaxOpen = 1
		cfg.PoolMinIdle = 0
	})

	first := connectSession(t, caller, false)
	var set protocol.CallResourceResponse
	callOK(t, caller, protocol.VerbCallResource, &protocol.CallResourceRequest{
		Session: first,
		Kind:    protocol.ResConnection,
		Method:  "setTransactionIsolation",
		Params:  []protocol.Param{{Type: protocol.ParamInt, Value: float64(int(backend.IsolationSerializable))}},
	}, &set)

	var status protocol.SessionTerminationStatus
	callOK(t, caller, protocol.VerbTerminateSession, first, &status)

	time.Sleep(50 * time.Millisecond)

	second := connectSession(t, caller, false)
	var got protocol.CallResourceResponse
	callOK(t, caller, protocol.VerbCallResource, &protocol.CallResourceRequest{
		Session: second,
		Kind:    protocol.ResConnection,
		Method:  "getTransactionIsolation",
	}, &got)
	var level int
	require.NoError(t, protocol.Unmarshal(got.Value, &level))
	assert.Equal(t, int(backend.IsolationReadCommitted), level)
}

func TestReaperTerminatesOnlyExpiredSessions(t *testing.T) {
	srv, caller, _ := newTestServer(t, nil)
	expired := connectSession(t, caller, false)
	active := connectSession(t, caller, false)

	manager := srv.Context().Sessions
	reaper := NewReaper(manager, 50*time.Millisecond, 10*time.Millisecond, zerolog.Nop())

	time.Sleep(70 * time.Millisecond)
	// Keep the second session active past the threshold.
	activeSession, err := manager.Get(active.SessionID)
	require.NoError(t, err)
	activeSession.Touch()

	reaper.Sweep(context.Background())

	_, err = manager.Get(expired.SessionID)
	assert.Error(t, err, "expired session is terminated within one sweep")
	_, err = manager.Get(active.SessionID)
	assert.NoError(t, err, "active session is never terminated")
}

func TestReaperSkipsSessionsWithInFlightLobStream(t *testing.T) {
	srv, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	// An open inbound stream (no final block yet) holds a stream lease.
	var ref protocol.LobReference
	callOK(t, caller, protocol.VerbLobCreate, &protocol.LobCreateRequest{Session: info, Kind: protocol.LobBlob}, &ref)

	manager := srv.Context().Sessions
	reaper := NewReaper(manager, 30*time.Millisecond, 10*time.Millisecond, zerolog.Nop())
	time.Sleep(50 * time.Millisecond)
	reaper.Sweep(context.Background())

	_, err := manager.Get(info.SessionID)
	assert.NoError(t, err, "session with in-flight lob stream survives the sweep")

	// Sealing the stream releases the lease; the next sweep reaps it.
	callOK(t, caller, protocol.VerbLobUpload, &protocol.LobDataBlock{
		Session: info, LobID: ref.LobID, Position: 0, Data: []byte{1}, Last: true,
	}, &ref)
	time.Sleep(50 * time.Millisecond)
	reaper.Sweep(context.Background())
	_, err = manager.Get(info.SessionID)
	assert.Error(t, err)
}

func TestXAVerbOnNonXASessionRefused(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	resp := call(t, caller, protocol.VerbXAStart, &protocol.XARequest{
		Session: info,
		Xid:     &protocol.Xid{FormatID: 1, GTRID: []byte{1}, BQUAL: []byte{2}},
	})
	assert.Equal(t, protocol.StatusInvalidState, resp.Status)
}

func TestBatchExecuteAccumulates(t *testing.T) {
	_, caller, _ := newTestServer(t, nil)
	info := connectSession(t, caller, false)

	stmtReq := &protocol.StatementRequest{
		Session:     info,
		StatementID: "batch-1",
		SQL:         "INSERT INTO t(id) VALUES(?)",
		Params:      []protocol.Param{{Type: protocol.ParamInt, Value: float64(1)}},
		Flags:       protocol.StatementFlags{BatchAdd: true},
	}
	var result protocol.OpResult
	callOK(t, caller, protocol.VerbExecuteUpdate, stmtReq, &result)

	stmtReq.Params = []protocol.Param{{Type: protocol.ParamInt, Value: float64(2)}}
	callOK(t, caller, protocol.VerbExecuteUpdate, stmtReq, &result)

	exec := &protocol.StatementRequest{
		Session:     info,
		StatementID: "batch-1",
		SQL:         "INSERT INTO t(id) VALUES(?)",
		Flags:       protocol.StatementFlags{BatchExecute: true},
	}
	callOK(t, caller, protocol.VerbExecuteUpdate, exec, &result)
	assert.Equal(t, []int64{1, 1}, result.BatchCounts)
	assert.Equal(t, int64(2), result.UpdateCount)
}

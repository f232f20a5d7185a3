package client

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdbcproxy/ojp-go/backend/backendtest"
	"github.com/openjdbcproxy/ojp-go/protocol"
	"github.com/openjdbcproxy/ojp-go/server"
)

// startCluster runs one in-process server per endpoint, each with its own
// fake backend database.
func startCluster(t *testing.T, endpoints []string) (*protocol.InprocBus, map[string]*backendtest.Driver, map[string]*server.Server) {
	t.Helper()
	bus := protocol.NewInprocBus()
	drivers := make(map[string]*backendtest.Driver)
	servers := make(map[string]*server.Server)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, endpoint := range endpoints {
		cfg := server.DefaultConfig()
		cfg.Endpoint = endpoint
		cfg.MonitoringEnabled = false
		cfg.SessionCleanupEnabled = false
		cfg.Workers = 4
		cfg.QueueSize = 64
		cfg.PoolBorrowTimeout = 200 * time.Millisecond

		driver := backendtest.NewDriver()
		srv := server.New(cfg, driver, bus, zerolog.Nop())
		require.NoError(t, srv.Start(ctx))
		bus.Register(endpoint, srv.Handler())
		t.Cleanup(srv.Shutdown)

		drivers[endpoint] = driver
		servers[endpoint] = srv
	}
	return bus, drivers, servers
}

func newTestManager(t *testing.T, bus *protocol.InprocBus, endpoints []string) *Manager {
	t.Helper()
	return NewManager(bus.Caller(), endpoints, DefaultManagerConfig(), zerolog.Nop())
}

func testDetails(isXA bool) *protocol.ConnectionDetails {
	return &protocol.ConnectionDetails{
		URL:      "jdbc:mysql://db:3306/app",
		User:     "app",
		Password: "secret",
		ClientID: "client-1",
		IsXA:     isXA,
	}
}

func TestUnifiedConnectFansOutToAllHealthy(t *testing.T) {
	endpoints := []string{"a:1", "b:1", "c:1"}
	bus, _, _ := startCluster(t, endpoints)
	bus.SetDown("b:1", true)

	manager := newTestManager(t, bus, endpoints)
	// The first Connect runs the probe pass, which finds the down endpoint
	// before fan-out; it simply yields no session.
	multi, err := manager.Connect(context.Background(), testDetails(false))
	require.NoError(t, err)

	var addrs []string
	for _, bs := range multi.Sessions {
		addrs = append(addrs, bs.Endpoint.Address())
		assert.Equal(t, bs.Endpoint.Address(), bs.Info.TargetServer, "session binds to the endpoint that produced it")
	}
	assert.ElementsMatch(t, []string{"a:1", "c:1"}, addrs)
}

func TestConnectXADoesNotBranch(t *testing.T) {
	endpoints := []string{"a:1", "b:1"}
	bus, _, _ := startCluster(t, endpoints)
	manager := newTestManager(t, bus, endpoints)

	regular, err := manager.Connect(context.Background(), testDetails(false))
	require.NoError(t, err)
	xaMulti, err := manager.Connect(context.Background(), testDetails(true))
	require.NoError(t, err)

	assert.Len(t, regular.Sessions, 2)
	assert.Len(t, xaMulti.Sessions, 2, "XA connects to every healthy endpoint exactly like non-XA")
}

func TestStickinessRoutesToBoundEndpoint(t *testing.T) {
	endpoints := []string{"a:1", "b:1"}
	bus, drivers, _ := startCluster(t, endpoints)
	manager := newTestManager(t, bus, endpoints)

	multi, err := manager.Connect(context.Background(), testDetails(false))
	require.NoError(t, err)

	var onB *BoundSession
	for _, bs := range multi.Sessions {
		if bs.Endpoint.Address() == "b:1" {
			onB = bs
		}
	}
	require.NotNil(t, onB)

	for i := 0; i < 3; i++ {
		_, err = manager.CallSession(context.Background(), onB.Info.SessionID, protocol.VerbExecuteUpdate, &protocol.StatementRequest{
			Session: onB.Info,
			SQL:     "INSERT INTO t(id) VALUES(1)",
		})
		require.NoError(t, err)
	}

	var execsOnB int
	for _, conn := range drivers["b:1"].OpenedConns() {
		execsOnB += len(conn.ExecLog)
	}
	assert.Equal(t, 3, execsOnB, "every call for the session lands on its bound endpoint")
	for _, conn := range drivers["a:1"].OpenedConns() {
		assert.Empty(t, conn.ExecLog, "the sibling endpoint never sees the session's statements")
	}
}

func TestStickySessionFailsWhenEndpointDies(t *testing.T) {
	endpoints := []string{"a:1", "b:1"}
	bus, _, _ := startCluster(t, endpoints)
	manager := newTestManager(t, bus, endpoints)

	multi, err := manager.Connect(context.Background(), testDetails(false))
	require.NoError(t, err)
	var onA *BoundSession
	for _, bs := range multi.Sessions {
		if bs.Endpoint.Address() == "a:1" {
			onA = bs
		}
	}
	require.NotNil(t, onA)

	bus.SetDown("a:1", true)
	_, err = manager.CallSession(context.Background(), onA.Info.SessionID, protocol.VerbExecuteQuery, &protocol.StatementRequest{
		Session: onA.Info,
		SQL:     "SELECT 1",
	})
	require.Error(t, err)
	assert.True(t, protocol.IsConnectionClass(protocol.StatusOf(err), err.Error()),
		"a dead endpoint surfaces as a connection-class failure")
	assert.False(t, onA.Endpoint.Healthy())

	_, bound := manager.Tracker().EndpointFor(onA.Info.SessionID)
	assert.False(t, bound, "the session is unbound, never failed over")

	// The next attempt fails fast on the missing binding.
	_, err = manager.CallSession(context.Background(), onA.Info.SessionID, protocol.VerbExecuteQuery, &protocol.StatementRequest{
		Session: onA.Info,
		SQL:     "SELECT 1",
	})
	require.Error(t, err)
}

func TestDatabaseErrorDoesNotFlipEndpointHealth(t *testing.T) {
	endpoints := []string{"a:1"}
	bus, drivers, _ := startCluster(t, endpoints)
	drivers["a:1"].StubExecError("INSERT INTO broken VALUES(1)", &protocol.SQLError{
		SQLState: "42S02", VendorCode: 1146, Message: "table missing",
	})

	manager := newTestManager(t, bus, endpoints)
	multi, err := manager.Connect(context.Background(), testDetails(false))
	require.NoError(t, err)

	session := multi.Sessions[0]
	_, err = manager.CallSession(context.Background(), session.Info.SessionID, protocol.VerbExecuteUpdate, &protocol.StatementRequest{
		Session: session.Info,
		SQL:     "INSERT INTO broken VALUES(1)",
	})
	require.Error(t, err)

	var sqlErr *protocol.SQLError
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, "42S02", sqlErr.SQLState)
	assert.Equal(t, 1146, sqlErr.VendorCode)
	assert.True(t, session.Endpoint.Healthy(), "database errors never mark the endpoint down")
}

func TestLoadAwareSelectionPicksLeastLoaded(t *testing.T) {
	endpoints := []string{"a:1", "b:1", "c:1"}
	bus, _, _ := startCluster(t, endpoints)
	manager := newTestManager(t, bus, endpoints)

	a := manager.Endpoints()[0]
	b := manager.Endpoints()[1]
	c := manager.Endpoints()[2]
	manager.Tracker().Bind("s1", a)
	manager.Tracker().Bind("s2", a)
	manager.Tracker().Bind("s3", b)

	selected, err := manager.SelectEndpoint()
	require.NoError(t, err)
	assert.Same(t, c, selected, "the endpoint with the fewest bound sessions wins")
}

func TestSelectionRoundRobinsOnTies(t *testing.T) {
	endpoints := []string{"a:1", "b:1", "c:1"}
	bus, _, _ := startCluster(t, endpoints)
	manager := newTestManager(t, bus, endpoints)

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		endpoint, err := manager.SelectEndpoint()
		require.NoError(t, err)
		counts[endpoint.Address()]++
	}
	for _, endpoint := range endpoints {
		assert.Equalf(t, 3, counts[endpoint], "ties distribute evenly, endpoint %s", endpoint)
	}
}

func TestHealthCheckRecoversEndpointAfterBackoff(t *testing.T) {
	endpoints := []string{"a:1", "b:1"}
	bus, _, _ := startCluster(t, endpoints)

	cfg := DefaultManagerConfig()
	cfg.HealthCheckThreshold = 10 // short back-off for the test
	manager := NewManager(bus.Caller(), endpoints, cfg, zerolog.Nop())

	a := manager.Endpoints()[0]
	bus.SetDown("a:1", true)
	manager.markUnhealthy(a)
	require.False(t, a.Healthy())

	// Probe during back-off window changes nothing while the endpoint is
	// still down.
	manager.HealthChecker().ForceCheck(context.Background())
	assert.False(t, a.Healthy())

	bus.SetDown("a:1", false)
	time.Sleep(20 * time.Millisecond)
	manager.HealthChecker().ForceCheck(context.Background())
	assert.True(t, a.Healthy(), "validated endpoint recovers after the back-off")
}

func fakeConn(manager *Manager, endpoint *Endpoint, isXA bool, lastUsed time.Time, busy bool) *Conn {
	conn := &Conn{
		manager: manager,
		details: &protocol.ConnectionDetails{IsXA: isXA},
		primary: &BoundSession{
			Info:     &protocol.SessionInfo{SessionID: lastUsed.String()},
			Endpoint: endpoint,
		},
	}
	conn.lastUsedMs.Store(lastUsed.UnixMilli())
	conn.busy.Store(busy)
	manager.RegisterConn(conn, endpoint)
	return conn
}

func TestRegularRedistributionBalancesExcess(t *testing.T) {
	endpoints := []string{"a:1", "b:1"}
	bus, _, _ := startCluster(t, endpoints)
	manager := newTestManager(t, bus, endpoints)
	a := manager.Endpoints()[0]

	now := time.Now()
	var conns []*Conn
	for i := 0; i < 12; i++ {
		conns = append(conns, fakeConn(manager, a, false, now.Add(time.Duration(i)*time.Second), false))
	}

	manager.HealthChecker().redistributeRegular()

	invalidated := 0
	for _, conn := range conns {
		if !conn.IsValid() {
			invalidated++
		}
	}
	assert.Equal(t, 6, invalidated, "excess above total/healthy is marked for replacement")
}

func TestXARedistributionMarksOnlyIdleBounded(t *testing.T) {
	endpoints := []string{"a:1", "b:1"}
	bus, _, _ := startCluster(t, endpoints)
	cfg := DefaultManagerConfig()
	cfg.XAIdleRebalanceFraction = 0.5
	cfg.XAMaxClosePerRecovery = 10
	manager := NewManager(bus.Caller(), endpoints, cfg, zerolog.Nop())
	a := manager.Endpoints()[0]

	now := time.Now()
	var idle []*Conn
	var active []*Conn
	for i := 0; i < 8; i++ {
		idle = append(idle, fakeConn(manager, a, true, now.Add(time.Duration(i)*time.Minute), false))
	}
	for i := 0; i < 4; i++ {
		active = append(active, fakeConn(manager, a, true, now, true))
	}

	// 12 XA conns on A, 0 on B: excess over target(6) is 6, half of it
	// rebalances.
	manager.HealthChecker().redistributeXA()

	var marked []*Conn
	for _, conn := range idle {
		if !conn.IsValid() {
			marked = append(marked, conn)
		}
	}
	assert.Len(t, marked, 3, "half the excess, bounded by the cap")
	for _, conn := range active {
		assert.True(t, conn.IsValid(), "connections with active branches are never disturbed")
	}
	// Oldest idle connections go first.
	for _, conn := range idle[:3] {
		assert.False(t, conn.IsValid())
	}
}

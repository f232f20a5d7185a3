package xa

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdbcproxy/ojp-go/backend"
	"github.com/openjdbcproxy/ojp-go/backend/backendtest"
)

func TestPassivateResetsConnectionState(t *testing.T) {
	driver := backendtest.NewDriver()
	sessionPool := NewSessionPool(driver, testSpec(), SessionPoolConfig{
		MaxSize:          1,
		BorrowTimeout:    200 * time.Millisecond,
		DefaultIsolation: backend.IsolationReadCommitted,
	}, zerolog.Nop())
	defer sessionPool.Close()
	ctx := context.Background()

	first, err := sessionPool.Borrow(ctx)
	require.NoError(t, err)
	conn := first.Conn().(*backendtest.Conn)

	// A borrower pollutes the connection state.
	require.NoError(t, conn.SetIsolation(ctx, backend.IsolationSerializable))
	require.NoError(t, conn.SetAutoCommit(ctx, false))
	sessionPool.Return(first)

	time.Sleep(50 * time.Millisecond)

	second, err := sessionPool.Borrow(ctx)
	require.NoError(t, err)
	defer sessionPool.Return(second)

	assert.Same(t, first, second, "size-1 pool hands the same object back")
	assert.Equal(t, backend.IsolationReadCommitted, second.Conn().Isolation(),
		"next borrower observes the configured default isolation")
	assert.True(t, second.Conn().AutoCommit(), "autocommit state is reset")
	assert.GreaterOrEqual(t, conn.Rollbacks, 1, "dangling transaction is rolled back on return")
	assert.GreaterOrEqual(t, conn.WarningsCleared, 1, "warnings are cleared on return")
}

func TestUnhealthySessionDiscardedOnReturn(t *testing.T) {
	driver := backendtest.NewDriver()
	sessionPool := NewSessionPool(driver, testSpec(), SessionPoolConfig{
		MaxSize:          1,
		BorrowTimeout:    200 * time.Millisecond,
		DefaultIsolation: backend.IsolationReadCommitted,
	}, zerolog.Nop())
	defer sessionPool.Close()
	ctx := context.Background()

	first, err := sessionPool.Borrow(ctx)
	require.NoError(t, err)
	first.MarkUnhealthy()
	sessionPool.Return(first)

	assert.True(t, first.Conn().(*backendtest.Conn).Closed(), "unhealthy session is destroyed, not pooled")

	second, err := sessionPool.Borrow(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second, "replacement is a fresh physical connection")
}

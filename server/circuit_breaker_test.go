package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	fp := StatementFingerprint("SELECT broken")

	for i := 0; i < 2; i++ {
		cb.RecordFailure(fp)
		assert.True(t, cb.Allow(fp), "circuit stays closed below threshold")
	}
	cb.RecordFailure(fp)
	assert.False(t, cb.Allow(fp), "third failure opens the circuit")
	assert.Equal(t, 1, cb.OpenCount())
}

func TestCircuitTracksPerStatement(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	bad := StatementFingerprint("SELECT broken")
	good := StatementFingerprint("SELECT healthy")

	cb.RecordFailure(bad)
	assert.False(t, cb.Allow(bad))
	assert.True(t, cb.Allow(good), "an open circuit never blocks other statements")
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)
	fp := StatementFingerprint("SELECT flaky")

	cb.RecordFailure(fp)
	require.False(t, cb.Allow(fp))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow(fp), "one probe passes after the open period")
	assert.False(t, cb.Allow(fp), "second caller is still blocked while the probe is out")

	cb.RecordSuccess(fp)
	assert.True(t, cb.Allow(fp), "successful probe closes the circuit")
	assert.Equal(t, 0, cb.OpenCount())
}

func TestSlowQueryFlagsAndCoolsDown(t *testing.T) {
	seg := NewSlowQuerySegregator(10*time.Millisecond, 100*time.Millisecond)
	fp := StatementFingerprint("SELECT slow")
	ctx := context.Background()

	require.NoError(t, seg.Execute(ctx, fp, func() error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	assert.True(t, seg.IsSegregated(fp), "slow execution flags the fingerprint")

	// Fast executions during the cool-down still run (in the secondary
	// lane) and do not unflag early.
	require.NoError(t, seg.Execute(ctx, fp, func() error { return nil }))
	assert.True(t, seg.IsSegregated(fp))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, seg.IsSegregated(fp), "flag expires after the cool-down")
}

func TestSlowQueryFastStatementsUnflagged(t *testing.T) {
	seg := NewSlowQuerySegregator(50*time.Millisecond, time.Minute)
	fp := StatementFingerprint("SELECT fast")

	require.NoError(t, seg.Execute(context.Background(), fp, func() error { return nil }))
	assert.False(t, seg.IsSegregated(fp))
}

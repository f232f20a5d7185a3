package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testObject struct {
	id         int
	destroyed  bool
	passivated int
	valid      bool
}

type testFactory struct {
	mu      sync.Mutex
	nextID  int32
	created []*testObject

	newErr      error
	validateAll bool
}

func newTestFactory() *testFactory {
	return &testFactory{validateAll: true}
}

func (f *testFactory) New(ctx context.Context) (*testObject, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	obj := &testObject{id: int(atomic.AddInt32(&f.nextID, 1)), valid: true}
	f.mu.Lock()
	f.created = append(f.created, obj)
	f.mu.Unlock()
	return obj, nil
}

func (f *testFactory) Activate(ctx context.Context, obj *testObject) error { return nil }

func (f *testFactory) Passivate(obj *testObject) error {
	obj.passivated++
	return nil
}

func (f *testFactory) Validate(obj *testObject) bool { return f.validateAll && obj.valid }

func (f *testFactory) Destroy(obj *testObject) { obj.destroyed = true }

func newTestPool(t *testing.T, cfg Config) (*Pool[*testObject], *testFactory) {
	t.Helper()
	factory := newTestFactory()
	p := New[*testObject](factory, cfg, zerolog.Nop())
	t.Cleanup(p.Close)
	return p, factory
}

func TestBorrowReturnReuses(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 2, BorrowTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	first, err := p.Borrow(ctx)
	require.NoError(t, err)
	p.Return(first)
	assert.Equal(t, 1, first.passivated)

	second, err := p.Borrow(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestExhaustionReportsDiagnostics(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, BorrowTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := p.Borrow(ctx)
	require.NoError(t, err)

	_, err = p.Borrow(ctx)
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "size=1")
	assert.Contains(t, err.Error(), "borrowed=1")
}

func TestWaiterWokenByReturn(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, BorrowTimeout: time.Second})
	ctx := context.Background()

	held, err := p.Borrow(ctx)
	require.NoError(t, err)

	got := make(chan *testObject, 1)
	go func() {
		obj, err := p.Borrow(ctx)
		if err == nil {
			got <- obj
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Return(held)

	select {
	case obj, ok := <-got:
		require.True(t, ok, "waiter should obtain the returned object")
		assert.Same(t, held, obj)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestInvalidateCreatesReplacementCapacity(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, BorrowTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	first, err := p.Borrow(ctx)
	require.NoError(t, err)
	p.Invalidate(first)
	assert.True(t, first.destroyed)

	second, err := p.Borrow(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestInvalidateIdleOldestFirst(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 3, BorrowTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	var objs []*testObject
	for i := 0; i < 3; i++ {
		obj, err := p.Borrow(ctx)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		p.Return(obj)
	}

	destroyed := p.InvalidateIdle(2, nil)
	assert.Equal(t, 2, destroyed)
	assert.True(t, objs[0].destroyed, "longest-idle object goes first")
	assert.True(t, objs[1].destroyed)
	assert.False(t, objs[2].destroyed, "most recently returned object is kept")
	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 1, p.Stats().Size)
}

func TestResizeShrinksIdleOnly(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 3, BorrowTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	kept, err := p.Borrow(ctx)
	require.NoError(t, err)
	second, err := p.Borrow(ctx)
	require.NoError(t, err)
	p.Return(second)

	p.Resize(1, 0)
	assert.False(t, kept.destroyed, "borrowed object survives a shrink")
	assert.True(t, second.destroyed, "excess idle object is destroyed")

	stats := p.Stats()
	assert.Equal(t, 1, stats.MaxSize)
	assert.Equal(t, 1, stats.Size)
}

func TestFailedValidationRetriesWithFreshObject(t *testing.T) {
	p, factory := newTestPool(t, Config{MaxSize: 2, BorrowTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	first, err := p.Borrow(ctx)
	require.NoError(t, err)
	first.valid = false
	p.Return(first)
	assert.True(t, first.destroyed, "invalid object is destroyed on return")

	second, err := p.Borrow(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Len(t, factory.created, 2)
}

func TestNewErrorSurfacesToBorrower(t *testing.T) {
	p, factory := newTestPool(t, Config{MaxSize: 1, BorrowTimeout: 50 * time.Millisecond})
	factory.newErr = errors.New("backend down")

	_, err := p.Borrow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Equal(t, 0, p.Stats().Size, "failed creation releases its capacity slot")
}

func TestCloseFailsFurtherBorrows(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 1, BorrowTimeout: 50 * time.Millisecond})
	obj, err := p.Borrow(context.Background())
	require.NoError(t, err)
	p.Close()

	_, err = p.Borrow(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	p.Return(obj)
	assert.True(t, obj.destroyed, "objects returned after close are destroyed")
}

func TestConcurrentBorrowReturn(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxSize: 4, BorrowTimeout: 2 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obj, err := p.Borrow(ctx)
			if err != nil {
				errs <- fmt.Errorf("borrow: %w", err)
				return
			}
			time.Sleep(time.Millisecond)
			p.Return(obj)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	stats := p.Stats()
	assert.Equal(t, 0, stats.Borrowed)
	assert.LessOrEqual(t, stats.Size, 4)
}

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/memory"
)

type testEntity struct {
	addr memory.Address
	dead bool
}

func (e *testEntity) Addr() memory.Address {
	return e.addr
}

func build(_ context.Context, a memory.Address) (*testEntity, error) {
	return &testEntity{addr: a}, nil
}

const (
	addrA memory.Address = 0x1000_0000
	addrB memory.Address = 0x1000_0100
	addrC memory.Address = 0x1000_0200
)

func TestRegistry_ReconcileIdentity(t *testing.T) {
	reg := New[*testEntity]()
	ctx := context.Background()

	res, err := reg.Reconcile(ctx, []memory.Address{addrA, addrB}, build)
	require.NoError(t, err)
	assert.Equal(t, []memory.Address{addrA, addrB}, res.Added)
	assert.Empty(t, res.Removed)

	b1, ok := reg.Get(addrB)
	require.True(t, ok)

	res, err = reg.Reconcile(ctx, []memory.Address{addrB, addrC}, build)
	require.NoError(t, err)
	assert.Equal(t, []memory.Address{addrC}, res.Added)
	assert.Equal(t, []memory.Address{addrA}, res.Removed)
	assert.Equal(t, 1, res.Kept)

	assert.Equal(t, []memory.Address{addrB, addrC}, reg.Keys())
	b2, ok := reg.Get(addrB)
	require.True(t, ok)
	assert.Same(t, b1, b2, "B's entity instance survives reconciliation")

	_, ok = reg.Get(addrA)
	assert.False(t, ok)
}

func TestRegistry_ReconcileConstructorFailure(t *testing.T) {
	reg := New[*testEntity]()
	errBoom := errors.New("boom")

	res, err := reg.Reconcile(context.Background(), []memory.Address{addrA, addrB}, func(ctx context.Context, a memory.Address) (*testEntity, error) {
		if a == addrA {
			return nil, errBoom
		}
		return build(ctx, a)
	})
	require.NoError(t, err)

	assert.Equal(t, []memory.Address{addrB}, res.Added)
	assert.ErrorIs(t, res.Failed[addrA], errBoom)
	assert.Equal(t, 1, reg.Len())

	// The failed address is retried on the next cycle.
	res, err = reg.Reconcile(context.Background(), []memory.Address{addrA, addrB}, build)
	require.NoError(t, err)
	assert.Equal(t, []memory.Address{addrA}, res.Added)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_ReconcileCancelled(t *testing.T) {
	reg := New[*testEntity]()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := reg.Reconcile(ctx, []memory.Address{addrA, addrB, addrC}, func(ctx context.Context, a memory.Address) (*testEntity, error) {
		calls++
		cancel()
		return build(ctx, a)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []memory.Address{addrA}, reg.Keys())
}

func TestRegistry_ReconcileDuplicates(t *testing.T) {
	reg := New[*testEntity]()

	res, err := reg.Reconcile(context.Background(), []memory.Address{addrA, addrA, addrA}, build)
	require.NoError(t, err)
	assert.Len(t, res.Added, 1)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RemoveIf(t *testing.T) {
	reg := New[*testEntity]()
	_, err := reg.Reconcile(context.Background(), []memory.Address{addrA, addrB, addrC}, build)
	require.NoError(t, err)

	b, _ := reg.Get(addrB)
	b.dead = true

	removed := reg.RemoveIf(func(e *testEntity) bool { return e.dead })
	require.Len(t, removed, 1)
	assert.Same(t, b, removed[0])
	assert.Equal(t, []memory.Address{addrA, addrC}, reg.Keys())
}

func TestRegistry_SnapshotAndReset(t *testing.T) {
	reg := New[*testEntity]()
	_, err := reg.Reconcile(context.Background(), []memory.Address{addrC, addrA, addrB}, build)
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, addrA, snap[0].Addr())
	assert.Equal(t, addrC, snap[2].Addr())

	reg.Reset()
	assert.Zero(t, reg.Len())
	assert.Len(t, snap, 3, "snapshots are unaffected by later changes")
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	reg := New[*testEntity]()
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = reg.Snapshot()
					_, _ = reg.Get(addrB)
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		addrs := []memory.Address{addrA, addrB}
		if i%2 == 1 {
			addrs = []memory.Address{addrB, addrC}
		}
		_, err := reg.Reconcile(ctx, addrs, build)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, []memory.Address{addrB, addrC}, reg.Keys())
}

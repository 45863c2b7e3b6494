package typeresolver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/fakeworld"
	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/typeresolver"
)

func newBuilder(t *testing.T) *fakeworld.Builder {
	t.Helper()
	l, err := layout.Default()
	require.NoError(t, err)
	return fakeworld.New(l)
}

func newResolver(t *testing.T, b *fakeworld.Builder) *typeresolver.Resolver {
	t.Helper()
	r := memory.NewReader(b.Mem)
	res, err := typeresolver.New(r, b.Layout.Runtime, b.ModuleBase)
	require.NoError(t, err)
	return res
}

// addDecoys registers classes that must never match a singleton lookup.
func addDecoys(b *fakeworld.Builder) {
	gi := b.Layout.Runtime.Class.GenericInstKind
	b.Class(fakeworld.ClassSpec{Name: "Singleton`1", GenericArg: "GameWorld", Inited: false, Kind: gi})
	b.Class(fakeworld.ClassSpec{Name: "Singleton`1", GenericArg: "GameWorld", Inited: true, Error: true, Kind: gi})
	b.Class(fakeworld.ClassSpec{Name: "Singleton`1", GenericArg: "GameWorld", Inited: true, Kind: gi + 1})
	b.Class(fakeworld.ClassSpec{Name: "List`1", GenericArg: "GameWorld", Inited: true, Kind: gi})
	b.Class(fakeworld.ClassSpec{Name: "Singleton`1", GenericArg: "ClientApplication", Inited: true, Kind: gi})
	for i := 0; i < 20; i++ {
		b.Class(fakeworld.ClassSpec{Name: "Player", Namespace: "EFT", Inited: true, Kind: 1})
	}
}

func TestFindSingletons_OneMatchAmongDecoys(t *testing.T) {
	b := newBuilder(t)
	addDecoys(b)
	class, static := b.Singleton("GameWorld")
	addDecoys(b)

	res := newResolver(t, b)
	got, err := res.FindSingletons(context.Background(), "GameWorld", "LocalGame", "TarkovApplication")
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, typeresolver.Singleton{Name: "GameWorld", Found: true, Class: class, StaticData: static}, got["GameWorld"])
	assert.False(t, got["LocalGame"].Found)
	assert.False(t, got["TarkovApplication"].Found)
}

func TestFindSingletons_MultipleNamesOnePass(t *testing.T) {
	b := newBuilder(t)
	addDecoys(b)
	_, worldStatic := b.Singleton("GameWorld")
	_, appStatic := b.Singleton("TarkovApplication")

	res := newResolver(t, b)
	got, err := res.FindSingletons(context.Background(), "GameWorld", "TarkovApplication")
	require.NoError(t, err)

	assert.Equal(t, worldStatic, got["GameWorld"].StaticData)
	assert.Equal(t, appStatic, got["TarkovApplication"].StaticData)

	reads, _ := b.Mem.Calls()
	assert.Equal(t, 1, reads, "only the cache table is read outside scatter batches")
}

func TestFindSingletons_NoNames(t *testing.T) {
	b := newBuilder(t)
	res := newResolver(t, b)

	got, err := res.FindSingletons(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindSingletons_CorruptBucketCount(t *testing.T) {
	b := newBuilder(t)
	b.Singleton("GameWorld")

	rt := b.Layout.Runtime
	r := memory.NewReader(b.Mem)
	cache, err := r.ReadPointer(b.ModuleBase.Add(uint64(rt.CacheTable)), false)
	require.NoError(t, err)
	hdr, err := r.ReadPointer(cache.Add(uint64(rt.CacheHashTable)), false)
	require.NoError(t, err)
	b.Mem.PutInt32(hdr.Add(uint64(rt.HashSize)), int32(rt.MaxBuckets+1))

	_, err = newResolver(t, b).FindSingletons(context.Background(), "GameWorld")
	require.ErrorIs(t, err, memory.ErrCorruptStructure)
	assert.True(t, memory.IsFatal(err))
}

func TestFindSingletons_CyclicBucketChain(t *testing.T) {
	b := newBuilder(t)
	class, static := b.Singleton("GameWorld")
	b.Mem.PutPointer(class.Add(uint64(b.Layout.Runtime.Class.Next)), class)

	got, err := newResolver(t, b).FindSingletons(context.Background(), "GameWorld")
	require.NoError(t, err, "a self-linked chain is cut by the visited set")
	assert.Equal(t, static, got["GameWorld"].StaticData)
}

func TestFindSingletons_TransportFailure(t *testing.T) {
	b := newBuilder(t)
	b.Mem.SetTransportError(memory.ErrProcessUnavailable)

	_, err := newResolver(t, b).FindSingletons(context.Background(), "GameWorld")
	assert.ErrorIs(t, err, memory.ErrProcessUnavailable)
}

func TestInstance(t *testing.T) {
	b := newBuilder(t)
	world := b.World("factory4_day")
	res := newResolver(t, b)

	got, err := res.FindSingletons(context.Background(), b.Layout.World.Singleton)
	require.NoError(t, err)

	inst, err := res.Instance(context.Background(), got[b.Layout.World.Singleton])
	require.NoError(t, err)
	assert.Equal(t, world, inst)

	_, err = res.Instance(context.Background(), typeresolver.Singleton{Name: "Missing"})
	assert.ErrorIs(t, err, memory.ErrNotFound)

	b.EndWorld()
	_, err = res.Instance(context.Background(), got[b.Layout.World.Singleton])
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)
}

func TestNew_BadPattern(t *testing.T) {
	b := newBuilder(t)
	rt := b.Layout.Runtime
	rt.SingletonPattern = "(["
	_, err := typeresolver.New(memory.NewReader(b.Mem), rt, b.ModuleBase)
	assert.Error(t, err)
}

package eviction_test

import (
	"testing"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/blockfile"
	"github.com/rpcpool/blockcache/eviction"
	"github.com/rpcpool/blockcache/rankings"
	"github.com/stretchr/testify/require"
)

type fakeHooks struct {
	destroyed   []addr.Addr
	bytesEach   int64
	reuse       map[addr.Addr]int32
	refetch     map[addr.Addr]int32
	loadFactor  float64
}

func newFakeHooks(bytesEach int64) *fakeHooks {
	return &fakeHooks{
		bytesEach:  bytesEach,
		reuse:      map[addr.Addr]int32{},
		refetch:    map[addr.Addr]int32{},
		loadFactor: 1.0,
	}
}

func (f *fakeHooks) DestroyEntry(contents addr.Addr) (int64, error) {
	f.destroyed = append(f.destroyed, contents)
	return f.bytesEach, nil
}

func (f *fakeHooks) ReuseCount(contents addr.Addr) (int32, error)   { return f.reuse[contents], nil }
func (f *fakeHooks) RefetchCount(contents addr.Addr) (int32, error) { return f.refetch[contents], nil }
func (f *fakeHooks) SetReuseCount(contents addr.Addr, n int32) error {
	f.reuse[contents] = n
	return nil
}
func (f *fakeHooks) SetRefetchCount(contents addr.Addr, n int32) error {
	f.refetch[contents] = n
	return nil
}
func (f *fakeHooks) IndexLoadFactor() float64 { return f.loadFactor }

func newStore(t *testing.T) *rankings.Store {
	t.Helper()
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })
	return rankings.NewStore(alloc, &rankings.ListsState{}, func() error { return nil })
}

func TestClassicTrimEvictsFromTailUntilUnderTarget(t *testing.T) {
	store := newStore(t)
	hooks := newFakeHooks(1024)

	const count = 10
	var contents []addr.Addr
	for i := 0; i < count; i++ {
		c := addr.New(addr.Block256Type, 1, 0, uint16(i))
		n, err := store.NewNode(c, 0)
		require.NoError(t, err)
		require.NoError(t, store.Insert(n, rankings.NoUse))
		contents = append(contents, c)
	}

	numBytes := func() int64 { return int64(count-len(hooks.destroyed)) * hooks.bytesEach }

	eng := eviction.NewEngine(eviction.Config{
		Classic:      true,
		MaxSize:      4 * hooks.bytesEach,
		Slack:        0,
		CurrentRunID: 1,
	}, store, hooks, numBytes)

	yielded, err := eng.Trim(false)
	require.NoError(t, err)
	require.False(t, yielded)

	require.LessOrEqual(t, numBytes(), int64(4*hooks.bytesEach))
	require.NoError(t, store.SelfCheck())
	// Oldest entries (inserted first, pushed to the tail) are evicted first.
	require.Equal(t, contents[0], hooks.destroyed[0])
}

func TestClassicTrimSkipsCurrentRunTail(t *testing.T) {
	store := newStore(t)
	hooks := newFakeHooks(1024)

	c := addr.New(addr.Block256Type, 1, 0, 1)
	n, err := store.NewNode(c, 7)
	require.NoError(t, err)
	require.NoError(t, store.Insert(n, rankings.NoUse))

	eng := eviction.NewEngine(eviction.Config{
		Classic:      true,
		MaxSize:      0,
		Slack:        0,
		CurrentRunID: 7,
	}, store, hooks, func() int64 { return 1024 })

	yielded, err := eng.Trim(false)
	require.NoError(t, err)
	require.False(t, yielded)
	require.Empty(t, hooks.destroyed)
}

func TestStratifiedTrimDemotesToDeletedThenReclaims(t *testing.T) {
	store := newStore(t)
	hooks := newFakeHooks(100)

	for i := 0; i < 6; i++ {
		c := addr.New(addr.Block256Type, 1, 0, uint16(i))
		n, err := store.NewNode(c, 0)
		require.NoError(t, err)
		require.NoError(t, store.Insert(n, rankings.NoUse))
	}

	eng := eviction.NewEngine(eviction.Config{
		Classic:      false,
		MaxSize:      0,
		Slack:        0,
		CurrentRunID: 1,
	}, store, hooks, func() int64 { return int64(store.Size(rankings.NoUse)) * hooks.bytesEach })

	_, err := eng.Trim(false)
	require.NoError(t, err)
	require.NoError(t, store.SelfCheck())
	require.Equal(t, 0, store.Size(rankings.NoUse))
	require.Greater(t, store.Size(rankings.Deleted), 0)
}

func TestOnOpenPromotesAcrossThresholds(t *testing.T) {
	store := newStore(t)
	hooks := newFakeHooks(1)

	c := addr.New(addr.Block256Type, 1, 0, 1)
	n, err := store.NewNode(c, 0)
	require.NoError(t, err)
	require.NoError(t, store.Insert(n, rankings.NoUse))

	eng := eviction.NewEngine(eviction.Config{}, store, hooks, func() int64 { return 0 })

	list, err := eng.OnOpen(n, c, rankings.NoUse)
	require.NoError(t, err)
	require.Equal(t, rankings.LowUse, list)

	for i := 0; i < 9; i++ {
		list, err = eng.OnOpen(n, c, list)
		require.NoError(t, err)
	}
	require.Equal(t, rankings.HighUse, list)
	require.NoError(t, store.SelfCheck())
}

func TestOnResurrectJumpsToHighUseAfterManyRefetches(t *testing.T) {
	store := newStore(t)
	hooks := newFakeHooks(1)
	eng := eviction.NewEngine(eviction.Config{}, store, hooks, func() int64 { return 0 })

	c := addr.New(addr.Block256Type, 1, 0, 1)
	var list rankings.ListID
	var err error
	for i := 0; i < 11; i++ {
		list, err = eng.OnResurrect(c)
		require.NoError(t, err)
	}
	require.Equal(t, rankings.HighUse, list)
}

func TestThrottleDefersThenForcesAfterMaxDeferrals(t *testing.T) {
	store := newStore(t)
	hooks := newFakeHooks(1)
	eng := eviction.NewEngine(eviction.Config{}, store, hooks, func() int64 { return 0 })

	deferred := 0
	for eng.ShouldDefer(true) {
		deferred++
		require.Less(t, deferred, 1000)
	}
	require.Greater(t, deferred, 0)
}

func TestThrottleNeverDefersWhenClosing(t *testing.T) {
	store := newStore(t)
	hooks := newFakeHooks(1)
	eng := eviction.NewEngine(eviction.Config{}, store, hooks, func() int64 { return 0 })

	eng.SetClosing()
	require.False(t, eng.ShouldDefer(true))
}

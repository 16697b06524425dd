package rankings_test

import (
	"testing"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/blockfile"
	"github.com/rpcpool/blockcache/rankings"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*rankings.Store, *rankings.ListsState) {
	t.Helper()
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	state := &rankings.ListsState{}
	store := rankings.NewStore(alloc, state, func() error { return nil })
	return store, state
}

func TestInsertOrderAndSelfCheck(t *testing.T) {
	store, state := newStore(t)

	var nodes []addr.Addr
	for i := 0; i < 5; i++ {
		n, err := store.NewNode(addr.New(addr.Block256Type, 1, 0, uint16(i)), 1)
		require.NoError(t, err)
		require.NoError(t, store.Insert(n, rankings.NoUse))
		nodes = append(nodes, n)
	}

	require.Equal(t, 5, store.Size(rankings.NoUse))
	require.Equal(t, nodes[4], state.Heads[rankings.NoUse])
	require.Equal(t, nodes[0], state.Tails[rankings.NoUse])
	require.NoError(t, store.SelfCheck())
}

func TestRemoveHeadMiddleTail(t *testing.T) {
	store, _ := newStore(t)

	var nodes []addr.Addr
	for i := 0; i < 4; i++ {
		n, err := store.NewNode(addr.New(addr.Block256Type, 1, 0, uint16(i)), 1)
		require.NoError(t, err)
		require.NoError(t, store.Insert(n, rankings.LowUse))
		nodes = append(nodes, n)
	}
	// list head->tail order is nodes[3], nodes[2], nodes[1], nodes[0]

	require.NoError(t, store.Remove(nodes[3], rankings.LowUse)) // head
	require.NoError(t, store.SelfCheck())
	require.Equal(t, 3, store.Size(rankings.LowUse))

	require.NoError(t, store.Remove(nodes[1], rankings.LowUse)) // middle
	require.NoError(t, store.SelfCheck())
	require.Equal(t, 2, store.Size(rankings.LowUse))

	require.NoError(t, store.Remove(nodes[0], rankings.LowUse)) // tail
	require.NoError(t, store.SelfCheck())
	require.Equal(t, 1, store.Size(rankings.LowUse))
}

func TestUpdateRankMovesToHead(t *testing.T) {
	store, state := newStore(t)

	a, err := store.NewNode(addr.New(addr.Block256Type, 1, 0, 1), 1)
	require.NoError(t, err)
	b, err := store.NewNode(addr.New(addr.Block256Type, 1, 0, 2), 1)
	require.NoError(t, err)
	require.NoError(t, store.Insert(a, rankings.NoUse))
	require.NoError(t, store.Insert(b, rankings.NoUse))
	require.Equal(t, b, state.Heads[rankings.NoUse])

	require.NoError(t, store.UpdateRank(a, rankings.NoUse, false))
	require.Equal(t, a, state.Heads[rankings.NoUse])
	require.NoError(t, store.SelfCheck())
}

func TestIteratorWalksAndSurvivesRemoval(t *testing.T) {
	store, _ := newStore(t)

	var nodes []addr.Addr
	for i := 0; i < 3; i++ {
		n, err := store.NewNode(addr.New(addr.Block256Type, 1, 0, uint16(i)), 1)
		require.NoError(t, err)
		require.NoError(t, store.Insert(n, rankings.HighUse))
		nodes = append(nodes, n)
	}

	it := store.NewIterator(rankings.HighUse, rankings.DirPrev)
	defer it.Close()

	firstAddr, _, ok, err := it.Advance()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, nodes[2], firstAddr)

	// Remove the node the iterator is currently sitting on, from outside.
	require.NoError(t, store.Remove(firstAddr, rankings.HighUse))

	secondAddr, _, ok, err := it.Advance()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, nodes[1], secondAddr)
}

func TestCompleteTransactionNoOpWhenClear(t *testing.T) {
	store, _ := newStore(t)
	require.NoError(t, store.CompleteTransaction(nil))
}

func TestCompleteTransactionFinishesInterruptedInsert(t *testing.T) {
	store, state := newStore(t)

	n, err := store.NewNode(addr.New(addr.Block256Type, 1, 0, 1), 1)
	require.NoError(t, err)

	// Simulate a crash right after the transaction log was written but
	// before the list linkage happened.
	state.Transaction = n
	state.TransactionOp = rankings.OpInsert
	state.TransactionList = rankings.NoUse

	var recovered addr.Addr
	require.NoError(t, store.CompleteTransaction(func(contents addr.Addr) error {
		recovered = contents
		return nil
	}))

	require.Equal(t, n, state.Heads[rankings.NoUse])
	require.False(t, state.Transaction.IsInitialized())
	require.True(t, recovered.IsInitialized())
	require.NoError(t, store.SelfCheck())
}

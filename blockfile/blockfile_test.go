package blockfile_test

import (
	"testing"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/blockfile"
	"github.com/stretchr/testify/require"
)

func TestAllocateFreeReuse(t *testing.T) {
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	defer alloc.Close()

	a, err := alloc.CreateBlock(100) // fits Block256Type
	require.NoError(t, err)
	require.Equal(t, addr.Block256Type, a.FileType())
	require.NoError(t, a.SanityCheck())

	data := make([]byte, a.BlockSize()*a.NumBlocks())
	copy(data, []byte("payload"))
	require.NoError(t, alloc.Store(a, data))

	got, err := alloc.Load(a)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, alloc.DeleteBlock(a))

	a2, err := alloc.CreateBlock(100)
	require.NoError(t, err)
	require.Equal(t, addr.Block256Type, a2.FileType())
}

func TestCreateBlockOversizeGoesExternal(t *testing.T) {
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	defer alloc.Close()

	_, err = alloc.CreateBlock(4*4096 + 1)
	require.Error(t, err)
}

func TestReopenPreservesAllocations(t *testing.T) {
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)

	a, err := alloc.CreateBlock(900) // Block1KType
	require.NoError(t, err)
	data := make([]byte, a.BlockSize()*a.NumBlocks())
	copy(data, []byte("reopen-me"))
	require.NoError(t, alloc.Store(a, data))
	require.NoError(t, alloc.Flush())
	require.NoError(t, alloc.Close())

	alloc2, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	defer alloc2.Close()

	got, err := alloc2.Load(a)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStorageBlockSelfHash(t *testing.T) {
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	defer alloc.Close()

	a, err := alloc.CreateBlock(36)
	require.NoError(t, err)

	blk := blockfile.NewBlock(a)
	copy(blk.Data(), []byte("rankings-record-bytes"))
	blk.SetModified()
	hashOffset := len(blk.Data()) - 8
	require.NoError(t, blk.Store(alloc, hashOffset))

	loaded, ok, err := blockfile.LoadBlock(alloc, a, hashOffset)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blk.Data(), loaded.Data())
}

func TestStorageBlockHashMismatchDetected(t *testing.T) {
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	defer alloc.Close()

	a, err := alloc.CreateBlock(36)
	require.NoError(t, err)

	blk := blockfile.NewBlock(a)
	hashOffset := len(blk.Data()) - 8
	require.NoError(t, blk.Store(alloc, hashOffset))

	// Corrupt a byte outside the hash field directly through the allocator.
	raw, err := alloc.Load(a)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, alloc.Store(a, raw))

	_, ok, err := blockfile.LoadBlock(alloc, a, hashOffset)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManyAllocationsGrowsFile(t *testing.T) {
	dir := t.TempDir()
	alloc, err := blockfile.OpenAllocator(dir)
	require.NoError(t, err)
	defer alloc.Close()

	addrs := make([]addr.Addr, 0, 1500)
	for i := 0; i < 1500; i++ {
		a, err := alloc.CreateBlock(30) // RankingsType, 1 block each
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	require.Len(t, addrs, 1500)
}

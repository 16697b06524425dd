package blockcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/blockcache"
	"github.com/rpcpool/blockcache/sparse"
)

func TestWriteDataTruncateShrinksSize(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("shrink")
	require.NoError(t, err)
	defer e.Close()

	_, err = e.WriteData(0, 0, []byte("0123456789"), true)
	require.NoError(t, err)
	_, err = e.WriteData(0, 0, []byte("abc"), true)
	require.NoError(t, err)

	size, err := e.GetDataSize(0)
	require.NoError(t, err)
	require.EqualValues(t, 3, size)

	buf := make([]byte, 3)
	n, err := e.ReadData(0, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
}

func TestReadDataPastEOFReturnsZero(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("short")
	require.NoError(t, err)
	defer e.Close()

	_, err = e.WriteData(0, 0, []byte("hi"), true)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := e.ReadData(0, 100, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWriteDataRejectsInvalidStreamIndex(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("badstream")
	require.NoError(t, err)
	defer e.Close()

	_, err = e.WriteData(7, 0, []byte("x"), true)
	require.ErrorIs(t, err, blockcache.ErrInvalidArgument)
}

func TestWriteDataRejectsNegativeOffset(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("negoff")
	require.NoError(t, err)
	defer e.Close()

	_, err = e.WriteData(0, -1, []byte("x"), true)
	require.ErrorIs(t, err, blockcache.ErrInvalidArgument)
}

func TestReadOnlyCacheTypeRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	b, err := blockcache.Open(dir)
	require.NoError(t, err)
	e, err := b.CreateEntry("seed")
	require.NoError(t, err)
	_, err = e.WriteData(0, 0, []byte("seed"), true)
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, b.Close())

	ro, err := blockcache.Open(dir, blockcache.WithCacheType(blockcache.AppCache))
	require.NoError(t, err)
	defer ro.Close()

	e2, err := ro.OpenEntry("seed")
	require.NoError(t, err)
	defer e2.Close()

	_, err = e2.WriteData(0, 0, []byte("nope"), false)
	require.ErrorIs(t, err, blockcache.ErrOperationNotSupported)

	_, err = ro.CreateEntry("new-key")
	require.ErrorIs(t, err, blockcache.ErrOperationNotSupported)
}

func TestSparseWriteReadAcrossChildBoundary(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("sparse-parent")
	require.NoError(t, err)
	defer e.Close()

	// Straddle the boundary between the first and second 1 MiB children.
	offset := int64(sparse.ChildSize) - 10
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	n, err := e.WriteSparseData(offset, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = e.ReadSparseData(offset, got)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestLongKeySpillsToExternalStorage(t *testing.T) {
	b := openTestBackend(t)

	key := make([]byte, 20*1024)
	for i := range key {
		key[i] = byte('a' + i%26)
	}

	e, err := b.CreateEntry(string(key))
	require.NoError(t, err)
	require.Equal(t, string(key), e.Key())
	require.NoError(t, e.Close())

	e2, err := b.OpenEntry(string(key))
	require.NoError(t, err)
	defer e2.Close()
	require.Equal(t, string(key), e2.Key())
}

func TestSparseGetAvailableRangeReportsGaps(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("sparse-range")
	require.NoError(t, err)
	defer e.Close()

	_, err = e.WriteSparseData(int64(sparse.ChildSize), make([]byte, 4096))
	require.NoError(t, err)

	start, length, err := e.GetAvailableRange(0, 2*int64(sparse.ChildSize))
	require.NoError(t, err)
	require.Equal(t, int64(sparse.ChildSize), start)
	require.Equal(t, int64(4096), length)
}

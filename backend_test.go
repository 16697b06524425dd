package blockcache_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/blockcache"
)

func openTestBackend(t *testing.T, opts ...blockcache.Option) *blockcache.Backend {
	t.Helper()
	b, err := blockcache.Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCreateWriteReadRoundTripAfterReopen(t *testing.T) {
	dir := t.TempDir()

	b, err := blockcache.Open(dir)
	require.NoError(t, err)

	e, err := b.CreateEntry("alpha")
	require.NoError(t, err)
	n, err := e.WriteData(0, 0, []byte("hello, cache"), true)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.NoError(t, e.Close())
	require.NoError(t, b.Close())

	b2, err := blockcache.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { b2.Close() })

	e2, err := b2.OpenEntry("alpha")
	require.NoError(t, err)
	defer e2.Close()

	size, err := e2.GetDataSize(0)
	require.NoError(t, err)
	require.EqualValues(t, 12, size)

	buf := make([]byte, 12)
	n, err = e2.ReadData(0, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Equal(t, "hello, cache", string(buf))
}

func TestOpenEntryNotFound(t *testing.T) {
	b := openTestBackend(t)
	_, err := b.OpenEntry("missing")
	require.ErrorIs(t, err, blockcache.ErrNotFound)
}

func TestCreateEntryAlreadyExists(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("dup")
	require.NoError(t, err)
	defer e.Close()

	_, err = b.CreateEntry("dup")
	require.ErrorIs(t, err, blockcache.ErrAlreadyExists)
}

func TestDoomWhileOpenStillReadableUntilClose(t *testing.T) {
	b := openTestBackend(t)

	e, err := b.CreateEntry("doomed")
	require.NoError(t, err)
	_, err = e.WriteData(0, 0, []byte("still here"), true)
	require.NoError(t, err)

	require.NoError(t, e.Doom())
	require.True(t, e.IsDoomed())

	// Storage survives until the last handle closes: the open reader
	// keeps working.
	buf := make([]byte, 10)
	n, err := e.ReadData(0, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf[:n]))

	// A doomed key is gone from lookup immediately, even while open.
	_, err = b.OpenEntry("doomed")
	require.ErrorIs(t, err, blockcache.ErrNotFound)

	require.NoError(t, e.Close())

	// A fresh create under the same key succeeds once the old handle's
	// storage has actually been reclaimed.
	e2, err := b.CreateEntry("doomed")
	require.NoError(t, err)
	defer e2.Close()
	size, err := e2.GetDataSize(0)
	require.NoError(t, err)
	require.EqualValues(t, 0, size)
}

func TestExternalFileStorageRoundTrip(t *testing.T) {
	b := openTestBackend(t)

	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = byte(i)
	}

	e, err := b.CreateEntry("bigone")
	require.NoError(t, err)
	_, err = e.WriteData(0, 0, big, true)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := b.OpenEntry("bigone")
	require.NoError(t, err)
	defer e2.Close()

	got := make([]byte, len(big))
	n, err := e2.ReadData(0, 0, got)
	require.NoError(t, err)
	require.Equal(t, len(big), n)
	require.Equal(t, big, got)
}

func TestDoomEntriesBetweenInterval(t *testing.T) {
	b := openTestBackend(t)

	mustEntry := func(key string) {
		e, err := b.CreateEntry(key)
		require.NoError(t, err)
		require.NoError(t, e.Close())
	}
	mustEntry("before")
	mid := time.Now()
	mustEntry("inside")
	end := time.Now()
	mustEntry("after")

	require.NoError(t, b.DoomEntriesBetween(mid, end))

	_, err := b.OpenEntry("before")
	require.NoError(t, err)
	_, err = b.OpenEntry("inside")
	require.ErrorIs(t, err, blockcache.ErrNotFound)
	_, err = b.OpenEntry("after")
	require.NoError(t, err)
}

func TestDoomAllEntries(t *testing.T) {
	b := openTestBackend(t)
	for _, k := range []string{"a", "b", "c"} {
		e, err := b.CreateEntry(k)
		require.NoError(t, err)
		require.NoError(t, e.Close())
	}
	require.NoError(t, b.DoomAllEntries())
	for _, k := range []string{"a", "b", "c"} {
		_, err := b.OpenEntry(k)
		require.ErrorIs(t, err, blockcache.ErrNotFound)
	}
}

func TestCalculateSizeOfAllEntries(t *testing.T) {
	b := openTestBackend(t)
	e1, err := b.CreateEntry("s1")
	require.NoError(t, err)
	_, err = e1.WriteData(0, 0, make([]byte, 100), true)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := b.CreateEntry("s2")
	require.NoError(t, err)
	_, err = e2.WriteData(0, 0, make([]byte, 250), true)
	require.NoError(t, err)
	require.NoError(t, e2.Close())

	total, err := b.CalculateSizeOfAllEntries()
	require.NoError(t, err)
	require.EqualValues(t, 350, total)
}

func TestOpenOrCreateEntryReportsWhichHappened(t *testing.T) {
	b := openTestBackend(t)

	e, created, err := b.OpenOrCreateEntry("oc")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, e.Close())

	e2, created2, err := b.OpenOrCreateEntry("oc")
	require.NoError(t, err)
	require.False(t, created2)
	require.NoError(t, e2.Close())
}

func TestIteratorWalksEveryLiveEntry(t *testing.T) {
	b := openTestBackend(t)
	want := map[string]bool{"k1": true, "k2": true, "k3": true}
	for k := range want {
		e, err := b.CreateEntry(k)
		require.NoError(t, err)
		require.NoError(t, e.Close())
	}

	it := b.CreateIterator()
	defer it.Close()

	seen := map[string]bool{}
	for {
		e, err := b.OpenNextEntry(it)
		if errors.Is(err, blockcache.ErrNotFound) {
			break
		}
		require.NoError(t, err)
		seen[e.Key()] = true
		require.NoError(t, e.Close())
	}
	require.Equal(t, want, seen)
}

func TestEvictionReclaimsSpaceUnderMaxSize(t *testing.T) {
	b := openTestBackend(t,
		blockcache.MaxSize(64*1024),
		blockcache.TickInterval(20*time.Millisecond),
		blockcache.NoLoadProtection(true),
	)

	payload := make([]byte, 8*1024)
	for i := 0; i < 30; i++ {
		e, err := b.CreateEntry(fmt.Sprintf("evict-%d", i))
		require.NoError(t, err)
		_, err = e.WriteData(0, 0, payload, true)
		require.NoError(t, err)
		require.NoError(t, e.Close())
	}

	require.Eventually(t, func() bool {
		return b.Stats().NumEntries < 30
	}, 2*time.Second, 20*time.Millisecond, "trim never reclaimed any entries")
}

func TestOnExternalCacheHitBumpsRankWithoutReadingData(t *testing.T) {
	b := openTestBackend(t)
	e, err := b.CreateEntry("hit-me")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.NoError(t, b.OnExternalCacheHit("hit-me"))
	require.ErrorIs(t, b.OnExternalCacheHit("nope"), blockcache.ErrNotFound)
}

func TestBufferBudgetReleasedAfterFlush(t *testing.T) {
	b := openTestBackend(t, blockcache.BufferBudget(32*1024))

	e, err := b.CreateEntry("budget")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := e.WriteData(0, int64(i*1024), make([]byte, 1024), false)
		require.NoError(t, err)
		require.NoError(t, e.FlushStream(0))
	}
	require.NoError(t, e.Close())
}

func TestResurrectSeedsReuseCountFromDoomedPredecessor(t *testing.T) {
	b := openTestBackend(t, blockcache.NewEviction(true))

	e, err := b.CreateEntry("phoenix")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Two full open/close cycles walk OnOpen's promotion path and bump
	// ReuseCount each time; the second open's handle is kept open across
	// the doom below so the resurrect path has something to race.
	e, err = b.OpenEntry("phoenix")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = b.OpenEntry("phoenix")
	require.NoError(t, err)
	reuseBeforeDoom := e.ReuseCount()
	require.Greater(t, reuseBeforeDoom, int32(0))

	require.NoError(t, e.Doom())

	// Re-create under the same key while the doomed predecessor is still
	// open: this is the resurrect path, not a plain create.
	fresh, err := b.CreateEntry("phoenix")
	require.NoError(t, err)
	defer fresh.Close()

	require.Greater(t, fresh.ReuseCount(), reuseBeforeDoom)

	require.NoError(t, e.Close())
}

package blockcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/blockcache"
)

func TestUserBufferWriteReadRoundTrip(t *testing.T) {
	b := blockcache.NewUserBuffer(nil)
	require.True(t, b.PreWrite(0, 5))
	b.Write(0, []byte("hello"))
	require.Equal(t, []byte("hello"), b.Data())
	require.Equal(t, int64(0), b.Offset())
}

func TestUserBufferPreWriteRefusesBackwardRetarget(t *testing.T) {
	b := blockcache.NewUserBuffer(nil)
	b.Write(10, []byte("xyz"))
	require.False(t, b.PreWrite(0, 3))
	require.True(t, b.PreWrite(10, 3))
}

func TestUserBufferTruncateDropsTail(t *testing.T) {
	b := blockcache.NewUserBuffer(nil)
	b.Write(0, []byte("0123456789"))
	b.Truncate(4)
	require.Equal(t, []byte("0123"), b.Data())
}

func TestUserBufferPreReadSplitsDiskAndBuffer(t *testing.T) {
	b := blockcache.NewUserBuffer(nil)
	b.Write(10, []byte("abc"))
	// A read starting before the buffer's window is served on-disk up to
	// where the buffer begins.
	onDisk := b.PreRead(true, 0, 13)
	require.Equal(t, int64(10), onDisk)
}

func TestUserBufferResetReleasesBudget(t *testing.T) {
	var held int64
	grow := func(extra int64) bool {
		if held+extra < 0 {
			held = 0
		} else {
			held += extra
		}
		return true
	}
	b := blockcache.NewUserBuffer(grow)
	require.True(t, b.PreWrite(0, 100))
	b.Write(0, make([]byte, 100))
	require.Equal(t, int64(100), held)

	b.Reset(0)
	require.Equal(t, int64(0), held)
	require.Equal(t, int64(0), b.Len())
}

func TestUserBufferGrowRefusalBlocksWrite(t *testing.T) {
	grow := func(extra int64) bool { return extra <= 10 }
	b := blockcache.NewUserBuffer(grow)
	require.True(t, b.PreWrite(0, 10))
	require.False(t, b.PreWrite(0, 11))
}

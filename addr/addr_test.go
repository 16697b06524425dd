package addr_test

import (
	"testing"

	"github.com/rpcpool/blockcache/addr"
	"github.com/stretchr/testify/require"
)

func TestNewRoundTrip(t *testing.T) {
	a := addr.New(addr.Block1KType, 3, 7, 1200)
	require.True(t, a.IsInitialized())
	require.False(t, a.IsSeparateFile())
	require.Equal(t, addr.Block1KType, a.FileType())
	require.Equal(t, 3, a.NumBlocks())
	require.Equal(t, uint16(7), a.FileNumber())
	require.Equal(t, uint16(1200), a.StartBlock())
	require.NoError(t, a.SanityCheck())
}

func TestZeroIsUninitialized(t *testing.T) {
	require.False(t, addr.Zero.IsInitialized())
	require.Error(t, addr.Zero.SanityCheck())
}

func TestSeparateFile(t *testing.T) {
	a := addr.New(addr.ExternalType, 1, 5, 0)
	require.True(t, a.IsSeparateFile())
	require.Equal(t, addr.ExternalType, a.FileType())
	require.Equal(t, 1, a.NumBlocks())
	require.NoError(t, a.SanityCheck())
}

func TestSeparateFileBelowBaseIsInvalid(t *testing.T) {
	a := addr.New(addr.ExternalType, 1, 0, 0)
	require.Error(t, a.SanityCheck())
}

func TestRequiredFileType(t *testing.T) {
	require.Equal(t, addr.RankingsType, addr.RequiredFileType(36))
	require.Equal(t, addr.Block256Type, addr.RequiredFileType(200))
	require.Equal(t, addr.Block1KType, addr.RequiredFileType(1000))
	require.Equal(t, addr.Block4KType, addr.RequiredFileType(4000))
	require.Equal(t, addr.Block4KType, addr.RequiredFileType(4*4096))
	require.Equal(t, addr.ExternalType, addr.RequiredFileType(4*4096+1))
}

func TestRequiredBlocks(t *testing.T) {
	require.Equal(t, 1, addr.RequiredBlocks(1, addr.Block4KType))
	require.Equal(t, 2, addr.RequiredBlocks(4097, addr.Block4KType))
	require.Equal(t, 4, addr.RequiredBlocks(4*4096, addr.Block4KType))
}

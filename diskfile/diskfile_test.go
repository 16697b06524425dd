package diskfile_test

import (
	"path/filepath"
	"testing"

	"github.com/rpcpool/blockcache/diskfile"
	"github.com/stretchr/testify/require"
)

func TestPlainFileReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.dat")
	f, err := diskfile.OpenPlain(path, true)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.SetLength(64))
	n, err := f.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = f.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	length, err := f.GetLength()
	require.NoError(t, err)
	require.Equal(t, int64(64), length)
	require.NoError(t, f.Flush())
}

func TestMappedFileReadWriteAndGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapped.dat")
	m, err := diskfile.OpenMapped(path, 128, true)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.WriteAt([]byte("header"), 0)
	require.NoError(t, err)

	require.NoError(t, m.SetLength(256))
	length, err := m.GetLength()
	require.NoError(t, err)
	require.Equal(t, int64(256), length)

	buf := make([]byte, 6)
	_, err = m.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "header", string(buf))

	require.NoError(t, m.Flush())
}

func TestAsyncWriterWaitsForCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.dat")
	f, err := diskfile.OpenPlain(path, true)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.SetLength(32))

	w := diskfile.NewAsyncWriter()
	done := make(chan error, 1)
	w.Submit(f, []byte("async-data"), 0, func(n int, err error) {
		done <- err
	})
	w.Wait()
	require.Equal(t, int64(0), w.Pending())
	require.NoError(t, <-done)

	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "async-data", string(buf))
}

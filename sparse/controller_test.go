package sparse_test

import (
	"testing"

	"github.com/rpcpool/blockcache/sparse"
	"github.com/stretchr/testify/require"
)

type fakeChild struct {
	data   []byte
	sd     sparse.SparseData
	have   bool
	doomed bool
}

func (c *fakeChild) ensure(n int64) {
	if int64(len(c.data)) < n {
		grown := make([]byte, n)
		copy(grown, c.data)
		c.data = grown
	}
}

func (c *fakeChild) ReadAt(buf []byte, offset int64) (int, error) {
	c.ensure(offset + int64(len(buf)))
	copy(buf, c.data[offset:offset+int64(len(buf))])
	return len(buf), nil
}

func (c *fakeChild) WriteAt(buf []byte, offset int64) (int, error) {
	c.ensure(offset + int64(len(buf)))
	copy(c.data[offset:offset+int64(len(buf))], buf)
	return len(buf), nil
}

func (c *fakeChild) LoadSparseData() (sparse.SparseData, bool, error) {
	return c.sd, c.have, nil
}

func (c *fakeChild) StoreSparseData(sd sparse.SparseData) error {
	c.sd = sd
	c.have = true
	return nil
}

func (c *fakeChild) Doom() error {
	c.doomed = true
	return nil
}

func (c *fakeChild) Close() error { return nil }

type fakeOpener struct {
	children map[int64]*fakeChild
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{children: map[int64]*fakeChild{}}
}

func (o *fakeOpener) OpenChild(parentKey string, childID int64, create bool) (sparse.Child, error) {
	ch, ok := o.children[childID]
	if !ok {
		if !create {
			return nil, sparse.ErrChildNotFound
		}
		ch = &fakeChild{}
		o.children[childID] = ch
	}
	return ch, nil
}

type fakeParent struct {
	key    string
	header sparse.ParentHeader
	have   bool
	isParent bool
}

func (p *fakeParent) Key() string { return p.key }

func (p *fakeParent) LoadHeader() (sparse.ParentHeader, bool, error) {
	return p.header, p.have, nil
}

func (p *fakeParent) StoreHeader(h sparse.ParentHeader) error {
	p.header = h
	p.have = true
	return nil
}

func (p *fakeParent) SetParentFlag(v bool) error {
	p.isParent = v
	return nil
}

func newController() (*sparse.Controller, *fakeParent, *fakeOpener) {
	p := &fakeParent{key: "sparse-key"}
	o := newFakeOpener()
	return sparse.NewController(p, o), p, o
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	c, _, _ := newController()

	payload := []byte("hello sparse world")
	n, err := c.StartIO(sparse.OpWrite, 1<<20, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = c.StartIO(sparse.OpRead, 1<<20, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

func TestReadUnwrittenRangeIsZero(t *testing.T) {
	c, _, _ := newController()

	out := make([]byte, 4096)
	for i := range out {
		out[i] = 0xFF
	}
	n, err := c.StartIO(sparse.OpRead, 0, out)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

func TestGetAvailableRangeMatchesWrittenSpan(t *testing.T) {
	c, _, _ := newController()

	buf := make([]byte, 4096)
	_, err := c.StartIO(sparse.OpWrite, 1<<20, buf)
	require.NoError(t, err)

	start, length, err := c.GetAvailableRange(0, 2*(1<<20))
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), start)
	require.Equal(t, int64(4096), length)

	start, length, err = c.GetAvailableRange((1<<20)+8192, 1024)
	require.NoError(t, err)
	require.Equal(t, (int64(1<<20))+8192, start)
	require.Equal(t, int64(0), length)
}

func TestWriteSpansTwoChildren(t *testing.T) {
	c, _, _ := newController()

	off := int64(1<<20) - 10
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	n, err := c.StartIO(sparse.OpWrite, off, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, 20)
	n, err = c.StartIO(sparse.OpRead, off, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

func TestCancelIOStopsMultiChildWrite(t *testing.T) {
	c, _, _ := newController()
	c.CancelIO()

	buf := make([]byte, 10)
	_, err := c.StartIO(sparse.OpWrite, 0, buf)
	require.ErrorIs(t, err, sparse.ErrAborted)
}

func TestDoomChildrenDoomsEveryTrackedChild(t *testing.T) {
	c, _, opener := newController()

	_, err := c.StartIO(sparse.OpWrite, 0, []byte("x"))
	require.NoError(t, err)
	_, err = c.StartIO(sparse.OpWrite, 1<<20, []byte("y"))
	require.NoError(t, err)
	require.Len(t, opener.children, 2)

	require.NoError(t, c.DoomChildren())
	require.True(t, opener.children[0].doomed)
	require.True(t, opener.children[1].doomed)
}

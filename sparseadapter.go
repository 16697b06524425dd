package blockcache

import (
	"encoding/binary"
	"fmt"

	"github.com/rpcpool/blockcache/sparse"
)

// entryParentAdapter implements sparse.Parent over an Entry, storing the
// parent header in the entry's reserved sparse stream (§4.8).
type entryParentAdapter struct{ e *Entry }

func (p entryParentAdapter) Key() string { return p.e.key }

func (p entryParentAdapter) LoadHeader() (sparse.ParentHeader, bool, error) {
	p.e.mu.Lock()
	st := &p.e.streams[sparseStreamIndex]
	if st.size == 0 {
		p.e.mu.Unlock()
		return sparse.ParentHeader{}, false, nil
	}
	raw, err := p.e.loadBytesLocked(st.addr, int(st.size))
	p.e.mu.Unlock()
	if err != nil {
		return sparse.ParentHeader{}, false, err
	}
	h, err := decodeParentHeader(raw)
	if err != nil {
		return sparse.ParentHeader{}, false, err
	}
	return h, true, nil
}

func (p entryParentAdapter) StoreHeader(h sparse.ParentHeader) error {
	raw := encodeParentHeader(h)
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	st := &p.e.streams[sparseStreamIndex]
	a, err := p.e.storeBytesLocked(sparseStreamIndex, st.addr, raw)
	if err != nil {
		return err
	}
	st.addr = a
	st.size = int32(len(raw))
	return p.e.persistRecordLocked()
}

func (p entryParentAdapter) SetParentFlag(v bool) error {
	p.e.mu.Lock()
	if v {
		p.e.record.Flags |= flagParent
	} else {
		p.e.record.Flags &^= flagParent
	}
	p.e.mu.Unlock()
	return p.e.persistRecord()
}

// entryChildAdapter implements sparse.Child over an Entry representing
// one 1 MiB child slice.
type entryChildAdapter struct{ e *Entry }

func (c entryChildAdapter) ReadAt(buf []byte, offset int64) (int, error) {
	return c.e.ReadData(0, offset, buf)
}

func (c entryChildAdapter) WriteAt(buf []byte, offset int64) (int, error) {
	return c.e.WriteData(0, offset, buf, false)
}

func (c entryChildAdapter) LoadSparseData() (sparse.SparseData, bool, error) {
	c.e.mu.Lock()
	st := &c.e.streams[sparseStreamIndex]
	if st.size == 0 {
		c.e.mu.Unlock()
		return sparse.SparseData{}, false, nil
	}
	raw, err := c.e.loadBytesLocked(st.addr, int(st.size))
	c.e.mu.Unlock()
	if err != nil {
		return sparse.SparseData{}, false, err
	}
	sd, err := decodeSparseData(raw)
	if err != nil {
		return sparse.SparseData{}, false, err
	}
	return sd, true, nil
}

func (c entryChildAdapter) StoreSparseData(sd sparse.SparseData) error {
	raw := encodeSparseData(sd)
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	st := &c.e.streams[sparseStreamIndex]
	a, err := c.e.storeBytesLocked(sparseStreamIndex, st.addr, raw)
	if err != nil {
		return err
	}
	st.addr = a
	st.size = int32(len(raw))
	if c.e.record.Flags&flagChild == 0 {
		c.e.record.Flags |= flagChild
	}
	return c.e.persistRecordLocked()
}

func (c entryChildAdapter) Doom() error { return c.e.Doom() }
func (c entryChildAdapter) Close() error { return c.e.Close() }

// backendChildOpener implements sparse.ChildOpener by opening/creating
// ordinary entries under a derived per-child key.
type backendChildOpener struct{ b *Backend }

func childKey(parentKey string, childID int64) string {
	return fmt.Sprintf("%s\x00sparse\x00%d", parentKey, childID)
}

func (o backendChildOpener) OpenChild(parentKey string, childID int64, create bool) (sparse.Child, error) {
	key := childKey(parentKey, childID)
	e, err := o.b.openChildEntry(key, create)
	if err != nil {
		return nil, err
	}
	return entryChildAdapter{e}, nil
}

const parentHeaderFixed = 8 + 8 + 4 // Signature + LastChildID + ChildrenBits length prefix

func encodeParentHeader(h sparse.ParentHeader) []byte {
	buf := make([]byte, parentHeaderFixed+len(h.ChildrenBits))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Signature))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LastChildID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(h.ChildrenBits)))
	copy(buf[20:], h.ChildrenBits)
	return buf
}

func decodeParentHeader(buf []byte) (sparse.ParentHeader, error) {
	if len(buf) < parentHeaderFixed {
		return sparse.ParentHeader{}, fmt.Errorf("blockcache: %w: truncated sparse parent header", ErrInvalidEntry)
	}
	var h sparse.ParentHeader
	h.Signature = int64(binary.LittleEndian.Uint64(buf[0:8]))
	h.LastChildID = int64(binary.LittleEndian.Uint64(buf[8:16]))
	n := binary.LittleEndian.Uint32(buf[16:20])
	if int(20+n) > len(buf) {
		return sparse.ParentHeader{}, fmt.Errorf("blockcache: %w: truncated sparse parent bitmap", ErrInvalidEntry)
	}
	h.ChildrenBits = append([]byte(nil), buf[20:20+n]...)
	return h, nil
}

const sparseDataSize = 8 + 8 + 8 + 128 + 4 + 4 // must match len(SparseData.Allocation)*4 == 128

func encodeSparseData(sd sparse.SparseData) []byte {
	buf := make([]byte, sparseDataSize)
	binary.LittleEndian.PutUint64(buf[0:8], sd.ParentKeyHash)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(sd.ChildID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(sd.LastUsed))
	off := 24
	for _, w := range sd.Allocation {
		binary.LittleEndian.PutUint32(buf[off:], w)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(sd.PartialBlockIndex))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(sd.PartialBlockLength))
	return buf
}

func decodeSparseData(buf []byte) (sparse.SparseData, error) {
	if len(buf) < sparseDataSize {
		return sparse.SparseData{}, fmt.Errorf("blockcache: %w: truncated sparse child header", ErrInvalidEntry)
	}
	var sd sparse.SparseData
	sd.ParentKeyHash = binary.LittleEndian.Uint64(buf[0:8])
	sd.ChildID = int64(binary.LittleEndian.Uint64(buf[8:16]))
	sd.LastUsed = int64(binary.LittleEndian.Uint64(buf[16:24]))
	off := 24
	for i := range sd.Allocation {
		sd.Allocation[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	sd.PartialBlockIndex = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	sd.PartialBlockLength = int32(binary.LittleEndian.Uint32(buf[off:]))
	return sd, nil
}

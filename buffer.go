package blockcache

// UserBuffer is the per-stream write-back buffer described in §4.1/§3: a
// contiguous in-memory window that absorbs writes until it is flushed to
// block-file or external storage, so repeated small writes to a growing
// stream don't each force a disk round trip.
type UserBuffer struct {
	offset int64
	data   []byte
	grow   func(extra int64) bool
}

// NewUserBuffer builds an empty buffer. grow, if non-nil, is consulted
// before the buffer is allowed to grow by extra bytes (the backend's
// shared buffer-budget check, §4.9); a nil grow never refuses.
func NewUserBuffer(grow func(extra int64) bool) *UserBuffer {
	return &UserBuffer{grow: grow}
}

// PreWrite reports whether a write of length bytes at offset can be
// absorbed by the buffer as-is. A write that starts before the buffer's
// current window is refused: the caller must flush and Reset the buffer
// at the new offset before writing (§4.1's "retarget" rule).
func (b *UserBuffer) PreWrite(offset, length int64) bool {
	if len(b.data) == 0 {
		if b.grow != nil && length > 0 && !b.grow(length) {
			return false
		}
		return true
	}
	if offset < b.offset {
		return false
	}
	end := offset + length
	need := end - (b.offset + int64(len(b.data)))
	if need <= 0 {
		return true
	}
	if b.grow != nil && !b.grow(need) {
		return false
	}
	return true
}

// Reset retargets the buffer to an empty window starting at offset,
// releasing whatever budget its prior content held back to grow (a
// negative extra is never refused, so this never fails).
func (b *UserBuffer) Reset(offset int64) {
	if b.grow != nil && len(b.data) > 0 {
		b.grow(-int64(len(b.data)))
	}
	b.offset = offset
	b.data = b.data[:0]
}

// Write copies buf into the buffer at the given absolute offset, growing
// the backing slice as needed. Callers must have checked PreWrite first.
func (b *UserBuffer) Write(offset int64, buf []byte) {
	if len(b.data) == 0 {
		b.offset = offset
	}
	end := offset + int64(len(buf))
	need := end - b.offset
	if need > int64(len(b.data)) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[offset-b.offset:], buf)
}

// Truncate drops everything in the buffer beyond offset (§4.1's
// pre_truncate rule).
func (b *UserBuffer) Truncate(offset int64) {
	rel := offset - b.offset
	if rel < 0 {
		rel = 0
	}
	if rel < int64(len(b.data)) {
		b.data = b.data[:rel]
	}
}

// PreRead returns how much of a read of length bytes starting at offset
// must come from on-disk storage rather than this buffer: when the
// requested range starts before the buffer's window, only the on-disk
// prefix is served by this call, leaving the remainder to a later call
// once offset has advanced past the buffer's start (§4.1's pre_read
// rule). eof is accepted for symmetry with the original design's
// end-of-stream short-read handling but this implementation always knows
// the exact stream size up front, so it has no effect here.
func (b *UserBuffer) PreRead(eof bool, offset, length int64) int64 {
	_ = eof
	if len(b.data) == 0 {
		return length
	}
	if offset < b.offset {
		onDisk := b.offset - offset
		if onDisk < length {
			return onDisk
		}
		return length
	}
	if offset >= b.offset+int64(len(b.data)) {
		return length
	}
	return 0
}

// Offset is the absolute stream offset of byte 0 of Data.
func (b *UserBuffer) Offset() int64 { return b.offset }

// Data is the buffer's current content.
func (b *UserBuffer) Data() []byte { return b.data }

// Len is len(Data) as an int64.
func (b *UserBuffer) Len() int64 { return int64(len(b.data)) }

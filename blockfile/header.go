package blockfile

import (
	"encoding/binary"
	"fmt"
)

// Magic and Version identify the block-file header format.
const (
	Magic   = uint32(0xC104CAC3)
	Version = uint32(0x00020000)

	// headerSize is the fixed on-disk size of a block-file header, before
	// the allocation bitmap and record region.
	headerSize = 80
)

// header mirrors the block-file header: magic, version, file identity and
// chain link, the size class's entry size, entry counts, the empty/hints
// run-length bookkeeping, an updating flag used as a crash indicator, and
// four reserved user words.
type header struct {
	magic      uint32
	version    uint32
	thisFile   int16
	nextFile   int16
	entrySize  int32
	numEntries int32
	maxEntries int32
	empty      [4]int32
	hints      [4]int32
	updating   int32
	user       [4]int32
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("blockfile: header buffer too short (%d bytes)", len(buf))
	}
	var h header
	h.magic = binary.LittleEndian.Uint32(buf[0:4])
	h.version = binary.LittleEndian.Uint32(buf[4:8])
	h.thisFile = int16(binary.LittleEndian.Uint16(buf[8:10]))
	h.nextFile = int16(binary.LittleEndian.Uint16(buf[10:12]))
	h.entrySize = int32(binary.LittleEndian.Uint32(buf[12:16]))
	h.numEntries = int32(binary.LittleEndian.Uint32(buf[16:20]))
	h.maxEntries = int32(binary.LittleEndian.Uint32(buf[20:24]))

	off := 24
	for i := range h.empty {
		h.empty[i] = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	for i := range h.hints {
		h.hints[i] = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	h.updating = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	for i := range h.user {
		h.user[i] = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}

	if h.magic != Magic {
		return header{}, fmt.Errorf("blockfile: bad magic %#x", h.magic)
	}
	return h, nil
}

func encodeHeader(h header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.thisFile))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(h.nextFile))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.entrySize))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.numEntries))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.maxEntries))

	off := 24
	for _, v := range h.empty {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
		off += 4
	}
	for _, v := range h.hints {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.updating))
	off += 4
	for _, v := range h.user {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
		off += 4
	}
}

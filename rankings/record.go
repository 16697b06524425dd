package rankings

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/rpcpool/blockcache/addr"
)

// RecordSize is the fixed on-disk footprint of a rankings record (§3): two
// 64-bit timestamps, three addresses, a dirty marker, and a trailing
// 32-bit self-hash. The hash is only 32 bits, not blockfile's usual 64, to
// fit the format's literal 36-byte slot.
const RecordSize = 36

const selfHashOffset = 32

// Record is the decoded form of a rankings slot: one node in one of the
// five doubly-linked LRU lists.
type Record struct {
	LastUsed     int64
	LastModified int64
	Next         addr.Addr
	Prev         addr.Addr
	Contents     addr.Addr
	Dirty        int32
}

// DecodeRecord decodes buf (which must be RecordSize bytes) and reports
// whether the trailing self-hash matched. A mismatch is not itself an
// error: per §9's "log and proceed" policy for rankings corruption, the
// caller decides what to do with a suspect record.
func DecodeRecord(buf []byte) (Record, bool) {
	var r Record
	r.LastUsed = int64(binary.LittleEndian.Uint64(buf[0:8]))
	r.LastModified = int64(binary.LittleEndian.Uint64(buf[8:16]))
	r.Next = addr.Addr(binary.LittleEndian.Uint32(buf[16:20]))
	r.Prev = addr.Addr(binary.LittleEndian.Uint32(buf[20:24]))
	r.Contents = addr.Addr(binary.LittleEndian.Uint32(buf[24:28]))
	r.Dirty = int32(binary.LittleEndian.Uint32(buf[28:32]))

	want := binary.LittleEndian.Uint32(buf[selfHashOffset:RecordSize])
	got := uint32(xxhash.Sum64(buf[:selfHashOffset]))
	return r, want == got
}

// EncodeRecord writes r into buf (which must be RecordSize bytes),
// computing the trailing self-hash over everything before it.
func EncodeRecord(r Record, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.LastUsed))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.LastModified))
	binary.LittleEndian.PutUint32(buf[16:20], r.Next.Value())
	binary.LittleEndian.PutUint32(buf[20:24], r.Prev.Value())
	binary.LittleEndian.PutUint32(buf[24:28], r.Contents.Value())
	binary.LittleEndian.PutUint32(buf[28:32], uint32(r.Dirty))

	sum := uint32(xxhash.Sum64(buf[:selfHashOffset]))
	binary.LittleEndian.PutUint32(buf[selfHashOffset:RecordSize], sum)
}

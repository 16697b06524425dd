package blockcache

import (
	"encoding/binary"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/rankings"
)

// entryState is the lifecycle state carried in an entry record (§3).
type entryState int32

const (
	entryNormal entryState = iota
	entryEvicted
	entryDoomed
)

const (
	flagParent = int32(1) << 0
	flagChild  = int32(1) << 1

	// The rankings list an entry currently belongs to is packed into the
	// same Flags field (3 bits is plenty for rankings.NumLists) rather
	// than given its own field, since §6's record layout doesn't name one
	// explicitly and the rankings package itself doesn't track node->list
	// membership.
	rankListShift = 2
	rankListMask  = int32(0x7) << rankListShift
)

// An entry record carries three (size, address) stream pairs (0-2).
// Streams 0 and 1 are always plain user data. Stream 2 is a normal user
// stream on an ordinary entry, but is reserved and internally repurposed
// for the sparse metadata blob on any entry marked PARENT or CHILD (§3,
// §4.8) — the backend refuses read_data/write_data(stream=2) once a
// handle is sparse-capable, the same double-duty the sparse package's
// doc comment assumes.
const (
	numUserStreams    = 3
	sparseStreamIndex = 2
	numStreamSlots    = 3
)

// entryFixedSize is the byte footprint of every entry-record field before
// the inline key buffer; entryHashSize is blockfile's trailing self-hash
// width (§4.4's generic 8-byte convention, reused here since an entry
// record has room for it unlike the tighter 36-byte rankings record).
//
// The record is allocated through the same generic, smallest-class-fits
// allocator every other block-file record uses (blockfile.Allocator.
// CreateBlock), rather than a dedicated "256 B slot spanning up to 4
// blocks" path: its class grows from 256 B up through 4 KiB (and up to 4
// contiguous 4 KiB blocks) exactly as CreateBlock already does for any
// other record, which naturally reproduces §3's "may span multiple slots
// when the key is long." maxInlineKeyLen is the point past which even
// that largest block-file class can't hold the record, past which the
// key spills into a LongKey external file instead.
const (
	entryFixedSize  = 72
	entryHashSize   = 8
	maxInlineKeyLen = 4*4096 - entryFixedSize - entryHashSize
)

func rankListOf(flags int32) rankings.ListID {
	return rankings.ListID((flags & rankListMask) >> rankListShift)
}

func withRankList(flags int32, l rankings.ListID) int32 {
	return (flags &^ rankListMask) | (int32(l) << rankListShift)
}

// entryRecord is the decoded form of one entry-record slot span (§3).
type entryRecord struct {
	KeyHash      uint64
	NextInBucket addr.Addr
	Rankings     addr.Addr
	ReuseCount   int32
	RefetchCount int32
	State        entryState
	CreateTime   int64
	KeyLen       int32
	LongKey      addr.Addr
	DataSize     [numStreamSlots]int32
	DataAddr     [numStreamSlots]addr.Addr
	Flags        int32
	InlineKey    []byte
}

func decodeEntryRecord(buf []byte) entryRecord {
	var r entryRecord
	r.KeyHash = binary.LittleEndian.Uint64(buf[0:8])
	r.NextInBucket = addr.Addr(binary.LittleEndian.Uint32(buf[8:12]))
	r.Rankings = addr.Addr(binary.LittleEndian.Uint32(buf[12:16]))
	r.ReuseCount = int32(binary.LittleEndian.Uint32(buf[16:20]))
	r.RefetchCount = int32(binary.LittleEndian.Uint32(buf[20:24]))
	r.State = entryState(binary.LittleEndian.Uint32(buf[24:28]))
	r.CreateTime = int64(binary.LittleEndian.Uint64(buf[28:36]))
	r.KeyLen = int32(binary.LittleEndian.Uint32(buf[36:40]))
	r.LongKey = addr.Addr(binary.LittleEndian.Uint32(buf[40:44]))
	off := 44
	for i := 0; i < numStreamSlots; i++ {
		r.DataSize[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	for i := 0; i < numStreamSlots; i++ {
		r.DataAddr[i] = addr.Addr(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	r.Flags = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	keyEnd := len(buf) - entryHashSize
	r.InlineKey = append([]byte(nil), buf[off:keyEnd]...)
	return r
}

func encodeEntryRecord(r entryRecord, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.KeyHash)
	binary.LittleEndian.PutUint32(buf[8:12], r.NextInBucket.Value())
	binary.LittleEndian.PutUint32(buf[12:16], r.Rankings.Value())
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.ReuseCount))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(r.RefetchCount))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(r.State))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(r.CreateTime))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(r.KeyLen))
	binary.LittleEndian.PutUint32(buf[40:44], r.LongKey.Value())
	off := 44
	for i := 0; i < numStreamSlots; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(r.DataSize[i]))
		off += 4
	}
	for i := 0; i < numStreamSlots; i++ {
		binary.LittleEndian.PutUint32(buf[off:], r.DataAddr[i].Value())
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Flags))
	off += 4

	keyEnd := len(buf) - entryHashSize
	n := copy(buf[off:keyEnd], r.InlineKey)
	for i := off + n; i < keyEnd; i++ {
		buf[i] = 0
	}
}

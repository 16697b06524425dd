package rankings

import (
	"encoding/binary"

	"github.com/rpcpool/blockcache/addr"
)

// ListID names one of the five age/usage-stratified LRU lists.
type ListID int32

const (
	NoUse ListID = iota
	LowUse
	HighUse
	Reserved
	Deleted

	// NumLists is the fixed list count.
	NumLists = 5
)

func (l ListID) String() string {
	switch l {
	case NoUse:
		return "no_use"
	case LowUse:
		return "low_use"
	case HighUse:
		return "high_use"
	case Reserved:
		return "reserved"
	case Deleted:
		return "deleted"
	default:
		return "unknown_list"
	}
}

// Operation names the two mutations the transaction log can record.
type Operation int32

const (
	OpNone Operation = iota
	OpInsert
	OpRemove
)

// ListsState is the persisted LruData block of the index header: per-list
// head/tail/size, plus the three-field transaction log naming any
// in-flight insert/remove so a crash mid-mutation can be replayed on
// reopen (§3, §4.5).
type ListsState struct {
	Sizes [NumLists]int32
	Heads [NumLists]addr.Addr
	Tails [NumLists]addr.Addr

	Transaction     addr.Addr
	TransactionOp   Operation
	TransactionList ListID
}

// EncodedSize is ListsState's on-disk footprint within the index header.
const EncodedSize = 4*NumLists*3 + 4 + 4 + 4

// Encode writes the state into buf (which must be at least EncodedSize
// bytes).
func (s *ListsState) Encode(buf []byte) {
	off := 0
	for i := 0; i < NumLists; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(s.Sizes[i]))
		off += 4
	}
	for i := 0; i < NumLists; i++ {
		binary.LittleEndian.PutUint32(buf[off:], s.Heads[i].Value())
		off += 4
	}
	for i := 0; i < NumLists; i++ {
		binary.LittleEndian.PutUint32(buf[off:], s.Tails[i].Value())
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], s.Transaction.Value())
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(s.TransactionOp))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(s.TransactionList))
}

// DecodeListsState decodes a ListsState previously written by Encode.
func DecodeListsState(buf []byte) ListsState {
	var s ListsState
	off := 0
	for i := 0; i < NumLists; i++ {
		s.Sizes[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	for i := 0; i < NumLists; i++ {
		s.Heads[i] = addr.Addr(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	for i := 0; i < NumLists; i++ {
		s.Tails[i] = addr.Addr(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	s.Transaction = addr.Addr(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	s.TransactionOp = Operation(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	s.TransactionList = ListID(binary.LittleEndian.Uint32(buf[off:]))
	return s
}

package blockfile

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/rpcpool/blockcache/addr"
)

// Block is a typed, optionally self-hashing fixed-size record bound to an
// Addr, loaded from and stored back through an Allocator (§4.4). Two
// Blocks may alias the same backing buffer via Share; only the original,
// writable Block is allowed to write it back.
type Block struct {
	a        addr.Addr
	data     []byte
	modified bool
	writable bool
}

// NewBlock wraps a freshly allocated address with a zeroed buffer sized to
// its class.
func NewBlock(a addr.Addr) *Block {
	return &Block{a: a, data: make([]byte, a.BlockSize()*a.NumBlocks()), writable: true, modified: true}
}

// LoadBlock reads the record at a's address. When hashOffset > 0, the 8
// bytes at that offset are treated as a trailing self-hash of everything
// before it; a mismatch is reported via the second return value but data
// is still returned, since policy on a bad hash (doom vs. log-and-proceed)
// belongs to the caller.
func LoadBlock(alloc *Allocator, a addr.Addr, hashOffset int) (*Block, bool, error) {
	data, err := alloc.Load(a)
	if err != nil {
		return nil, false, err
	}
	ok := true
	if hashOffset > 0 && hashOffset+8 <= len(data) {
		want := binary.LittleEndian.Uint64(data[hashOffset:])
		got := xxhash.Sum64(data[:hashOffset])
		ok = want == got
	}
	return &Block{a: a, data: data, writable: true}, ok, nil
}

// Store recomputes the self-hash (if hashOffset > 0), writes the record
// back, and clears the modified flag.
func (b *Block) Store(alloc *Allocator, hashOffset int) error {
	if !b.writable {
		return fmt.Errorf("blockfile: store of a non-writable shared block")
	}
	if hashOffset > 0 && hashOffset+8 <= len(b.data) {
		sum := xxhash.Sum64(b.data[:hashOffset])
		binary.LittleEndian.PutUint64(b.data[hashOffset:], sum)
	}
	if err := alloc.Store(b.a, b.data); err != nil {
		return err
	}
	b.modified = false
	return nil
}

// Drop stores the block if it is writable and modified; a no-op otherwise.
// Intended to be called when an owner releases its last reference.
func (b *Block) Drop(alloc *Allocator, hashOffset int) error {
	if b.writable && b.modified {
		return b.Store(alloc, hashOffset)
	}
	return nil
}

// Share returns a second Block aliasing the same buffer, marked
// non-writable.
func (b *Block) Share() *Block {
	return &Block{a: b.a, data: b.data, writable: false}
}

func (b *Block) Addr() addr.Addr { return b.a }
func (b *Block) Data() []byte    { return b.data }
func (b *Block) SetModified()    { b.modified = true }
func (b *Block) Modified() bool  { return b.modified }
func (b *Block) Writable() bool  { return b.writable }

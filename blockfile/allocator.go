// Package blockfile implements the block-file allocator (§4.3) and the
// typed, self-hashing storage block (§4.4) layered on top of it: four
// size-class chains of files (36 B rankings records, 256 B, 1 KiB, 4 KiB),
// each with a header carrying a free-block bitmap and allocation hints.
package blockfile

import (
	"fmt"
	"sync"

	"github.com/rpcpool/blockcache/addr"
)

// classFileNumbers are the fixed head-file numbers for the four reserved
// size classes (data_0..data_3); chain extensions are numbered from
// firstExtensionNumber up.
var classFileNumbers = [4]int16{0, 1, 2, 3}

const firstExtensionNumber = 4

// Allocator owns the four size-class chains that back every inline
// (non-external) record in the cache.
type Allocator struct {
	dir    string
	mu     sync.Mutex
	next   int16
	chains [4]*Chain // indexed by addr.FileType: Rankings, Block256, Block1K, Block4K
}

// OpenAllocator opens (creating as needed) the four block-file chains
// rooted at data_0..data_3 under dir.
func OpenAllocator(dir string) (*Allocator, error) {
	a := &Allocator{dir: dir, next: firstExtensionNumber}
	for i, ft := range []addr.FileType{addr.RankingsType, addr.Block256Type, addr.Block1KType, addr.Block4KType} {
		c, err := openOrCreateChain(dir, ft, classFileNumbers[i], a.allocFileNumber)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.chains[i] = c
	}
	return a, nil
}

func (a *Allocator) allocFileNumber() int16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next
	a.next++
	return n
}

// CreateBlock allocates storage for a record of size bytes, choosing the
// size class addr.RequiredFileType picks: the smallest class whose single
// block holds it, or up to 4 blocks of the 4 KiB class. Records that would
// require more than 4*4096 bytes don't fit any block-file class; callers
// must route them to a separate external file instead.
func (a *Allocator) CreateBlock(size int) (addr.Addr, error) {
	ft := addr.RequiredFileType(size)
	if ft == addr.ExternalType {
		return addr.Zero, fmt.Errorf("blockfile: size %d requires an external file", size)
	}
	count := addr.RequiredBlocks(size, ft)
	return a.chains[ft].Allocate(count)
}

// DeleteBlock releases the blocks at ad.
func (a *Allocator) DeleteBlock(ad addr.Addr) error {
	if ad.IsSeparateFile() {
		return fmt.Errorf("blockfile: %w: separate-file address has no block-file allocation", ErrInvalidArgument)
	}
	return a.chains[ad.FileType()].Free(ad)
}

// Load reads the raw bytes of the record at ad.
func (a *Allocator) Load(ad addr.Addr) ([]byte, error) {
	return a.chains[ad.FileType()].Load(ad)
}

// Store writes data back to ad's slot.
func (a *Allocator) Store(ad addr.Addr, data []byte) error {
	return a.chains[ad.FileType()].Store(ad, data)
}

// Flush syncs every open block file to disk.
func (a *Allocator) Flush() error {
	for _, c := range a.chains {
		if c == nil {
			continue
		}
		if err := c.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes nothing (callers should Flush first) and releases every
// open file descriptor.
func (a *Allocator) Close() error {
	var first error
	for _, c := range a.chains {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

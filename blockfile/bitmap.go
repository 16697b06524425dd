package blockfile

import (
	"encoding/binary"
	"math/bits"
)

// nibbleFreeRun returns the number of contiguous free (clear) blocks at the
// tail (low-order end) of a 4-bit allocation nibble. A nibble of 0 is fully
// free (4); a nibble with bit 0 set has a tail run of 0.
func nibbleFreeRun(nibble uint8) int {
	n := nibble & 0xf
	if n == 0 {
		return 4
	}
	return bits.TrailingZeros8(n)
}

// allocBitmap is a block file's free/used bitmap, one bit per block.
// Allocation is always nibble-aligned: a request for 1-4 contiguous blocks
// is satisfied from a single 4-bit nibble, which is what keeps the header's
// empty/hints vectors a simple function of nibble state rather than
// requiring an arbitrary-width run scan.
type allocBitmap struct {
	words []uint32
}

func newAllocBitmap(maxEntries int) *allocBitmap {
	return &allocBitmap{words: make([]uint32, (maxEntries+31)/32)}
}

func bitmapFromBytes(buf []byte) *allocBitmap {
	words := make([]uint32, len(buf)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return &allocBitmap{words: words}
}

func (b *allocBitmap) bytes() []byte {
	out := make([]byte, len(b.words)*4)
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// grow extends the bitmap to cover maxEntries blocks, zero-filling (free)
// the new tail.
func (b *allocBitmap) grow(maxEntries int) {
	need := (maxEntries + 31) / 32
	if need > len(b.words) {
		grown := make([]uint32, need)
		copy(grown, b.words)
		b.words = grown
	}
}

func (b *allocBitmap) nibbleCount() int { return len(b.words) * 8 }

func (b *allocBitmap) nibble(idx int) uint8 {
	word := b.words[idx/8]
	shift := uint(idx%8) * 4
	return uint8((word >> shift) & 0xf)
}

func (b *allocBitmap) setNibble(idx int, v uint8) {
	wordIdx := idx / 8
	shift := uint(idx%8) * 4
	b.words[wordIdx] = (b.words[wordIdx] &^ (uint32(0xf) << shift)) | (uint32(v&0xf) << shift)
}

// findFree scans nibbles starting at hint for one with at least count
// contiguous free blocks at its tail, wrapping once back to the start.
func (b *allocBitmap) findFree(count, hint int) (nibbleIdx int, ok bool) {
	total := b.nibbleCount()
	if total == 0 {
		return 0, false
	}
	if hint < 0 || hint >= total {
		hint = 0
	}
	for i := 0; i < total; i++ {
		idx := (hint + i) % total
		if nibbleFreeRun(b.nibble(idx)) >= count {
			return idx, true
		}
	}
	return 0, false
}

// mark sets the low `count` bits of the nibble at idx, recording an
// allocation of `count` contiguous blocks starting at its base block.
func (b *allocBitmap) mark(idx, count int) {
	v := b.nibble(idx)
	v |= uint8((1 << uint(count)) - 1)
	b.setNibble(idx, v)
}

// clear releases the low `count` bits of the nibble at idx.
func (b *allocBitmap) clear(idx, count int) {
	v := b.nibble(idx)
	v &^= uint8((1 << uint(count)) - 1)
	b.setNibble(idx, v)
}

// recomputeEmpty rebuilds the empty[4] run-count vector from scratch, used
// both for initial header population and for self-repair when the
// incremental counters are suspected to have drifted from the bitmap.
func (b *allocBitmap) recomputeEmpty(maxEntries int) [4]int32 {
	var empty [4]int32
	nibbles := (maxEntries + 3) / 4
	if nibbles > b.nibbleCount() {
		nibbles = b.nibbleCount()
	}
	for i := 0; i < nibbles; i++ {
		run := nibbleFreeRun(b.nibble(i))
		if run > 0 {
			empty[run-1]++
		}
	}
	return empty
}

func (b *allocBitmap) popcount() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount32(w)
	}
	return n
}

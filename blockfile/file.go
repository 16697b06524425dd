package blockfile

import (
	"fmt"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/diskfile"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockcache")

const (
	initialMaxEntries = 1024
	growIncrement     = 1024
	// hardMaxEntries caps how large a single block file can grow before the
	// chain must extend into a new file instead.
	hardMaxEntries = 1 << 20
	nearFullRatio  = 0.9
)

// File is one block file on disk: a header, an allocation bitmap, and a
// region of fixed-size record slots. It implements the per-file half of
// the block-file allocator (§4.3); Chain composes Files into a growable
// per-size-class chain.
type File struct {
	path     string
	fileType addr.FileType
	f        *diskfile.PlainFile
	hdr      header
	bitmap   *allocBitmap
}

// CreateFile initializes a brand-new, empty block file for fileType at
// path, chained after nextFile (0 if it is the new tail).
func CreateFile(path string, fileType addr.FileType, fileNumber, nextFile int16) (*File, error) {
	f, err := diskfile.OpenPlain(path, true)
	if err != nil {
		return nil, err
	}

	maxEntries := initialMaxEntries
	bm := newAllocBitmap(maxEntries)
	h := header{
		magic:      Magic,
		version:    Version,
		thisFile:   fileNumber,
		nextFile:   nextFile,
		entrySize:  int32(fileType.BlockSize()),
		numEntries: 0,
		maxEntries: int32(maxEntries),
	}
	h.empty = bm.recomputeEmpty(maxEntries)

	bf := &File{path: path, fileType: fileType, f: f, hdr: h, bitmap: bm}
	totalSize := headerSize + len(bm.words)*4 + maxEntries*fileType.BlockSize()
	if err := f.SetLength(int64(totalSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: create %s: %w", path, err)
	}
	if err := bf.writeHeaderAndBitmap(); err != nil {
		f.Close()
		return nil, err
	}
	return bf, nil
}

// OpenFile opens an existing block file, self-repairing its header if it
// was left mid-update by a prior crash.
func OpenFile(path string, fileType addr.FileType) (*File, error) {
	f, err := diskfile.OpenPlain(path, false)
	if err != nil {
		return nil, err
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: read header %s: %w", path, err)
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: %s: %w", path, err)
	}

	bmBytes := make([]byte, ((int(h.maxEntries)+31)/32)*4)
	if _, err := f.ReadAt(bmBytes, int64(headerSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: read bitmap %s: %w", path, err)
	}

	bf := &File{path: path, fileType: fileType, f: f, hdr: h, bitmap: bitmapFromBytes(bmBytes)}
	if h.updating != 0 {
		log.Warnw("block file left mid-update, self-repairing", "path", path)
		if err := bf.SelfRepair(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return bf, nil
}

func (bf *File) writeHeaderAndBitmap() error {
	buf := make([]byte, headerSize+len(bf.bitmap.words)*4)
	encodeHeader(bf.hdr, buf)
	copy(buf[headerSize:], bf.bitmap.bytes())
	if _, err := bf.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("blockfile: write header %s: %w", bf.path, err)
	}
	return nil
}

// Allocate reserves count (1-4) contiguous blocks and returns their
// starting block index. It returns ErrCacheFull if, even after a
// self-repair pass, no nibble has enough free tail space.
func (bf *File) Allocate(count int) (uint16, error) {
	if count < 1 || count > 4 {
		return 0, fmt.Errorf("blockfile: %w: block count %d", ErrInvalidArgument, count)
	}

	idx, ok := bf.bitmap.findFree(count, int(bf.hdr.hints[count-1]))
	if !ok {
		if err := bf.SelfRepair(); err != nil {
			return 0, err
		}
		idx, ok = bf.bitmap.findFree(count, 0)
		if !ok {
			return 0, ErrCacheFull
		}
	}

	bf.hdr.updating = 1
	if err := bf.writeHeaderAndBitmap(); err != nil {
		return 0, err
	}

	before := nibbleFreeRun(bf.bitmap.nibble(idx))
	bf.bitmap.mark(idx, count)
	after := nibbleFreeRun(bf.bitmap.nibble(idx))
	if before >= 1 {
		bf.hdr.empty[before-1]--
	}
	if after >= 1 {
		bf.hdr.empty[after-1]++
	}
	bf.hdr.hints[count-1] = int32(idx)
	bf.hdr.numEntries++
	bf.hdr.updating = 0

	if err := bf.writeHeaderAndBitmap(); err != nil {
		return 0, err
	}
	return uint16(idx * 4), nil
}

// Free releases the count blocks starting at startBlock.
func (bf *File) Free(startBlock uint16, count int) error {
	idx := int(startBlock) / 4

	bf.hdr.updating = 1
	if err := bf.writeHeaderAndBitmap(); err != nil {
		return err
	}

	before := nibbleFreeRun(bf.bitmap.nibble(idx))
	bf.bitmap.clear(idx, count)
	after := nibbleFreeRun(bf.bitmap.nibble(idx))
	if before >= 1 {
		bf.hdr.empty[before-1]--
	}
	if after >= 1 {
		bf.hdr.empty[after-1]++
	}
	bf.hdr.numEntries--
	bf.hdr.updating = 0

	return bf.writeHeaderAndBitmap()
}

// Grow extends max_entries by growIncrement (capped at hardMaxEntries),
// zero-filling the new region and recomputing the empty-run bookkeeping.
func (bf *File) Grow() error {
	newMax := int(bf.hdr.maxEntries) + growIncrement
	if newMax > hardMaxEntries {
		newMax = hardMaxEntries
	}
	if newMax <= int(bf.hdr.maxEntries) {
		return ErrCacheFull
	}

	bf.bitmap.grow(newMax)
	bf.hdr.empty = bf.bitmap.recomputeEmpty(newMax)
	bf.hdr.maxEntries = int32(newMax)

	totalSize := headerSize + len(bf.bitmap.words)*4 + newMax*int(bf.hdr.entrySize)
	if err := bf.f.SetLength(int64(totalSize)); err != nil {
		return fmt.Errorf("blockfile: grow %s: %w", bf.path, err)
	}
	return bf.writeHeaderAndBitmap()
}

// SelfRepair recomputes the empty/hints bookkeeping from the bitmap
// directly, discarding whatever incremental state the header carried. It
// is invoked when an allocation can't find space the header's own counters
// claim should exist, and on open when the updating flag shows a prior
// crash interrupted a mutation.
func (bf *File) SelfRepair() error {
	bf.hdr.empty = bf.bitmap.recomputeEmpty(int(bf.hdr.maxEntries))
	bf.hdr.hints = [4]int32{}
	bf.hdr.updating = 0
	return bf.writeHeaderAndBitmap()
}

func (bf *File) recordOffset(startBlock uint16) int64 {
	bitmapBytes := int64(len(bf.bitmap.words) * 4)
	return int64(headerSize) + bitmapBytes + int64(startBlock)*int64(bf.hdr.entrySize)
}

// LoadRecord reads count contiguous blocks starting at startBlock.
func (bf *File) LoadRecord(startBlock uint16, count int) ([]byte, error) {
	buf := make([]byte, int(bf.hdr.entrySize)*count)
	if _, err := bf.f.ReadAt(buf, bf.recordOffset(startBlock)); err != nil {
		return nil, fmt.Errorf("blockfile: load record: %w", err)
	}
	return buf, nil
}

// StoreRecord writes data back at startBlock. len(data) must be a multiple
// of the file's entry size.
func (bf *File) StoreRecord(startBlock uint16, data []byte) error {
	if _, err := bf.f.WriteAt(data, bf.recordOffset(startBlock)); err != nil {
		return fmt.Errorf("blockfile: store record: %w", err)
	}
	return nil
}

func (bf *File) FileNumber() int16     { return bf.hdr.thisFile }
func (bf *File) NextFileNumber() int16 { return bf.hdr.nextFile }
func (bf *File) NumEntries() int       { return int(bf.hdr.numEntries) }
func (bf *File) MaxEntries() int       { return int(bf.hdr.maxEntries) }

// IsNearFull reports whether the file's bitmap occupancy is high enough
// that the chain should prefer extending rather than growing this file
// further.
func (bf *File) IsNearFull() bool {
	return float64(bf.hdr.numEntries) >= float64(bf.hdr.maxEntries)*nearFullRatio
}

func (bf *File) setNextFileNumber(n int16) error {
	bf.hdr.nextFile = n
	return bf.writeHeaderAndBitmap()
}

func (bf *File) Flush() error { return bf.f.Flush() }
func (bf *File) Close() error { return bf.f.Close() }

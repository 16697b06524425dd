package blockcache

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/diskfile"
	"github.com/rpcpool/blockcache/rankings"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockcache")

const (
	indexMagic          = uint32(0xC103CAC3)
	indexVersionCurrent = uint32(0x00030000)
	indexVersionV2      = uint32(0x00020000)
	indexVersionV2a     = uint32(0x00020001)

	// headerFixedSize is everything in the index header before the
	// embedded LruData block: magic, version, num_entries,
	// old_num_bytes_v2, last_file, this_id, stats_addr, table_len, crash,
	// experiment (10 x i32/u32 = 40 B), create_time, num_bytes (2 x u64/i64
	// = 16 B), and pad[50] (200 B).
	headerFixedSize = 10*4 + 2*8 + 50*4
	// headerSize is the full header footprint the hash table follows.
	headerSize = headerFixedSize + rankings.EncodedSize

	defaultTableLen = 64 * 1024 // must stay a power of two, >= 64 Ki (§6)
)

// indexHeader is the decoded form of the index file's fixed header (§6).
// old_num_bytes_v2 is carried only so the on-disk layout round-trips
// byte-for-byte across an upgrade; v3 readers never consult it.
type indexHeader struct {
	Version       uint32
	NumEntries    int32
	oldNumBytesV2 int32
	LastFile      int32
	ThisID        int32
	StatsAddr     addr.Addr
	TableLen      int32
	Crash         int32
	Experiment    int32
	CreateTime    uint64
	NumBytes      int64
	Lru           rankings.ListsState
}

func decodeIndexHeader(buf []byte) (indexHeader, error) {
	var h indexHeader
	if len(buf) < headerSize {
		return h, fmt.Errorf("blockcache: %w: index header truncated", ErrInvalidEntry)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != indexMagic {
		return h, fmt.Errorf("blockcache: %w: bad index magic %#x", ErrInitFailed, magic)
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.NumEntries = int32(binary.LittleEndian.Uint32(buf[8:12]))
	h.oldNumBytesV2 = int32(binary.LittleEndian.Uint32(buf[12:16]))
	h.LastFile = int32(binary.LittleEndian.Uint32(buf[16:20]))
	h.ThisID = int32(binary.LittleEndian.Uint32(buf[20:24]))
	h.StatsAddr = addr.Addr(binary.LittleEndian.Uint32(buf[24:28]))
	h.TableLen = int32(binary.LittleEndian.Uint32(buf[28:32]))
	h.Crash = int32(binary.LittleEndian.Uint32(buf[32:36]))
	h.Experiment = int32(binary.LittleEndian.Uint32(buf[36:40]))
	h.CreateTime = binary.LittleEndian.Uint64(buf[40:48])
	h.NumBytes = int64(binary.LittleEndian.Uint64(buf[48:56]))
	// buf[56:256) is pad[50], skipped.
	h.Lru = rankings.DecodeListsState(buf[headerFixedSize:headerSize])
	return h, nil
}

func encodeIndexHeader(h indexHeader, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], indexMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.NumEntries))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.oldNumBytesV2))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.LastFile))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.ThisID))
	binary.LittleEndian.PutUint32(buf[24:28], h.StatsAddr.Value())
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.TableLen))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(h.Crash))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(h.Experiment))
	binary.LittleEndian.PutUint64(buf[40:48], h.CreateTime)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.NumBytes))
	for i := 56; i < headerFixedSize; i++ {
		buf[i] = 0
	}
	h.Lru.Encode(buf[headerFixedSize:headerSize])
}

// Index owns the index file: the fixed header (including the embedded
// rankings LruData) and the flat power-of-two hash table of bucket
// addresses that follows it (§3, §6). It is mapped so header/bucket
// mutations are plain memory writes msync'd on persist, matching §4.9's
// "the mapped index header is mutated only on the background thread."
type Index struct {
	path string
	f    *diskfile.MappedFile
	hdr  indexHeader

	// runID is this open's current-run dirty id, stamped onto every
	// rankings node created this run (§3's "current-run dirty
	// id"); it is ThisID bumped by one from the persisted value.
	runID int32
}

// OpenIndex opens (creating as needed) the index file at path. tableLen,
// used only on creation, is rounded up to a power of two no smaller than
// defaultTableLen.
func OpenIndex(path string, tableLen int) (*Index, error) {
	create := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		create = true
	}

	if tableLen < defaultTableLen {
		tableLen = defaultTableLen
	}
	tableLen = nextPowerOfTwo(tableLen)

	size := int64(headerSize + tableLen*4)
	f, err := diskfile.OpenMapped(path, size, create)
	if err != nil {
		return nil, fmt.Errorf("blockcache: %w: open index: %v", ErrStorageError, err)
	}

	idx := &Index{path: path, f: f}
	if create {
		idx.hdr = indexHeader{
			Version:  indexVersionCurrent,
			TableLen: int32(tableLen),
		}
		if err := idx.persistHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, headerSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockcache: %w: read index header: %v", ErrInitFailed, err)
		}
		h, err := decodeIndexHeader(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		if h.Version != indexVersionCurrent {
			if h.Version != indexVersionV2 && h.Version != indexVersionV2a {
				f.Close()
				return nil, fmt.Errorf("blockcache: %w: unsupported index version %#x", ErrInitFailed, h.Version)
			}
			log.Infow("upgrading index version in place", "from", h.Version, "to", indexVersionCurrent)
			h.Version = indexVersionCurrent
		}
		idx.hdr = h
	}

	idx.hdr.ThisID++
	idx.runID = idx.hdr.ThisID
	if err := idx.persistHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// LruState returns the embedded rankings state, for wiring into
// rankings.NewStore.
func (idx *Index) LruState() *rankings.ListsState { return &idx.hdr.Lru }

// RunID is this open's current-run dirty id.
func (idx *Index) RunID() int32 { return idx.runID }

func (idx *Index) persistHeader() error {
	buf := make([]byte, headerSize)
	encodeIndexHeader(idx.hdr, buf)
	if _, err := idx.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("blockcache: %w: write index header: %v", ErrWriteFailure, err)
	}
	return nil
}

// Persist flushes the header (used as the rankings Store's persist hook).
func (idx *Index) Persist() error {
	return idx.persistHeader()
}

func (idx *Index) tableMask() uint32 { return uint32(idx.hdr.TableLen) - 1 }

func (idx *Index) bucketOffset(hash uint64) int64 {
	return int64(headerSize) + int64(uint32(hash)&idx.tableMask())*4
}

// BucketHead returns the address of the first entry in hash's bucket
// chain (zero if empty).
func (idx *Index) BucketHead(hash uint64) (addr.Addr, error) {
	var buf [4]byte
	if _, err := idx.f.ReadAt(buf[:], idx.bucketOffset(hash)); err != nil {
		return addr.Zero, fmt.Errorf("blockcache: %w: read bucket: %v", ErrReadFailure, err)
	}
	return addr.Addr(binary.LittleEndian.Uint32(buf[:])), nil
}

// SetBucketHead rewrites the head of hash's bucket chain.
func (idx *Index) SetBucketHead(hash uint64, a addr.Addr) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], a.Value())
	if _, err := idx.f.WriteAt(buf[:], idx.bucketOffset(hash)); err != nil {
		return fmt.Errorf("blockcache: %w: write bucket: %v", ErrWriteFailure, err)
	}
	return nil
}

// NumEntries returns the live entry count recorded in the header.
func (idx *Index) NumEntries() int32 { return idx.hdr.NumEntries }

// AdjustNumEntries adds delta (positive or negative) to the header's
// entry count and persists it.
func (idx *Index) AdjustNumEntries(delta int32) error {
	idx.hdr.NumEntries += delta
	return idx.persistHeader()
}

// NumBytes returns the header's total-stored-bytes accounting.
func (idx *Index) NumBytes() int64 { return idx.hdr.NumBytes }

// AdjustNumBytes adds delta to the header's byte accounting and persists
// it; the caller is responsible for keeping the result within
// [0, max_size+slack] (§3's byte-accounting invariant is enforced by the
// eviction engine, not here).
func (idx *Index) AdjustNumBytes(delta int64) error {
	idx.hdr.NumBytes += delta
	if idx.hdr.NumBytes < 0 {
		idx.hdr.NumBytes = 0
	}
	return idx.persistHeader()
}

// Experiment returns the inert experiment bit carried over from the
// original design for forward compatibility; nothing in this
// implementation acts on it.
func (idx *Index) Experiment() int32 { return idx.hdr.Experiment }

// SetExperiment sets the inert experiment bit.
func (idx *Index) SetExperiment(v int32) error {
	idx.hdr.Experiment = v
	return idx.persistHeader()
}

// StatsAddr returns the address of the optional stats record (zero if
// none has been allocated yet).
func (idx *Index) StatsAddr() addr.Addr { return idx.hdr.StatsAddr }

// SetStatsAddr records where the stats blob lives.
func (idx *Index) SetStatsAddr(a addr.Addr) error {
	idx.hdr.StatsAddr = a
	return idx.persistHeader()
}

// TableLen returns the hash table length (bucket count).
func (idx *Index) TableLen() int32 { return idx.hdr.TableLen }

// NextExternalFileNumber allocates and persists the next external (f_*)
// file number, backed by the header's last_file field. Numbering starts
// at 1 so every returned value satisfies addr.Addr.SanityCheck's
// external-file-number floor.
func (idx *Index) NextExternalFileNumber() (int32, error) {
	idx.hdr.LastFile++
	if err := idx.persistHeader(); err != nil {
		return 0, err
	}
	return idx.hdr.LastFile, nil
}

// Flush msyncs the mapped index file.
func (idx *Index) Flush() error { return idx.f.Flush() }

// Close flushes and unmaps the index file.
func (idx *Index) Close() error {
	if err := idx.f.Flush(); err != nil {
		idx.f.Close()
		return err
	}
	return idx.f.Close()
}

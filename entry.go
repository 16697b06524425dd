package blockcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/blockfile"
	"github.com/rpcpool/blockcache/rankings"
	"github.com/rpcpool/blockcache/sparse"
)

// inlineStorageLimit is the boundary between block-file storage and a
// dedicated external file for a stream's bytes (§3/§6): streams at or
// under this size live in the block files, larger ones get their own
// f_<hex> file.
const inlineStorageLimit = 16 * 1024

// stream holds one (size, address) slot's live state: the durable
// address/size pair mirrored in the entry record, plus the in-memory
// write-back buffer layered in front of it.
type stream struct {
	size int32
	addr addr.Addr
	buf  *UserBuffer
}

// Entry is the open-handle façade over one cache entry: its record (key,
// rankings link, stream table, parent/child flags) plus the write-back
// buffers and, for sparse entries, a lazily built sparse.Controller (§3,
// §4.1, §4.8).
type Entry struct {
	backend *Backend

	mu      sync.Mutex
	key     string
	record  entryRecord
	self    addr.Addr // this entry record's own block address
	streams [numStreamSlots]stream

	refCount int
	doomed   bool

	sparseMu  sync.Mutex
	sparseCtl *sparse.Controller
}

func newStreams(grow func(extra int64) bool) [numStreamSlots]stream {
	var s [numStreamSlots]stream
	for i := range s {
		s[i].buf = NewUserBuffer(grow)
	}
	return s
}

// Key is the entry's cache key.
func (e *Entry) Key() string { return e.key }

// IsDoomed reports whether the entry has been doomed (it will be deleted
// once its last handle closes).
func (e *Entry) IsDoomed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doomed
}

// currentList reports the rankings list this entry's node currently
// belongs to.
func (e *Entry) currentList() rankings.ListID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return rankListOf(e.record.Flags)
}

func (e *Entry) setCurrentListLocked(l rankings.ListID) {
	e.record.Flags = withRankList(e.record.Flags, l)
}

// ReuseCount is incremented on every successful open-for-reuse (§3/§4.6).
func (e *Entry) ReuseCount() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.ReuseCount
}

// RefetchCount is incremented whenever a doomed-but-still-open entry is
// recreated under the same key before the old handle closes (§4.6).
func (e *Entry) RefetchCount() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.RefetchCount
}

func (e *Entry) setReuseCount(v int32) error {
	e.mu.Lock()
	e.record.ReuseCount = v
	e.mu.Unlock()
	return e.persistRecord()
}

func (e *Entry) setRefetchCount(v int32) error {
	e.mu.Lock()
	e.record.RefetchCount = v
	e.mu.Unlock()
	return e.persistRecord()
}

// GetDataSize reports the current logical size of stream i.
func (e *Entry) GetDataSize(streamIdx int) (int32, error) {
	if streamIdx < 0 || streamIdx >= numUserStreams {
		return 0, fmt.Errorf("blockcache: %w: stream index %d", ErrInvalidArgument, streamIdx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[streamIdx].size, nil
}

// ReadData reads up to len(buf) bytes of stream streamIdx starting at
// offset, merging the write-back buffer with on-disk storage as needed
// (§4.1). It returns the number of bytes copied into buf.
func (e *Entry) ReadData(streamIdx int, offset int64, buf []byte) (int, error) {
	if streamIdx < 0 || streamIdx >= numUserStreams {
		return 0, fmt.Errorf("blockcache: %w: stream index %d", ErrInvalidArgument, streamIdx)
	}
	if offset < 0 {
		return 0, fmt.Errorf("blockcache: %w: negative offset", ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if streamIdx == sparseStreamIndex && e.record.Flags&(flagParent|flagChild) != 0 {
		return 0, fmt.Errorf("blockcache: %w: stream 2 is reserved for sparse metadata on this entry", ErrOperationNotSupported)
	}

	st := &e.streams[streamIdx]
	size := int64(st.size)
	if offset >= size || len(buf) == 0 {
		return 0, nil
	}
	length := int64(len(buf))
	if offset+length > size {
		length = size - offset
	}
	want := buf[:length]

	onDisk := st.buf.PreRead(true, offset, length)
	var fromBuf int64
	if onDisk < length {
		bufStart := offset + onDisk - st.buf.Offset()
		fromBuf = int64(copy(want[onDisk:], st.buf.Data()[bufStart:]))
	}
	if onDisk > 0 || onDisk+fromBuf < length {
		diskData, err := e.loadBytesLocked(st.addr, int(size))
		if err != nil {
			return 0, err
		}
		diskData = padTo(diskData, int(size))
		copy(want[:onDisk], diskData[offset:offset+onDisk])
		copy(want[onDisk+fromBuf:], diskData[offset+onDisk+fromBuf:offset+length])
	}
	return int(length), nil
}

// WriteData writes buf into stream streamIdx at offset, buffering it in
// the stream's write-back UserBuffer; if truncate is set, the stream's
// logical size becomes exactly offset+len(buf) (§4.1). Backends
// configured with NoBuffering flush immediately instead of deferring.
func (e *Entry) WriteData(streamIdx int, offset int64, buf []byte, truncate bool) (int, error) {
	if streamIdx < 0 || streamIdx >= numUserStreams {
		return 0, fmt.Errorf("blockcache: %w: stream index %d", ErrInvalidArgument, streamIdx)
	}
	if offset < 0 {
		return 0, fmt.Errorf("blockcache: %w: negative offset", ErrInvalidArgument)
	}
	if e.backend.cfg.cacheType.readOnly() {
		return 0, fmt.Errorf("blockcache: %w: write to read-only cache type", ErrOperationNotSupported)
	}
	limit := e.backend.cfg.maxSizeBytes / 8
	if e.backend.cfg.cacheType == PnaclCache {
		limit = e.backend.cfg.maxSizeBytes
	}
	if offset+int64(len(buf)) > limit {
		return 0, fmt.Errorf("blockcache: %w: write past per-entry size limit %d", ErrInvalidArgument, limit)
	}

	e.mu.Lock()
	if streamIdx == sparseStreamIndex && e.record.Flags&(flagParent|flagChild) != 0 {
		e.mu.Unlock()
		return 0, fmt.Errorf("blockcache: %w: stream 2 is reserved for sparse metadata on this entry", ErrOperationNotSupported)
	}
	st := &e.streams[streamIdx]
	if !st.buf.PreWrite(offset, int64(len(buf))) {
		if err := e.flushStreamLocked(streamIdx); err != nil {
			e.mu.Unlock()
			return 0, err
		}
		st.buf.Reset(offset)
	}
	st.buf.Write(offset, buf)
	end := offset + int64(len(buf))
	if truncate {
		st.buf.Truncate(end)
		st.size = int32(end)
	} else if end > int64(st.size) {
		st.size = int32(end)
	}
	noBuffer := e.backend.cfg.noBuffering
	e.mu.Unlock()

	if noBuffer {
		return len(buf), e.FlushStream(streamIdx)
	}
	return len(buf), nil
}

// FlushStream forces stream streamIdx's write-back buffer to durable
// storage.
func (e *Entry) FlushStream(streamIdx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushStreamLocked(streamIdx)
}

func (e *Entry) flushStreamLocked(i int) error {
	st := &e.streams[i]
	if st.buf.Len() == 0 {
		return nil
	}
	full := make([]byte, st.size)
	if st.addr.IsInitialized() {
		old, err := e.loadBytesLocked(st.addr, int(st.size))
		if err != nil {
			return err
		}
		copy(full, old)
	}
	copy(full[st.buf.Offset():], st.buf.Data())

	newAddr, err := e.storeBytesLocked(i, st.addr, full)
	if err != nil {
		return err
	}
	st.addr = newAddr
	st.buf.Reset(int64(st.size))
	return e.persistRecordLocked()
}

// Flush flushes every user stream.
func (e *Entry) Flush() error {
	for i := 0; i < numUserStreams; i++ {
		if err := e.FlushStream(i); err != nil {
			return err
		}
	}
	return nil
}

// Close releases this handle. The entry is destroyed once its last
// handle closes and it has been doomed (§4.9's reference-counting rule,
// §3's lifecycle).
func (e *Entry) Close() error {
	if err := e.Flush(); err != nil {
		return err
	}
	return e.backend.releaseEntry(e)
}

// Doom marks the entry for deletion: it is unlinked from its hash bucket
// immediately but its storage and handle stay valid until every open
// handle closes (§3's lifecycle, §4.9's cancellation/ordering notes).
func (e *Entry) Doom() error {
	return e.backend.doomEntryHandle(e)
}

// sparseController lazily builds this entry's sparse fan-out controller,
// used by ReadSparseData/WriteSparseData/GetAvailableRange (§4.8).
func (e *Entry) sparseController() *sparse.Controller {
	e.sparseMu.Lock()
	defer e.sparseMu.Unlock()
	if e.sparseCtl == nil {
		e.sparseCtl = sparse.NewController(entryParentAdapter{e}, backendChildOpener{e.backend})
	}
	return e.sparseCtl
}

// ReadSparseData reads up to len(buf) bytes of sparse data starting at
// offset, fanning out across child entries as needed (§4.8). It marks
// this entry PARENT on first use.
func (e *Entry) ReadSparseData(offset int64, buf []byte) (int, error) {
	if err := e.ensureParentFlag(); err != nil {
		return 0, err
	}
	return e.sparseController().StartIO(sparse.OpRead, offset, buf)
}

// WriteSparseData writes buf into the sparse data space at offset.
func (e *Entry) WriteSparseData(offset int64, buf []byte) (int, error) {
	if err := e.ensureParentFlag(); err != nil {
		return 0, err
	}
	return e.sparseController().StartIO(sparse.OpWrite, offset, buf)
}

// GetAvailableRange reports the first contiguous run of present sparse
// data within [offset, offset+length).
func (e *Entry) GetAvailableRange(offset, length int64) (int64, int64, error) {
	if err := e.ensureParentFlag(); err != nil {
		return 0, 0, err
	}
	return e.sparseController().GetAvailableRange(offset, length)
}

// CancelSparseIO aborts whatever sparse I/O is currently in flight on
// this entry (§4.9's cancellation notes).
func (e *Entry) CancelSparseIO() { e.sparseController().CancelIO() }

func (e *Entry) ensureParentFlag() error {
	e.mu.Lock()
	if e.record.Flags&flagChild != 0 {
		e.mu.Unlock()
		return fmt.Errorf("blockcache: %w: entry is a sparse child, not a parent", ErrOperationNotSupported)
	}
	already := e.record.Flags&flagParent != 0
	e.mu.Unlock()
	if already {
		return nil
	}
	return entryParentAdapter{e}.SetParentFlag(true)
}

// persistRecord re-encodes and stores the entry's own record block.
func (e *Entry) persistRecord() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistRecordLocked()
}

func (e *Entry) persistRecordLocked() error {
	for i := range e.streams {
		e.record.DataSize[i] = e.streams[i].size
		e.record.DataAddr[i] = e.streams[i].addr
	}
	hashOffset := entryHashOffset(e.self)
	blk, _, err := blockfile.LoadBlock(e.backend.alloc, e.self, hashOffset)
	if err != nil {
		return fmt.Errorf("blockcache: %w: load entry record for update: %v", ErrStorageError, err)
	}
	encodeEntryRecord(e.record, blk.Data())
	if err := blk.Store(e.backend.alloc, hashOffset); err != nil {
		return fmt.Errorf("blockcache: %w: store entry record: %v", ErrWriteFailure, err)
	}
	return nil
}

func entryHashOffset(a addr.Addr) int {
	return a.NumBlocks() * a.BlockSize() - entryHashSize
}

// storeBytesLocked persists data as the backing storage for stream i
// (or, for i == sparseStreamIndex, the sparse metadata blob), reusing
// oldAddr's allocation in place when it already has room and otherwise
// releasing it and allocating fresh (§4.3's size-class reuse).
func (e *Entry) storeBytesLocked(streamIdx int, oldAddr addr.Addr, data []byte) (addr.Addr, error) {
	_ = streamIdx
	if len(data) == 0 {
		if oldAddr.IsInitialized() {
			if err := e.releaseStorageLocked(oldAddr); err != nil {
				return addr.Zero, err
			}
		}
		return addr.Zero, nil
	}

	if oldAddr.IsInitialized() && !oldAddr.IsSeparateFile() {
		ft := addr.RequiredFileType(len(data))
		if ft == oldAddr.FileType() && addr.RequiredBlocks(len(data), ft) <= oldAddr.NumBlocks() {
			padded := padTo(data, oldAddr.NumBlocks()*oldAddr.BlockSize())
			if err := e.backend.alloc.Store(oldAddr, padded); err != nil {
				return addr.Zero, fmt.Errorf("blockcache: %w: %v", ErrWriteFailure, err)
			}
			return oldAddr, nil
		}
	}

	if oldAddr.IsInitialized() {
		if err := e.releaseStorageLocked(oldAddr); err != nil {
			return addr.Zero, err
		}
	}

	if len(data) <= inlineStorageLimit {
		a, err := e.backend.alloc.CreateBlock(len(data))
		if err != nil {
			return addr.Zero, fmt.Errorf("blockcache: %w: %v", ErrCacheFull, err)
		}
		padded := padTo(data, a.NumBlocks()*a.BlockSize())
		if err := e.backend.alloc.Store(a, padded); err != nil {
			return addr.Zero, fmt.Errorf("blockcache: %w: %v", ErrWriteFailure, err)
		}
		return a, nil
	}
	return e.backend.storeExternal(data)
}

func (e *Entry) loadBytesLocked(a addr.Addr, size int) ([]byte, error) {
	if !a.IsInitialized() || size == 0 {
		return make([]byte, size), nil
	}
	if a.IsSeparateFile() {
		return e.backend.loadExternal(a, size)
	}
	raw, err := e.backend.alloc.Load(a)
	if err != nil {
		return nil, fmt.Errorf("blockcache: %w: %v", ErrReadFailure, err)
	}
	if len(raw) > size {
		raw = raw[:size]
	}
	return raw, nil
}

func (e *Entry) releaseStorageLocked(a addr.Addr) error {
	if !a.IsInitialized() {
		return nil
	}
	if a.IsSeparateFile() {
		return e.backend.deleteExternal(a)
	}
	if err := e.backend.alloc.DeleteBlock(a); err != nil {
		return fmt.Errorf("blockcache: %w: %v", ErrStorageError, err)
	}
	return nil
}

func padTo(data []byte, n int) []byte {
	if len(data) >= n {
		return data[:n]
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func now() int64 { return time.Now().UnixNano() }

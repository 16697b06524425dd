package blockcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/blockfile"
	"github.com/rpcpool/blockcache/eviction"
	"github.com/rpcpool/blockcache/inflight"
	"github.com/rpcpool/blockcache/rankings"
	"github.com/rpcpool/blockcache/sparse"
	"github.com/rpcpool/blockcache/store/filecache"
)

const (
	// defaultSlackBytes is how far under MaxSize a trim pass aims to
	// land, so a burst of writes right after a trim doesn't immediately
	// trigger another one (§4.6's target = MaxSize - Slack).
	defaultSlackBytes = 10 * 1024 * 1024

	// externalFileCacheSize bounds how many external-file descriptors
	// Backend keeps open at once (§4.9's shared resources).
	externalFileCacheSize = 64
)

func hashKey(key string) uint64 { return xxhash.Sum64String(key) }

// Backend is the open cache directory: the index, block-file allocator,
// rankings store, and eviction engine wired together behind the single
// background thread that serializes every mutation (§2, §4.9). It
// implements eviction.Hooks directly, the same way the teacher's own
// subsystems reach back into their owning Store rather than taking a
// separate adapter type.
type Backend struct {
	dir string
	cfg config

	idx   *Index
	alloc *blockfile.Allocator
	rk    *rankings.Store
	evict *eviction.Engine
	queue *inflight.Queue
	files *filecache.FileCache

	lockFile *os.File

	mu             sync.Mutex
	open           map[addr.Addr]*Entry
	openByKey      map[string]*Entry
	recentlyDoomed map[string]addr.Addr

	bufMu   sync.Mutex
	bufUsed int64

	dedup singleflight.Group

	closeOnce sync.Once
	criticalMu sync.RWMutex
	critical   error
}

// Open opens (creating as needed) a cache directory. Only one process may
// hold it open at a time, enforced with an advisory exclusive flock on a
// lockfile alongside the index (a supplemented concern the original
// design left to callers, since this implementation can be embedded
// directly by more than one binary on the same host).
func Open(dir string, opts ...Option) (*Backend, error) {
	cfg := defaultConfig()
	cfg.apply(opts)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockcache: %w: mkdir %s: %v", ErrInitFailed, dir, err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, "lockfile"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockcache: %w: open lockfile: %v", ErrInitFailed, err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("blockcache: %w: cache directory %s is already open by another process: %v", ErrInitFailed, dir, err)
	}

	tableLen := defaultTableLenPow2
	idx, err := OpenIndex(filepath.Join(dir, "index"), tableLen)
	if err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, err
	}

	alloc, err := blockfile.OpenAllocator(dir)
	if err != nil {
		idx.Close()
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, fmt.Errorf("blockcache: %w: open allocator: %v", ErrInitFailed, err)
	}

	rk := rankings.NewStore(alloc, idx.LruState(), idx.Persist)

	b := &Backend{
		dir:            dir,
		cfg:            cfg,
		idx:            idx,
		alloc:          alloc,
		rk:             rk,
		lockFile:       lockFile,
		open:           make(map[addr.Addr]*Entry),
		openByKey:      make(map[string]*Entry),
		recentlyDoomed: make(map[string]addr.Addr),
		files:          filecache.NewOpenFile(externalFileCacheSize, os.O_RDWR|os.O_CREATE, 0o644),
	}
	b.evict = eviction.NewEngine(eviction.Config{
		Classic:      !cfg.newEviction,
		MaxSize:      cfg.maxSizeBytes,
		Slack:        defaultSlackBytes,
		CurrentRunID: idx.RunID(),
	}, rk, b, idx.NumBytes)

	if err := b.verifyStartup(); err != nil {
		alloc.Close()
		idx.Close()
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, err
	}

	b.queue = inflight.NewQueue(cfg.tickInterval, b.onTick)
	b.queue.Start()
	return b, nil
}

// verifyStartup runs the subsystems' own self-checks concurrently before
// the backend starts serving operations, so a corrupt-on-disk state is
// reported as an init failure rather than surfacing later as a confusing
// mid-operation CriticalError.
func (b *Backend) verifyStartup() error {
	var g errgroup.Group
	g.Go(func() error {
		if err := b.rk.SelfCheck(); err != nil {
			return fmt.Errorf("blockcache: %w: rankings self-check: %v", ErrInitFailed, err)
		}
		return nil
	})
	g.Go(func() error {
		if lf := b.idx.TableLen(); lf <= 0 {
			return fmt.Errorf("blockcache: %w: index table length %d", ErrInitFailed, lf)
		}
		return nil
	})
	return g.Wait()
}

func (b *Backend) onTick() {
	if b.disabled() {
		return
	}
	loaded := false
	if b.evict.ShouldDefer(loaded) {
		return
	}
	if _, err := b.evict.Trim(false); err != nil {
		b.setCritical(err)
	}
}

func (b *Backend) disabled() bool {
	b.criticalMu.RLock()
	defer b.criticalMu.RUnlock()
	return b.critical != nil
}

func (b *Backend) setCritical(err error) {
	b.criticalMu.Lock()
	defer b.criticalMu.Unlock()
	if b.critical == nil {
		ce := &CriticalError{Cause: err}
		log.Errorw("backend disabled after critical error", "error", err)
		b.critical = ce
	}
}

func (b *Backend) checkHealthy() error {
	b.criticalMu.RLock()
	defer b.criticalMu.RUnlock()
	return b.critical
}

// Close stops the background thread, flushes every open entry and the
// index/allocator state, and releases the directory lock.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.evict.SetClosing()
		if b.queue != nil {
			b.queue.Close()
		}

		b.mu.Lock()
		entries := make([]*Entry, 0, len(b.open))
		for _, e := range b.open {
			entries = append(entries, e)
		}
		b.mu.Unlock()
		for _, e := range entries {
			if ferr := e.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}

		if ferr := b.alloc.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if cerr := b.alloc.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := b.idx.Close(); cerr != nil && err == nil {
			err = cerr
		}
		unix.Flock(int(b.lockFile.Fd()), unix.LOCK_UN)
		b.lockFile.Close()
	})
	return err
}

// growBuffer is the UserBuffer.grow hook shared by every stream on every
// open entry: it enforces the backend-wide write-back buffer budget
// (§4.9's shared resources) rather than letting each stream grow
// unboundedly.
func (b *Backend) growBuffer(extra int64) bool {
	b.bufMu.Lock()
	defer b.bufMu.Unlock()
	if extra <= 0 {
		b.bufUsed += extra
		if b.bufUsed < 0 {
			b.bufUsed = 0
		}
		return true
	}
	if b.bufUsed+extra > b.cfg.bufferBudget {
		return false
	}
	b.bufUsed += extra
	return true
}

// ---- eviction.Hooks ----

// DestroyEntry is called by the eviction engine after it has already
// unlinked the rankings node from whichever list it was trimming (and
// will DeleteNode it once this returns): it must never touch rankings
// linkage itself, only free the entry's storage and bucket/index
// bookkeeping (§4.6).
func (b *Backend) DestroyEntry(contents addr.Addr) (int64, error) {
	rec, err := b.loadRecordAt(contents)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	e, open := b.open[contents]
	b.mu.Unlock()
	if open {
		if err := b.doomEntryHandle(e); err != nil {
			return 0, err
		}
		return 0, nil
	}

	wasDoomed := rec.State == entryDoomed
	if !wasDoomed {
		if err := b.unlinkFromBucket(rec.KeyHash, contents); err != nil {
			return 0, err
		}
		if err := b.idx.AdjustNumEntries(-1); err != nil {
			return 0, err
		}
	}

	var freed int64
	for i := range rec.DataAddr {
		if rec.DataAddr[i].IsInitialized() {
			freed += int64(rec.DataSize[i])
			if err := b.releaseStorageAddr(rec.DataAddr[i]); err != nil {
				return freed, err
			}
		}
	}
	if rec.LongKey.IsInitialized() {
		if err := b.releaseStorageAddr(rec.LongKey); err != nil {
			return freed, err
		}
	}
	if err := b.alloc.DeleteBlock(contents); err != nil {
		return freed, fmt.Errorf("blockcache: %w: %v", ErrStorageError, err)
	}
	if err := b.idx.AdjustNumBytes(-freed); err != nil {
		return freed, err
	}
	return freed, nil
}

func (b *Backend) ReuseCount(contents addr.Addr) (int32, error) {
	rec, err := b.loadRecordAt(contents)
	if err != nil {
		return 0, err
	}
	return rec.ReuseCount, nil
}

func (b *Backend) RefetchCount(contents addr.Addr) (int32, error) {
	rec, err := b.loadRecordAt(contents)
	if err != nil {
		return 0, err
	}
	return rec.RefetchCount, nil
}

func (b *Backend) SetReuseCount(contents addr.Addr, n int32) error {
	return b.mutateRecordAt(contents, func(r *entryRecord) { r.ReuseCount = n })
}

func (b *Backend) SetRefetchCount(contents addr.Addr, n int32) error {
	return b.mutateRecordAt(contents, func(r *entryRecord) { r.RefetchCount = n })
}

func (b *Backend) IndexLoadFactor() float64 {
	tl := b.idx.TableLen()
	if tl == 0 {
		return 0
	}
	return float64(b.idx.NumEntries()) / float64(tl)
}

// Stats is a point-in-time snapshot of the header counters, exposed for
// inspection tooling (cmd/blockcachectl) rather than any internal use.
type Stats struct {
	NumEntries int32
	NumBytes   int64
	MaxSize    int64
	TableLen   int32
	LoadFactor float64
}

// Stats returns the backend's current counters.
func (b *Backend) Stats() Stats {
	return Stats{
		NumEntries: b.idx.NumEntries(),
		NumBytes:   b.idx.NumBytes(),
		MaxSize:    b.cfg.maxSizeBytes,
		TableLen:   b.idx.TableLen(),
		LoadFactor: b.IndexLoadFactor(),
	}
}

// ---- entry-record storage helpers ----

func (b *Backend) loadRecordAt(a addr.Addr) (entryRecord, error) {
	hashOffset := entryHashOffset(a)
	blk, ok, err := blockfile.LoadBlock(b.alloc, a, hashOffset)
	if err != nil {
		return entryRecord{}, fmt.Errorf("blockcache: %w: load entry record: %v", ErrStorageError, err)
	}
	if !ok {
		return entryRecord{}, &CriticalError{Cause: fmt.Errorf("entry record at %d failed self-hash", a.Value())}
	}
	return decodeEntryRecord(blk.Data()), nil
}

func (b *Backend) mutateRecordAt(a addr.Addr, fn func(*entryRecord)) error {
	hashOffset := entryHashOffset(a)
	blk, _, err := blockfile.LoadBlock(b.alloc, a, hashOffset)
	if err != nil {
		return fmt.Errorf("blockcache: %w: load entry record: %v", ErrStorageError, err)
	}
	rec := decodeEntryRecord(blk.Data())
	fn(&rec)
	encodeEntryRecord(rec, blk.Data())
	if err := blk.Store(b.alloc, hashOffset); err != nil {
		return fmt.Errorf("blockcache: %w: store entry record: %v", ErrWriteFailure, err)
	}
	return nil
}

func (b *Backend) releaseStorageAddr(a addr.Addr) error {
	if !a.IsInitialized() {
		return nil
	}
	if a.IsSeparateFile() {
		return b.deleteExternal(a)
	}
	if err := b.alloc.DeleteBlock(a); err != nil {
		return fmt.Errorf("blockcache: %w: %v", ErrStorageError, err)
	}
	return nil
}

// ---- bucket chain ----

// findInBucket walks hash's bucket chain looking for key, returning the
// matching entry record's own address and decoded record.
func (b *Backend) findInBucket(hash uint64, key string) (addr.Addr, entryRecord, bool, error) {
	cur, err := b.idx.BucketHead(hash)
	if err != nil {
		return addr.Zero, entryRecord{}, false, err
	}
	for cur.IsInitialized() {
		rec, err := b.loadRecordAt(cur)
		if err != nil {
			return addr.Zero, entryRecord{}, false, err
		}
		if rec.KeyHash == hash {
			k, err := b.readEntryKey(rec)
			if err != nil {
				return addr.Zero, entryRecord{}, false, err
			}
			if k == key {
				return cur, rec, true, nil
			}
		}
		cur = rec.NextInBucket
	}
	return addr.Zero, entryRecord{}, false, nil
}

// unlinkFromBucket removes self from hash's bucket chain, patching
// whichever predecessor (or the bucket head) pointed at it.
func (b *Backend) unlinkFromBucket(hash uint64, self addr.Addr) error {
	head, err := b.idx.BucketHead(hash)
	if err != nil {
		return err
	}
	if head == self {
		rec, err := b.loadRecordAt(self)
		if err != nil {
			return err
		}
		return b.idx.SetBucketHead(hash, rec.NextInBucket)
	}

	cur := head
	for cur.IsInitialized() {
		rec, err := b.loadRecordAt(cur)
		if err != nil {
			return err
		}
		if rec.NextInBucket == self {
			self, err := b.loadRecordAt(self)
			if err != nil {
				return err
			}
			return b.mutateRecordAt(cur, func(r *entryRecord) { r.NextInBucket = self.NextInBucket })
		}
		cur = rec.NextInBucket
	}
	return fmt.Errorf("blockcache: %w: entry %d not found in its own bucket chain", ErrInvalidLinks, self.Value())
}

func (b *Backend) readEntryKey(rec entryRecord) (string, error) {
	if rec.LongKey.IsInitialized() {
		raw, err := b.loadExternal(rec.LongKey, int(rec.KeyLen))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	if int(rec.KeyLen) > len(rec.InlineKey) {
		return "", fmt.Errorf("blockcache: %w: key length %d exceeds inline capacity", ErrInvalidEntry, rec.KeyLen)
	}
	return string(rec.InlineKey[:rec.KeyLen]), nil
}

// ---- external file storage ----

func externalPath(dir string, fileNumber uint32) string {
	return filepath.Join(dir, fmt.Sprintf("f_%06x", fileNumber))
}

func encodeExternalAddr(fileNumber uint32) addr.Addr {
	low := uint16(fileNumber & 0xff)
	high := uint16(fileNumber >> 8)
	return addr.New(addr.ExternalType, 1, low, high)
}

func decodeExternalFileNumber(a addr.Addr) uint32 {
	return uint32(a.FileNumber()) | uint32(a.StartBlock())<<8
}

func (b *Backend) storeExternal(data []byte) (addr.Addr, error) {
	fn, err := b.idx.NextExternalFileNumber()
	if err != nil {
		return addr.Zero, err
	}
	path := externalPath(b.dir, uint32(fn))
	f, err := b.files.Open(path)
	if err != nil {
		return addr.Zero, fmt.Errorf("blockcache: %w: create external file: %v", ErrStorageError, err)
	}
	defer b.files.Close(f)
	if _, err := f.WriteAt(data, 0); err != nil {
		return addr.Zero, fmt.Errorf("blockcache: %w: %v", ErrWriteFailure, err)
	}
	return encodeExternalAddr(uint32(fn)), nil
}

func (b *Backend) loadExternal(a addr.Addr, size int) ([]byte, error) {
	fn := decodeExternalFileNumber(a)
	path := externalPath(b.dir, fn)
	f, err := b.files.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockcache: %w: open external file: %v", ErrReadFailure, err)
	}
	defer b.files.Close(f)
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n < size {
		return nil, fmt.Errorf("blockcache: %w: %v", ErrReadFailure, err)
	}
	return buf, nil
}

func (b *Backend) deleteExternal(a addr.Addr) error {
	fn := decodeExternalFileNumber(a)
	path := externalPath(b.dir, fn)
	b.files.Remove(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockcache: %w: remove external file: %v", ErrStorageError, err)
	}
	return nil
}

// ---- entry lifecycle ----

func (b *Backend) attach(key string, self addr.Addr, rec entryRecord) (*Entry, error) {
	e := &Entry{
		backend: b,
		key:     key,
		record:  rec,
		self:    self,
		streams: newStreams(b.growBuffer),
	}
	for i := range e.streams {
		e.streams[i].size = rec.DataSize[i]
		e.streams[i].addr = rec.DataAddr[i]
		e.streams[i].buf.Reset(int64(rec.DataSize[i]))
	}
	e.refCount = 1

	b.mu.Lock()
	b.open[self] = e
	b.openByKey[key] = e
	b.mu.Unlock()
	return e, nil
}

// doOpenOrCreateEntry implements open_or_create_entry (§6): it attaches a
// new handle to an already-open entry, opens an existing one from
// storage, or creates a fresh one if the key isn't found.
func (b *Backend) doOpenOrCreateEntry(key string) (*Entry, bool, error) {
	if err := b.checkHealthy(); err != nil {
		return nil, false, err
	}

	b.mu.Lock()
	if existing, ok := b.openByKey[key]; ok {
		existing.mu.Lock()
		existing.refCount++
		existing.mu.Unlock()
		b.mu.Unlock()
		return existing, false, nil
	}
	b.mu.Unlock()

	hash := hashKey(key)
	found, rec, ok, err := b.findInBucket(hash, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		e, err := b.openFoundEntry(key, found, rec)
		return e, false, err
	}
	e, err := b.createEntryLocked(key, hash)
	return e, true, err
}

// doOpenEntry implements open_entry: like doOpenOrCreateEntry but fails
// with ErrNotFound instead of creating.
func (b *Backend) doOpenEntry(key string) (*Entry, error) {
	if err := b.checkHealthy(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.openByKey[key]; ok {
		existing.mu.Lock()
		existing.refCount++
		existing.mu.Unlock()
		b.mu.Unlock()
		return existing, nil
	}
	b.mu.Unlock()

	hash := hashKey(key)
	found, rec, ok, err := b.findInBucket(hash, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return b.openFoundEntry(key, found, rec)
}

// doCreateEntry implements create_entry: fails with ErrAlreadyExists if
// the key is already present (open or on disk).
func (b *Backend) doCreateEntry(key string) (*Entry, error) {
	if err := b.checkHealthy(); err != nil {
		return nil, err
	}
	if b.cfg.cacheType.readOnly() {
		return nil, fmt.Errorf("blockcache: %w: create on read-only cache type", ErrOperationNotSupported)
	}

	b.mu.Lock()
	if _, ok := b.openByKey[key]; ok {
		b.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	b.mu.Unlock()

	hash := hashKey(key)
	_, _, ok, err := b.findInBucket(hash, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrAlreadyExists
	}
	return b.createEntryLocked(key, hash)
}

func (b *Backend) openFoundEntry(key string, a addr.Addr, rec entryRecord) (*Entry, error) {
	if b.cfg.cacheType.skipRankUpdateOnOpen() {
		return b.attach(key, a, rec)
	}
	newList, err := b.evict.OnOpen(rec.Rankings, a, rankListOf(rec.Flags))
	if err != nil {
		return nil, err
	}
	rec.Flags = withRankList(rec.Flags, newList)
	if err := b.mutateRecordAt(a, func(r *entryRecord) { r.Flags = rec.Flags }); err != nil {
		return nil, err
	}
	return b.attach(key, a, rec)
}

func (b *Backend) createEntryLocked(key string, hash uint64) (*Entry, error) {
	b.mu.Lock()
	oldAddr, resurrect := b.recentlyDoomed[key]
	b.mu.Unlock()

	initialList := b.evict.InitialList()
	var seedReuse int32
	if resurrect {
		newList, err := b.evict.OnResurrect(oldAddr)
		if err != nil {
			return nil, err
		}
		initialList = newList
		seedReuse, err = b.ReuseCount(oldAddr)
		if err != nil {
			return nil, err
		}
	}

	keyBytes := []byte(key)
	var rec entryRecord
	rec.KeyHash = hash
	rec.CreateTime = now()
	rec.KeyLen = int32(len(keyBytes))
	rec.State = entryNormal
	rec.ReuseCount = seedReuse

	var totalSize int
	if len(keyBytes) <= maxInlineKeyLen {
		rec.InlineKey = keyBytes
		totalSize = entryFixedSize + entryHashSize + len(keyBytes)
	} else {
		longAddr, err := b.storeExternal(keyBytes)
		if err != nil {
			return nil, err
		}
		rec.LongKey = longAddr
		totalSize = entryFixedSize + entryHashSize
	}

	a, err := b.alloc.CreateBlock(totalSize)
	if err != nil {
		if rec.LongKey.IsInitialized() {
			b.deleteExternal(rec.LongKey)
		}
		return nil, fmt.Errorf("blockcache: %w: %v", ErrCacheFull, err)
	}

	node, err := b.rk.NewNode(a, b.idx.RunID())
	if err != nil {
		b.alloc.DeleteBlock(a)
		if rec.LongKey.IsInitialized() {
			b.deleteExternal(rec.LongKey)
		}
		return nil, err
	}
	rec.Rankings = node
	rec.Flags = withRankList(0, initialList)

	oldHead, err := b.idx.BucketHead(hash)
	if err != nil {
		return nil, err
	}
	rec.NextInBucket = oldHead

	hashOffset := entryHashOffset(a)
	blk := blockfile.NewBlock(a)
	encodeEntryRecord(rec, blk.Data())
	if err := blk.Store(b.alloc, hashOffset); err != nil {
		return nil, fmt.Errorf("blockcache: %w: %v", ErrWriteFailure, err)
	}

	if err := b.idx.SetBucketHead(hash, a); err != nil {
		return nil, err
	}
	if err := b.rk.Insert(node, initialList); err != nil {
		return nil, err
	}
	if err := b.idx.AdjustNumEntries(1); err != nil {
		return nil, err
	}

	return b.attach(key, a, rec)
}

// releaseEntry drops one reference to e, destroying its storage once the
// last handle closes a doomed entry (§3's lifecycle).
func (b *Backend) releaseEntry(e *Entry) error {
	e.mu.Lock()
	e.refCount--
	doomed := e.doomed
	remaining := e.refCount
	self := e.self
	key := e.key
	e.mu.Unlock()
	if remaining > 0 {
		return nil
	}

	b.mu.Lock()
	if cur, ok := b.open[self]; ok && cur == e {
		delete(b.open, self)
	}
	if cur, ok := b.openByKey[key]; ok && cur == e {
		delete(b.openByKey, key)
	}
	if doomed {
		if cur, ok := b.recentlyDoomed[key]; ok && cur == self {
			delete(b.recentlyDoomed, key)
		}
	}
	b.mu.Unlock()

	if doomed {
		return b.destroyEntryStorage(e)
	}
	return nil
}

// doomEntryHandle marks e for deletion: unlinked from its bucket and
// demoted to the DELETED rankings list immediately, but its storage lives
// on until releaseEntry sees the last handle close (§3, §4.6's DELETED
// grace window).
func (b *Backend) doomEntryHandle(e *Entry) error {
	e.mu.Lock()
	if e.doomed {
		e.mu.Unlock()
		return nil
	}
	e.doomed = true
	list := rankListOf(e.record.Flags)
	node := e.record.Rankings
	hash := e.record.KeyHash
	self := e.self
	key := e.key
	stillOpen := e.refCount > 0
	e.record.State = entryDoomed
	e.setCurrentListLocked(rankings.Deleted)
	e.mu.Unlock()

	b.mu.Lock()
	delete(b.openByKey, key)
	if stillOpen {
		b.recentlyDoomed[key] = self
	}
	b.mu.Unlock()

	if err := b.unlinkFromBucket(hash, self); err != nil {
		return err
	}
	if err := b.rk.Remove(node, list); err != nil {
		return err
	}
	if err := b.rk.Insert(node, rankings.Deleted); err != nil {
		return err
	}
	if err := b.idx.AdjustNumEntries(-1); err != nil {
		return err
	}
	return e.persistRecord()
}

// destroyEntryStorage frees every stream, the long key if any, and the
// entry record's own block, once an entry with no remaining open handles
// has been doomed.
func (b *Backend) destroyEntryStorage(e *Entry) error {
	e.mu.Lock()
	rec := e.record
	self := e.self
	e.mu.Unlock()

	var freed int64
	for i := range rec.DataAddr {
		if rec.DataAddr[i].IsInitialized() {
			freed += int64(rec.DataSize[i])
			if err := b.releaseStorageAddr(rec.DataAddr[i]); err != nil {
				return err
			}
		}
	}
	if rec.LongKey.IsInitialized() {
		if err := b.releaseStorageAddr(rec.LongKey); err != nil {
			return err
		}
	}
	if err := b.rk.DeleteNode(rec.Rankings); err != nil {
		return err
	}
	if err := b.alloc.DeleteBlock(self); err != nil {
		return fmt.Errorf("blockcache: %w: %v", ErrStorageError, err)
	}
	return b.idx.AdjustNumBytes(-freed)
}

// openChildEntry opens or creates the ordinary entry that backs one
// sparse child slice, deduplicating concurrent opens of the same child
// key with a singleflight group the same way the original design's
// backend serializes access to one entry across concurrent callers.
func (b *Backend) openChildEntry(key string, create bool) (*Entry, error) {
	v, err, _ := b.dedup.Do(key, func() (any, error) {
		if create {
			e, _, err := b.doOpenOrCreateEntry(key)
			return e, err
		}
		e, err := b.doOpenEntry(key)
		return e, err
	})
	if err != nil {
		if !create && err == ErrNotFound {
			return nil, sparse.ErrChildNotFound
		}
		return nil, err
	}
	return v.(*Entry), nil
}

// ---- bulk operations (§6) ----

// walkAllEntries visits every live entry record reachable from the bucket
// table, in bucket order; fn may doom or mutate the visited entry, so the
// next-in-bucket pointer is captured before fn runs.
func (b *Backend) walkAllEntries(fn func(a addr.Addr, rec entryRecord) error) error {
	n := int(b.idx.TableLen())
	for i := 0; i < n; i++ {
		cur, err := b.idx.BucketHead(uint64(i))
		if err != nil {
			return err
		}
		for cur.IsInitialized() {
			rec, err := b.loadRecordAt(cur)
			if err != nil {
				return err
			}
			next := rec.NextInBucket
			if err := fn(cur, rec); err != nil {
				return err
			}
			cur = next
		}
	}
	return nil
}

func (b *Backend) lastUsedOf(rec entryRecord) (time.Time, error) {
	r, err := b.rk.Load(rec.Rankings)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, r.LastUsed), nil
}

func (b *Backend) coldDoom(a addr.Addr, rec entryRecord) error {
	if rec.State == entryDoomed {
		return nil
	}
	list := rankListOf(rec.Flags)
	if err := b.unlinkFromBucket(rec.KeyHash, a); err != nil {
		return err
	}
	if err := b.rk.Remove(rec.Rankings, list); err != nil {
		return err
	}
	if err := b.rk.Insert(rec.Rankings, rankings.Deleted); err != nil {
		return err
	}
	if err := b.idx.AdjustNumEntries(-1); err != nil {
		return err
	}
	return b.mutateRecordAt(a, func(r *entryRecord) {
		r.State = entryDoomed
		r.Flags = withRankList(r.Flags, rankings.Deleted)
	})
}

func (b *Backend) doomAddrOrCold(a addr.Addr, rec entryRecord) error {
	b.mu.Lock()
	e, open := b.open[a]
	b.mu.Unlock()
	if open {
		return b.doomEntryHandle(e)
	}
	return b.coldDoom(a, rec)
}

// doDoomEntry implements doom_entry by key.
func (b *Backend) doDoomEntry(key string) error {
	b.mu.Lock()
	if e, ok := b.openByKey[key]; ok {
		b.mu.Unlock()
		return b.doomEntryHandle(e)
	}
	b.mu.Unlock()

	hash := hashKey(key)
	a, rec, ok, err := b.findInBucket(hash, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return b.coldDoom(a, rec)
}

// doDoomAllEntries implements doom_all_entries.
func (b *Backend) doDoomAllEntries() error {
	return b.walkAllEntries(func(a addr.Addr, rec entryRecord) error {
		if rec.State == entryDoomed {
			return nil
		}
		return b.doomAddrOrCold(a, rec)
	})
}

// doDoomEntriesBetween implements doom_entries_between: dooms every entry
// last used in [begin, end).
func (b *Backend) doDoomEntriesBetween(begin, end time.Time) error {
	return b.walkAllEntries(func(a addr.Addr, rec entryRecord) error {
		if rec.State == entryDoomed {
			return nil
		}
		lastUsed, err := b.lastUsedOf(rec)
		if err != nil {
			return err
		}
		if lastUsed.Before(begin) || !lastUsed.Before(end) {
			return nil
		}
		return b.doomAddrOrCold(a, rec)
	})
}

// doDoomEntriesSince implements doom_entries_since: dooms every entry
// last used at or after when.
func (b *Backend) doDoomEntriesSince(when time.Time) error {
	return b.walkAllEntries(func(a addr.Addr, rec entryRecord) error {
		if rec.State == entryDoomed {
			return nil
		}
		lastUsed, err := b.lastUsedOf(rec)
		if err != nil {
			return err
		}
		if lastUsed.Before(when) {
			return nil
		}
		return b.doomAddrOrCold(a, rec)
	})
}

// doCalculateSizeOfAllEntries implements calculate_size_of_all_entries by
// summing every live entry's stream sizes straight from the bucket table,
// rather than trusting the maintained NumBytes accounting, so it also
// serves as an accounting cross-check.
func (b *Backend) doCalculateSizeOfAllEntries() (int64, error) {
	var total int64
	err := b.walkAllEntries(func(a addr.Addr, rec entryRecord) error {
		for _, sz := range rec.DataSize {
			total += int64(sz)
		}
		return nil
	})
	return total, err
}

// doOnExternalCacheHit implements on_external_cache_hit: it bumps an
// entry's rank as if it had been opened, without actually reading its
// data (§6).
func (b *Backend) doOnExternalCacheHit(key string) error {
	hash := hashKey(key)
	a, rec, ok, err := b.findInBucket(hash, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if b.cfg.cacheType.skipRankUpdateOnOpen() {
		return nil
	}
	list := rankListOf(rec.Flags)
	newList, err := b.evict.OnOpen(rec.Rankings, a, list)
	if err != nil {
		return err
	}
	if newList == list {
		return nil
	}
	return b.mutateRecordAt(a, func(r *entryRecord) { r.Flags = withRankList(r.Flags, newList) })
}

// ---- iteration (§6 create_iterator / open_next_entry) ----

// iterationLists are the live (non-DELETED) rankings lists, visited in
// this order by an Iterator: entries still sitting in the DELETED grace
// window are already on their way out and aren't surfaced to callers
// enumerating the cache.
var iterationLists = [...]rankings.ListID{rankings.NoUse, rankings.LowUse, rankings.HighUse, rankings.Reserved}

// Iterator walks every live entry in the cache, oldest-accessed first
// within each rankings list, the same traversal open_next_entry exposes
// in the original design.
type Iterator struct {
	b       *Backend
	listIdx int
	cur     *rankings.Iterator
}

// NewIterator starts an iteration over every currently-live entry.
func (b *Backend) NewIterator() *Iterator {
	it := &Iterator{b: b}
	it.cur = b.rk.NewIterator(iterationLists[0], rankings.DirNext)
	return it
}

// Next opens the next entry in the traversal, skipping any whose storage
// has since been doomed or raced out from under the iterator.
func (it *Iterator) Next() (*Entry, error) {
	for {
		_, rec, ok, err := it.cur.Advance()
		if err != nil {
			return nil, err
		}
		if !ok {
			it.cur.Close()
			it.listIdx++
			if it.listIdx >= len(iterationLists) {
				return nil, ErrNotFound
			}
			it.cur = it.b.rk.NewIterator(iterationLists[it.listIdx], rankings.DirNext)
			continue
		}
		erec, err := it.b.loadRecordAt(rec.Contents)
		if err != nil {
			continue
		}
		if erec.State == entryDoomed {
			continue
		}
		key, err := it.b.readEntryKey(erec)
		if err != nil {
			continue
		}
		return it.b.doOpenEntry(key)
	}
}

// Close releases the underlying rankings iterator.
func (it *Iterator) Close() { it.cur.Close() }

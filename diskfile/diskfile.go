// Package diskfile implements the backing-store file layer: plain positional
// reads/writes against *os.File, a memory-mapped variant for the small
// header regions that benefit from random access without a syscall per
// touch, and best-effort asynchronous write submission with a process-wide
// pending-I/O counter.
package diskfile

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockcache")

// File is the minimal positional-I/O surface the rest of the cache needs.
// Both PlainFile and MappedFile implement it.
type File interface {
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
	SetLength(n int64) error
	GetLength() (int64, error)
	Flush() error
	Close() error
}

// PlainFile is a straightforward *os.File-backed File, used for the bulk
// block-file data regions where random small reads/writes dominate and a
// full mapping would waste address space.
type PlainFile struct {
	f *os.File
}

// OpenPlain opens (creating if needed) the file at path for positional I/O.
func OpenPlain(path string, create bool) (*PlainFile, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskfile: open %s: %w", path, err)
	}
	return &PlainFile{f: f}, nil
}

func (p *PlainFile) ReadAt(buf []byte, off int64) (int, error)  { return p.f.ReadAt(buf, off) }
func (p *PlainFile) WriteAt(buf []byte, off int64) (int, error) { return p.f.WriteAt(buf, off) }

func (p *PlainFile) SetLength(n int64) error {
	return p.f.Truncate(n)
}

func (p *PlainFile) GetLength() (int64, error) {
	info, err := p.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (p *PlainFile) Flush() error { return p.f.Sync() }
func (p *PlainFile) Close() error { return p.f.Close() }

// OSFile exposes the underlying *os.File, for callers that need the fd
// directly.
func (p *PlainFile) OSFile() *os.File { return p.f }

// AsyncWriter submits writes on a background goroutine and reports their
// result through a completion callback, tracking the number of writes still
// in flight so callers can wait for drain before closing the files they
// wrote to.
type AsyncWriter struct {
	wg      sync.WaitGroup
	pending int64
}

// NewAsyncWriter returns a ready-to-use AsyncWriter.
func NewAsyncWriter() *AsyncWriter { return &AsyncWriter{} }

// Submit queues buf to be written to f at off on a new goroutine. done, if
// non-nil, is invoked with the result once the write completes or fails.
func (w *AsyncWriter) Submit(f File, buf []byte, off int64, done func(n int, err error)) {
	atomic.AddInt64(&w.pending, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer atomic.AddInt64(&w.pending, -1)
		n, err := f.WriteAt(buf, off)
		if err != nil {
			log.Warnw("async write failed", "offset", off, "len", len(buf), "error", err)
		}
		if done != nil {
			done(n, err)
		}
	}()
}

// Pending returns the number of writes currently in flight.
func (w *AsyncWriter) Pending() int64 { return atomic.LoadInt64(&w.pending) }

// Wait blocks until every submitted write has completed.
func (w *AsyncWriter) Wait() { w.wg.Wait() }

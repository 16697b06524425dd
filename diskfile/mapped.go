//go:build linux || darwin

package diskfile

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MappedFile is a memory-mapped File, used for the index header and hash
// table where the access pattern is small, frequent, and random: mapping
// once and touching memory directly is cheaper than a read/write syscall
// per access.
type MappedFile struct {
	f    *os.File
	mu   sync.RWMutex
	data []byte
}

// OpenMapped opens (creating if needed) the file at path and maps its first
// size bytes read/write, growing the backing file to size if it is smaller.
func OpenMapped(path string, size int64, create bool) (*MappedFile, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskfile: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("diskfile: truncate %s to %d: %w", path, size, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskfile: mmap %s: %w", path, err)
	}
	return &MappedFile{f: f, data: data}, nil
}

func (m *MappedFile) ReadAt(buf []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || int(off) > len(m.data) {
		return 0, fmt.Errorf("diskfile: read offset %d out of range (len %d)", off, len(m.data))
	}
	n := copy(buf, m.data[off:])
	return n, nil
}

func (m *MappedFile) WriteAt(buf []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off) > len(m.data) {
		return 0, fmt.Errorf("diskfile: write offset %d out of range (len %d)", off, len(m.data))
	}
	n := copy(m.data[off:], buf)
	return n, nil
}

// SetLength remaps the file to a new size. All prior reads/writes must have
// completed; the caller (the index file owner) is expected to hold it
// exclusively while growing.
func (m *MappedFile) SetLength(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("diskfile: munmap before resize: %w", err)
	}
	if err := m.f.Truncate(n); err != nil {
		return fmt.Errorf("diskfile: truncate to %d: %w", n, err)
	}
	data, err := unix.Mmap(int(m.f.Fd()), 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("diskfile: remap after resize: %w", err)
	}
	m.data = data
	return nil
}

func (m *MappedFile) GetLength() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

// Flush msyncs the mapping back to the backing file.
func (m *MappedFile) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.data) == 0 {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *MappedFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if len(m.data) > 0 {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Bytes returns the mapped region directly, for callers (the index header
// decoder) that want to read struct fields without a copy. Callers must not
// retain the slice past the next SetLength or Close.
func (m *MappedFile) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

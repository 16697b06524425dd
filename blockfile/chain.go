package blockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rpcpool/blockcache/addr"
)

// Chain manages the growable sequence of block files backing one size
// class: it walks from the head file looking for space, extends the chain
// when every file is near full, and reclaims a tail file once it empties.
type Chain struct {
	dir      string
	fileType addr.FileType
	headNum  int16
	files    map[int16]*File
	nextNum  func() int16
}

func filePath(dir string, fileNumber int16) string {
	return filepath.Join(dir, fmt.Sprintf("data_%d", fileNumber))
}

// openOrCreateChain opens the head file (data_<headNum>) of a size class's
// chain, creating it if this is a fresh cache directory.
func openOrCreateChain(dir string, fileType addr.FileType, headNum int16, nextNum func() int16) (*Chain, error) {
	c := &Chain{dir: dir, fileType: fileType, headNum: headNum, files: make(map[int16]*File), nextNum: nextNum}

	path := filePath(dir, headNum)
	var head *File
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		head, err = CreateFile(path, fileType, headNum, 0)
		if err != nil {
			return nil, err
		}
	} else {
		head, err = OpenFile(path, fileType)
		if err != nil {
			return nil, err
		}
	}
	c.files[headNum] = head

	// Eagerly open the rest of the chain so Free can locate any file by
	// number without a lazy-open path complicating the hot allocate loop.
	cur := head
	for cur.NextFileNumber() != 0 {
		next := cur.NextFileNumber()
		nf, err := OpenFile(filePath(dir, next), fileType)
		if err != nil {
			return nil, err
		}
		c.files[next] = nf
		cur = nf
	}
	return c, nil
}

// Allocate satisfies a request for count contiguous blocks, walking the
// chain and extending or growing it as needed.
func (c *Chain) Allocate(count int) (addr.Addr, error) {
	cur := c.files[c.headNum]
	for {
		start, err := cur.Allocate(count)
		if err == nil {
			return addr.New(c.fileType, count, uint16(cur.FileNumber()), start), nil
		}
		if !errors.Is(err, ErrCacheFull) {
			return addr.Zero, err
		}

		if cur.IsNearFull() {
			next := cur.NextFileNumber()
			if next == 0 {
				newNum := c.nextNum()
				nf, cerr := CreateFile(filePath(c.dir, newNum), c.fileType, newNum, 0)
				if cerr != nil {
					return addr.Zero, cerr
				}
				if err := cur.setNextFileNumber(newNum); err != nil {
					return addr.Zero, err
				}
				c.files[newNum] = nf
				next = newNum
			}
			cur = c.files[next]
			continue
		}

		if err := cur.Grow(); err != nil {
			return addr.Zero, err
		}
		start, err = cur.Allocate(count)
		if err != nil {
			return addr.Zero, err
		}
		return addr.New(c.fileType, count, uint16(cur.FileNumber()), start), nil
	}
}

// Free releases a's blocks, deleting the owning file from the chain if it
// becomes empty and is not the head.
func (c *Chain) Free(a addr.Addr) error {
	f, ok := c.files[int16(a.FileNumber())]
	if !ok {
		return fmt.Errorf("blockfile: free: file %d not open in chain", a.FileNumber())
	}
	if err := f.Free(a.StartBlock(), a.NumBlocks()); err != nil {
		return err
	}
	if f.NumEntries() == 0 && int16(a.FileNumber()) != c.headNum {
		return c.removeFile(f)
	}
	return nil
}

func (c *Chain) removeFile(target *File) error {
	var prev *File
	cur := c.files[c.headNum]
	for cur != nil && cur.FileNumber() != target.FileNumber() {
		prev = cur
		cur = c.files[cur.NextFileNumber()]
	}
	if prev == nil {
		return fmt.Errorf("blockfile: cannot unlink head file %d", target.FileNumber())
	}
	if err := prev.setNextFileNumber(target.NextFileNumber()); err != nil {
		return err
	}
	delete(c.files, target.FileNumber())
	path := target.path
	if err := target.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

func (c *Chain) Load(a addr.Addr) ([]byte, error) {
	f, ok := c.files[int16(a.FileNumber())]
	if !ok {
		var err error
		f, err = OpenFile(filePath(c.dir, int16(a.FileNumber())), c.fileType)
		if err != nil {
			return nil, err
		}
		c.files[int16(a.FileNumber())] = f
	}
	return f.LoadRecord(a.StartBlock(), a.NumBlocks())
}

func (c *Chain) Store(a addr.Addr, data []byte) error {
	f, ok := c.files[int16(a.FileNumber())]
	if !ok {
		var err error
		f, err = OpenFile(filePath(c.dir, int16(a.FileNumber())), c.fileType)
		if err != nil {
			return err
		}
		c.files[int16(a.FileNumber())] = f
	}
	return f.StoreRecord(a.StartBlock(), data)
}

func (c *Chain) Flush() error {
	for _, f := range c.files {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) Close() error {
	var first error
	for _, f := range c.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package sparse

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Op selects which direction StartIO moves bytes.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Controller is the sparse fan-out state for one parent entry. All of its
// operations serialize behind mu, mirroring the single background
// thread's total ordering over one entry's mutating ops (§4.9); CancelIO
// is the one exception, since it must be observable from outside whatever
// StartIO call is currently running.
type Controller struct {
	parent Parent
	opener ChildOpener

	mu     sync.Mutex
	header ParentHeader
	loaded bool

	abort atomic.Bool
}

// NewController returns a sparse controller over parent, using opener to
// reach its children.
func NewController(parent Parent, opener ChildOpener) *Controller {
	return &Controller{parent: parent, opener: opener}
}

func (c *Controller) ensureLoadedLocked() error {
	if c.loaded {
		return nil
	}
	h, ok, err := c.parent.LoadHeader()
	if err != nil {
		return err
	}
	if !ok {
		h = ParentHeader{Signature: sparseSignature}
		if err := c.parent.StoreHeader(h); err != nil {
			return err
		}
		if err := c.parent.SetParentFlag(true); err != nil {
			return err
		}
	} else if h.Signature != sparseSignature {
		return errors.New("sparse: parent header signature mismatch")
	}
	c.header = h
	c.loaded = true
	return nil
}

// StartIO performs a contiguous read or write of buf starting at the
// logical offset, fanning out across however many 1 MiB children the
// range touches. It returns the number of bytes actually moved before
// either completing, hitting an error, or observing CancelIO.
func (c *Controller) StartIO(op Op, offset int64, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(); err != nil {
		return 0, err
	}

	done := 0
	for done < len(buf) {
		if c.abort.Load() {
			return done, ErrAborted
		}

		pos := offset + int64(done)
		childID := pos / ChildSize
		inChild := pos % ChildSize
		chunk := int64(len(buf) - done)
		if inChild+chunk > ChildSize {
			chunk = ChildSize - inChild
		}

		n, err := c.childIOLocked(op, childID, inChild, buf[done:done+int(chunk)])
		done += n
		if err != nil {
			return done, err
		}
		if int64(n) < chunk {
			break
		}
	}
	return done, nil
}

func (c *Controller) childIOLocked(op Op, childID, inChild int64, buf []byte) (int, error) {
	if op == OpRead && !childrenBitGet(c.header.ChildrenBits, childID) {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}

	ch, err := c.opener.OpenChild(c.parent.Key(), childID, op == OpWrite)
	if err != nil {
		if errors.Is(err, ErrChildNotFound) {
			for i := range buf {
				buf[i] = 0
			}
			return len(buf), nil
		}
		return 0, err
	}
	defer ch.Close()

	sd, ok, err := ch.LoadSparseData()
	if err != nil {
		return 0, err
	}
	if !ok {
		sd = SparseData{ParentKeyHash: hashKey(c.parent.Key()), ChildID: childID}
	} else if err := verifyChildHeader(sd, c.parent.Key(), childID); err != nil {
		return 0, err
	}

	n, err := ioSubblocks(op, ch, &sd, inChild, buf)
	if n > 0 || op == OpWrite {
		sd.LastUsed = time.Now().UnixNano()
		if serr := ch.StoreSparseData(sd); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return n, err
	}

	if op == OpWrite {
		c.header.ChildrenBits = childrenBitSet(c.header.ChildrenBits, childID, true)
		if childID > c.header.LastChildID {
			c.header.LastChildID = childID
		}
		if serr := c.parent.StoreHeader(c.header); serr != nil {
			return n, serr
		}
	}
	return n, nil
}

// CancelIO marks the controller aborted; the next sub-operation boundary
// inside an in-progress StartIO call surfaces ErrAborted.
func (c *Controller) CancelIO() {
	c.abort.Store(true)
}

// ReadyToUse queues cb behind any in-flight sparse work and then runs it.
func (c *Controller) ReadyToUse(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb()
}

// DoomChildren walks the children bitmap and dooms every tracked child,
// then clears the parent's PARENT flag (§4.8, "child deletion on parent
// doom").
func (c *Controller) DoomChildren() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(); err != nil {
		return err
	}

	n := childrenBitLen(c.header.ChildrenBits)
	for id := int64(0); id < n; id++ {
		if !childrenBitGet(c.header.ChildrenBits, id) {
			continue
		}
		ch, err := c.opener.OpenChild(c.parent.Key(), id, false)
		if err != nil {
			if errors.Is(err, ErrChildNotFound) {
				continue
			}
			return err
		}
		if err := ch.Doom(); err != nil {
			ch.Close()
			return err
		}
		if err := ch.Close(); err != nil {
			return err
		}
	}
	return c.parent.SetParentFlag(false)
}

// Package sparse implements the parent/child fan-out controller for
// sparse entries (§4.8): a parent entry tracks which 1 MiB child slices
// hold data via a bitmap in its own stream 2, and each child tracks which
// 1 KiB subranges within its slice are live via a SparseData header.
//
// The controller never imports the root package directly — it talks to
// its parent entry and child entries through the Parent/Child/ChildOpener
// interfaces below, which the root package implements. That keeps the
// fan-out logic free of an import cycle with the Entry type that embeds
// it, the same way the teacher keeps index/primary/freelist as separate
// packages wired together only through method sets.
package sparse

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// ChildSize is the logical span one child entry covers.
	ChildSize = 1 << 20
	// SubblockSize is the granularity at which a child tracks which of
	// its bytes hold real data.
	SubblockSize = 1 << 10
	// SubblocksPerChild is the number of allocation bits a child's
	// SparseData header carries (1024 bits, §3).
	SubblocksPerChild = ChildSize / SubblockSize
	// allocationWords is SubblocksPerChild packed 32 bits at a time.
	allocationWords = SubblocksPerChild / 32

	sparseSignature = int64(0x53504152_53504152) // "SPAR"-doubled, arbitrary but stable
)

// ErrChildNotFound is returned by ChildOpener.OpenChild when create is
// false and no child entry exists yet for the requested id.
var ErrChildNotFound = errors.New("sparse: child not found")

// ErrAborted is returned from StartIO once CancelIO has been called.
var ErrAborted = errors.New("sparse: operation aborted")

// ParentHeader is the metadata blob stored in a parent entry's stream 2.
type ParentHeader struct {
	Signature     int64
	LastChildID   int64
	ChildrenBits  []byte // one bit per child id, grown on demand
}

// SparseData is the header stored in a child entry's stream 2.
type SparseData struct {
	ParentKeyHash uint64
	ChildID       int64
	LastUsed      int64
	Allocation    [allocationWords]uint32
	// PartialBlockIndex/PartialBlockLength track the single most
	// recently touched subblock that wasn't written in full: its
	// allocation bit stays clear, but PartialBlockLength bytes counted
	// from the subblock's start are real data rather than implicit
	// zero. This is a deliberate simplification of the general case (see
	// DESIGN.md) — only the most recent partial write is remembered.
	PartialBlockIndex  int32
	PartialBlockLength int32
}

// Child is what the controller needs from one child entry.
type Child interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	LoadSparseData() (SparseData, bool, error)
	StoreSparseData(SparseData) error
	Doom() error
	Close() error
}

// ChildOpener opens or creates the child entry responsible for childID.
// When create is false and no such child exists, it returns
// ErrChildNotFound rather than creating one.
type ChildOpener interface {
	OpenChild(parentKey string, childID int64, create bool) (Child, error)
}

// Parent is what the controller needs from its owning entry.
type Parent interface {
	Key() string
	LoadHeader() (ParentHeader, bool, error)
	StoreHeader(ParentHeader) error
	SetParentFlag(bool) error
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func childStart(childID int64) int64 { return childID * ChildSize }

func verifyChildHeader(sd SparseData, parentKey string, childID int64) error {
	if sd.ChildID != childID || sd.ParentKeyHash != hashKey(parentKey) {
		return fmt.Errorf("sparse: child %d header mismatch for parent %q", childID, parentKey)
	}
	return nil
}

// Package rankings implements the five doubly-linked on-disk LRU lists
// (§4.5) that rank cache entries for eviction: insert/remove/update-rank
// mutations go through a three-field transaction log in the persisted
// ListsState so a crash mid-mutation can be replayed on reopen.
package rankings

import (
	"fmt"
	"sync"
	"time"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/blockfile"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockcache")

// Store is the rankings subsystem for one backend: it owns no state of its
// own beyond a reference to the caller's persisted ListsState (typically
// embedded in the index header) and the block allocator rankings records
// live in.
type Store struct {
	mu      sync.Mutex
	alloc   *blockfile.Allocator
	state   *ListsState
	persist func() error

	iterMu sync.Mutex
	iters  map[*Iterator]struct{}

	now func() time.Time
}

// NewStore returns a Store operating on state, persisting any mutation via
// persist (typically a write-through to the index file's mapped header).
func NewStore(alloc *blockfile.Allocator, state *ListsState, persist func() error) *Store {
	return &Store{
		alloc:   alloc,
		state:   state,
		persist: persist,
		iters:   make(map[*Iterator]struct{}),
		now:     time.Now,
	}
}

func (s *Store) load(a addr.Addr) (Record, error) {
	buf, err := s.alloc.Load(a)
	if err != nil {
		return Record{}, fmt.Errorf("rankings: load %d: %w", a.Value(), err)
	}
	r, ok := DecodeRecord(buf)
	if !ok {
		log.Warnw("rankings record self-hash mismatch", "addr", a.Value())
	}
	return r, nil
}

func (s *Store) store(a addr.Addr, r Record) error {
	buf := make([]byte, RecordSize)
	EncodeRecord(r, buf)
	if err := s.alloc.Store(a, buf); err != nil {
		return fmt.Errorf("rankings: store %d: %w", a.Value(), err)
	}
	return nil
}

func (s *Store) beginTransaction(a addr.Addr, op Operation, list ListID) error {
	s.state.Transaction = a
	s.state.TransactionOp = op
	s.state.TransactionList = list
	return s.persist()
}

func (s *Store) endTransaction() error {
	s.state.Transaction = addr.Zero
	s.state.TransactionOp = OpNone
	s.state.TransactionList = 0
	return s.persist()
}

// NewNode allocates and initializes a rankings record pointing at
// contents (the address of the owning entry record), ready to be passed
// to Insert. dirty should be the current run id, so a stale reopen can
// recognize the node as belonging to a prior, possibly-crashed run.
func (s *Store) NewNode(contents addr.Addr, dirty int32) (addr.Addr, error) {
	a, err := s.alloc.CreateBlock(RecordSize)
	if err != nil {
		return addr.Zero, err
	}
	r := Record{Contents: contents, Dirty: dirty}
	if err := s.store(a, r); err != nil {
		s.alloc.DeleteBlock(a)
		return addr.Zero, err
	}
	return a, nil
}

// DeleteNode releases node's backing storage. Callers must have already
// Remove()d it from its list.
func (s *Store) DeleteNode(node addr.Addr) error {
	return s.alloc.DeleteBlock(node)
}

// Load reads back the rankings record at node, for callers (Entry, the
// eviction engine) that need its timestamps/contents/dirty marker without
// mutating list linkage.
func (s *Store) Load(node addr.Addr) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(node)
}

// Insert links node at the head of list.
func (s *Store) Insert(node addr.Addr, list ListID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginTransaction(node, OpInsert, list); err != nil {
		return err
	}
	if err := s.insertLocked(node, list); err != nil {
		return err
	}
	return s.endTransaction()
}

func (s *Store) insertLocked(node addr.Addr, list ListID) error {
	n, err := s.load(node)
	if err != nil {
		return err
	}

	oldHead := s.state.Heads[list]
	wasEmpty := !oldHead.IsInitialized()

	if !wasEmpty {
		head, err := s.load(oldHead)
		if err != nil {
			return err
		}
		head.Prev = node
		if err := s.store(oldHead, head); err != nil {
			return err
		}
		n.Next = oldHead
	} else {
		n.Next = node
		s.state.Tails[list] = node
	}
	n.Prev = node

	now := s.now().UnixNano()
	n.LastUsed = now
	n.LastModified = now
	if err := s.store(node, n); err != nil {
		return err
	}

	s.state.Heads[list] = node
	s.state.Sizes[list]++
	return s.persist()
}

// Remove unlinks node from list.
func (s *Store) Remove(node addr.Addr, list ListID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginTransaction(node, OpRemove, list); err != nil {
		return err
	}
	if err := s.removeLocked(node, list); err != nil {
		return err
	}
	return s.endTransaction()
}

func (s *Store) removeLocked(node addr.Addr, list ListID) error {
	n, err := s.load(node)
	if err != nil {
		return err
	}

	oldNext, oldPrev := n.Next, n.Prev
	isHead := s.state.Heads[list] == node
	isTail := s.state.Tails[list] == node

	switch {
	case isHead && isTail:
		s.state.Heads[list] = addr.Zero
		s.state.Tails[list] = addr.Zero
	case isHead:
		next, err := s.load(oldNext)
		if err != nil {
			return err
		}
		next.Prev = oldNext
		if err := s.store(oldNext, next); err != nil {
			return err
		}
		s.state.Heads[list] = oldNext
	case isTail:
		prev, err := s.load(oldPrev)
		if err != nil {
			return err
		}
		prev.Next = oldPrev
		if err := s.store(oldPrev, prev); err != nil {
			return err
		}
		s.state.Tails[list] = oldPrev
	default:
		prev, err := s.load(oldPrev)
		if err != nil {
			return err
		}
		next, err := s.load(oldNext)
		if err != nil {
			return err
		}
		prev.Next = oldNext
		next.Prev = oldPrev
		if err := s.store(oldPrev, prev); err != nil {
			return err
		}
		if err := s.store(oldNext, next); err != nil {
			return err
		}
	}

	n.Next = addr.Zero
	n.Prev = addr.Zero
	if err := s.store(node, n); err != nil {
		return err
	}

	s.state.Sizes[list]--
	s.fixupIterators(node, list, oldNext, oldPrev)
	return s.persist()
}

// UpdateRank touches node: if it is already at the head of list, only its
// timestamps change; otherwise it is removed and reinserted at the head.
// modified additionally refreshes last_modified.
func (s *Store) UpdateRank(node addr.Addr, list ListID, modified bool) error {
	s.mu.Lock()
	atHead := s.state.Heads[list] == node
	if atHead {
		defer s.mu.Unlock()
		n, err := s.load(node)
		if err != nil {
			return err
		}
		now := s.now().UnixNano()
		n.LastUsed = now
		if modified {
			n.LastModified = now
		}
		return s.store(node, n)
	}
	s.mu.Unlock()

	if err := s.Remove(node, list); err != nil {
		return err
	}
	if err := s.Insert(node, list); err != nil {
		return err
	}
	if !modified {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.load(node)
	if err != nil {
		return err
	}
	n.LastModified = s.now().UnixNano()
	return s.store(node, n)
}

// Size returns the current length of list.
func (s *Store) Size(list ListID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.state.Sizes[list])
}

// Head returns list's head address (zero if empty).
func (s *Store) Head(list ListID) addr.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Heads[list]
}

// Tail returns list's tail address (zero if empty).
func (s *Store) Tail(list ListID) addr.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Tails[list]
}

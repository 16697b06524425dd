package rankings

import "github.com/rpcpool/blockcache/addr"

// Direction distinguishes the two walk orders §4.5 names: get_next walks
// prev-pointers from the tail ("next newer"), get_prev walks next-pointers
// from the head ("older, toward eviction").
type Direction int

const (
	// DirNext walks tail-to-head via prev (oldest-to-newest insertion
	// order, i.e. "next newer").
	DirNext Direction = iota
	// DirPrev walks head-to-tail via next (oldest-toward-eviction order).
	DirPrev
)

// Iterator is a live cursor over one list. Each address it currently
// points at is registered with the owning Store so that if a concurrent
// Remove deletes that node, the cursor is advanced to its successor
// instead of being left dangling (§4.5 "iterator fix-up").
type Iterator struct {
	store   *Store
	list    ListID
	dir     Direction
	current addr.Addr
	started bool
	done    bool
}

// NewIterator returns a cursor over list walking in direction dir,
// positioned before the first element.
func (s *Store) NewIterator(list ListID, dir Direction) *Iterator {
	it := &Iterator{store: s, list: list, dir: dir}
	s.iterMu.Lock()
	s.iters[it] = struct{}{}
	s.iterMu.Unlock()
	return it
}

// Close deregisters the iterator. It is safe to call more than once.
func (it *Iterator) Close() {
	it.store.iterMu.Lock()
	delete(it.store.iters, it)
	it.store.iterMu.Unlock()
}

// Advance returns the next node in the iterator's direction, or ok=false
// once the walk is exhausted.
func (it *Iterator) Advance() (a addr.Addr, r Record, ok bool, err error) {
	it.store.mu.Lock()
	defer it.store.mu.Unlock()

	if it.done {
		return addr.Zero, Record{}, false, nil
	}

	var target addr.Addr
	if !it.started {
		it.started = true
		if it.dir == DirNext {
			target = it.store.state.Tails[it.list]
		} else {
			target = it.store.state.Heads[it.list]
		}
	} else {
		cur, err := it.store.load(it.current)
		if err != nil {
			return addr.Zero, Record{}, false, err
		}
		if it.dir == DirNext {
			if cur.Prev == it.current {
				it.done = true
			} else {
				target = cur.Prev
			}
		} else {
			if cur.Next == it.current {
				it.done = true
			} else {
				target = cur.Next
			}
		}
	}

	if it.done || !target.IsInitialized() {
		it.done = true
		return addr.Zero, Record{}, false, nil
	}

	rec, err := it.store.load(target)
	if err != nil {
		return addr.Zero, Record{}, false, err
	}
	it.current = target
	return target, rec, true, nil
}

// fixupIterators advances every live iterator on list currently pointing
// at the just-removed node to its successor in that iterator's direction,
// using the neighbor pointers the node had immediately before removal.
// Called with s.mu already held.
func (s *Store) fixupIterators(node addr.Addr, list ListID, oldNext, oldPrev addr.Addr) {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()

	for it := range s.iters {
		if it.list != list || it.current != node {
			continue
		}
		if it.dir == DirNext {
			if oldPrev == node || !oldPrev.IsInitialized() {
				it.done = true
			} else {
				it.current = oldPrev
			}
		} else {
			if oldNext == node || !oldNext.IsInitialized() {
				it.done = true
			} else {
				it.current = oldNext
			}
		}
	}
}

package rankings

import (
	"fmt"

	"github.com/rpcpool/blockcache/addr"
)

// SelfCheck walks every list head-to-tail and tail-to-head, verifying node
// sanity, consistent prev/next linkage, and that the traversed length
// matches the recorded size (§4.5, §8 invariants). It never mutates state.
func (s *Store) SelfCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for list := ListID(0); list < NumLists; list++ {
		if err := s.checkListLocked(list); err != nil {
			return fmt.Errorf("rankings: list %s: %w", list, err)
		}
	}
	return nil
}

func (s *Store) checkListLocked(list ListID) error {
	head := s.state.Heads[list]
	tail := s.state.Tails[list]

	if head.IsInitialized() != tail.IsInitialized() {
		return fmt.Errorf("head/tail initialization mismatch (head=%v tail=%v)", head, tail)
	}
	if !head.IsInitialized() {
		if s.state.Sizes[list] != 0 {
			return fmt.Errorf("empty list has nonzero size %d", s.state.Sizes[list])
		}
		return nil
	}

	want := int(s.state.Sizes[list])

	forward, last, err := s.walk(head, want, func(r Record) addr.Addr { return r.Next })
	if err != nil {
		return err
	}
	if forward != want {
		return fmt.Errorf("forward count %d != size %d", forward, want)
	}
	if last != tail {
		return fmt.Errorf("forward walk ended at %v, want tail %v", last, tail)
	}

	backward, first, err := s.walk(tail, want, func(r Record) addr.Addr { return r.Prev })
	if err != nil {
		return err
	}
	if backward != want {
		return fmt.Errorf("backward count %d != size %d", backward, want)
	}
	if first != head {
		return fmt.Errorf("backward walk ended at %v, want head %v", first, head)
	}
	return nil
}

// walk follows next(cur) from start until it self-loops, returning the
// number of nodes visited and the address of the last one. It bails out
// with an error if the walk runs past want+1 nodes, since that can only
// happen if the list is corrupt (a cycle not closed by a self-loop).
func (s *Store) walk(start addr.Addr, want int, next func(Record) addr.Addr) (int, addr.Addr, error) {
	count := 0
	cur := start
	for {
		if err := cur.SanityCheck(); err != nil {
			return count, cur, fmt.Errorf("node %v: %w", cur, err)
		}
		r, err := s.load(cur)
		if err != nil {
			return count, cur, err
		}
		count++
		if count > want+1 {
			return count, cur, fmt.Errorf("walk exceeded recorded size %d without closing", want)
		}
		nxt := next(r)
		if nxt == cur {
			return count, cur, nil
		}
		cur = nxt
	}
}

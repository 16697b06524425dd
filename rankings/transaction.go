package rankings

import "github.com/rpcpool/blockcache/addr"

// RecoveredEntryFunc is invoked by CompleteTransaction when an INSERT
// transaction's target had not yet been linked into its recorded list:
// the caller (the backend) is responsible for reattaching the node's
// owning entry record to the hash table, since the crash may have
// happened before that link was made either.
type RecoveredEntryFunc func(contents addr.Addr) error

// CompleteTransaction replays whatever rankings mutation was in flight
// when the process last exited uncleanly (§4.5). It is a no-op if the
// transaction log is clear.
func (s *Store) CompleteTransaction(onRecoveredInsert RecoveredEntryFunc) error {
	s.mu.Lock()

	if !s.state.Transaction.IsInitialized() {
		s.mu.Unlock()
		return nil
	}

	node := s.state.Transaction
	op := s.state.TransactionOp
	list := s.state.TransactionList

	n, err := s.load(node)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	switch op {
	case OpInsert:
		atHead := s.state.Heads[list] == node
		if !atHead {
			if err := s.insertLocked(node, list); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		contents := n.Contents
		s.mu.Unlock()
		if !atHead && onRecoveredInsert != nil {
			if err := onRecoveredInsert(contents); err != nil {
				return err
			}
		}
		s.mu.Lock()
	case OpRemove:
		if err := s.repairRemoveLocked(node, list); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	defer s.mu.Unlock()
	return s.endTransaction()
}

// repairRemoveLocked finishes an interrupted Remove. The original
// algorithm is not fully pinned down by the format (which of the four
// neighbor-pointer writes landed before the crash is not recorded
// anywhere), so this performs the conservative repair: if the node is
// already fully unlinked (both neighbor fields zero), the removal had
// completed and there is nothing to do; otherwise it finishes splicing
// the node out using whatever neighbor pointers survived, patching
// head/tail if the node was an end of the list.
func (s *Store) repairRemoveLocked(node addr.Addr, list ListID) error {
	n, err := s.load(node)
	if err != nil {
		return err
	}

	if !n.Next.IsInitialized() && !n.Prev.IsInitialized() {
		return nil
	}

	isHead := s.state.Heads[list] == node
	isTail := s.state.Tails[list] == node

	if isHead {
		next := n.Next
		if next.IsInitialized() && next != node {
			nr, err := s.load(next)
			if err != nil {
				return err
			}
			nr.Prev = next
			if err := s.store(next, nr); err != nil {
				return err
			}
			s.state.Heads[list] = next
		} else {
			s.state.Heads[list] = addr.Zero
		}
	}
	if isTail {
		prev := n.Prev
		if prev.IsInitialized() && prev != node {
			pr, err := s.load(prev)
			if err != nil {
				return err
			}
			pr.Next = prev
			if err := s.store(prev, pr); err != nil {
				return err
			}
			s.state.Tails[list] = prev
		} else {
			s.state.Tails[list] = addr.Zero
		}
	}
	if !isHead && !isTail {
		// Neither end: the crash happened before either neighbor was
		// patched. Splice the middle node out directly.
		if n.Prev.IsInitialized() {
			pr, err := s.load(n.Prev)
			if err != nil {
				return err
			}
			pr.Next = n.Next
			if err := s.store(n.Prev, pr); err != nil {
				return err
			}
		}
		if n.Next.IsInitialized() {
			nr, err := s.load(n.Next)
			if err != nil {
				return err
			}
			nr.Prev = n.Prev
			if err := s.store(n.Next, nr); err != nil {
				return err
			}
		}
	}

	n.Next = addr.Zero
	n.Prev = addr.Zero
	if err := s.store(node, n); err != nil {
		return err
	}
	s.state.Sizes[list]--
	return nil
}

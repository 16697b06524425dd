package eviction

import (
	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/rankings"
)

// Promotion thresholds (§4.6): an entry moves from NO_USE to LOW_USE the
// first time it's reopened, and from LOW_USE to HIGH_USE once it's been
// reused ten times. A doomed entry re-created before its DELETED-list
// grace window lapses jumps straight to HIGH_USE once it has been
// refetched more than ten times while its reuse count is still below ten.
const (
	lowUseReuseThreshold  = 1
	highUseReuseThreshold = 10
	resurrectRefetchJump  = 10
)

// InitialList returns the list a freshly created entry lands on. Under
// classic trim every entry lives on NO_USE; under the stratified policy
// it still starts there, graduating only as OnOpen observes reuse.
func (e *Engine) InitialList() rankings.ListID {
	return rankings.NoUse
}

// OnOpen records a reuse of an existing entry's contents and promotes it
// to the next list if it has crossed a threshold, touching its rank
// either way. It is a no-op under the classic policy, which doesn't
// stratify by use.
func (e *Engine) OnOpen(node addr.Addr, contents addr.Addr, currentList rankings.ListID) (rankings.ListID, error) {
	if e.cfg.Classic {
		return currentList, e.rk.UpdateRank(node, currentList, false)
	}

	reuse, err := e.hooks.ReuseCount(contents)
	if err != nil {
		return currentList, err
	}
	reuse++
	if err := e.hooks.SetReuseCount(contents, reuse); err != nil {
		return currentList, err
	}

	newList := currentList
	switch {
	case currentList == rankings.NoUse && reuse >= lowUseReuseThreshold:
		newList = rankings.LowUse
	case currentList == rankings.LowUse && reuse >= highUseReuseThreshold:
		newList = rankings.HighUse
	}

	if newList == currentList {
		return currentList, e.rk.UpdateRank(node, currentList, false)
	}
	if err := e.rk.Remove(node, currentList); err != nil {
		return currentList, err
	}
	if err := e.rk.Insert(node, newList); err != nil {
		return currentList, err
	}
	return newList, nil
}

// OnResurrect handles a create() call that reuses a key whose previous
// entry was still sitting in the DELETED grace window: it counts as a
// refetch rather than a fresh create, and a key refetched often enough
// without having proven reuse jumps straight to HIGH_USE. Otherwise its
// reuse count is bumped and it lands on the list that count selects, by
// the same thresholds OnOpen uses.
func (e *Engine) OnResurrect(contents addr.Addr) (rankings.ListID, error) {
	if e.cfg.Classic {
		return rankings.NoUse, nil
	}

	refetch, err := e.hooks.RefetchCount(contents)
	if err != nil {
		return rankings.NoUse, err
	}
	refetch++
	if err := e.hooks.SetRefetchCount(contents, refetch); err != nil {
		return rankings.NoUse, err
	}

	reuse, err := e.hooks.ReuseCount(contents)
	if err != nil {
		return rankings.NoUse, err
	}
	if refetch > resurrectRefetchJump && reuse < highUseReuseThreshold {
		return rankings.HighUse, nil
	}

	reuse++
	if err := e.hooks.SetReuseCount(contents, reuse); err != nil {
		return rankings.NoUse, err
	}
	switch {
	case reuse >= highUseReuseThreshold:
		return rankings.HighUse, nil
	case reuse >= lowUseReuseThreshold:
		return rankings.LowUse, nil
	}
	return rankings.NoUse, nil
}

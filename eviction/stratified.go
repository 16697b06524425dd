package eviction

import (
	"time"

	"github.com/rpcpool/blockcache/rankings"
)

const (
	// targetTimeBase is the age threshold for NO_USE (list 0); LOW_USE,
	// HIGH_USE double it per list index per §4.6's age-target formula
	// target_time * 2^list.
	targetTimeBase = 7 * 24 * time.Hour

	// stratifiedShare is the length share (of the three live lists'
	// combined size) a list is allowed before it's picked purely on
	// length rather than age.
	stratifiedShare = 1.0 / 3.0
	// noUseFloorRatio keeps NO_USE from being picked on length alone once
	// it's already thin, since it's the landing list for every new entry.
	noUseFloorRatio = 0.05

	deletedTrimRatioDefault   = 0.40
	deletedTrimRatioLightLoad = 0.25
)

var stratifiedLists = [3]rankings.ListID{rankings.NoUse, rankings.LowUse, rankings.HighUse}

func (e *Engine) trimStratified(emptyCache bool) (bool, error) {
	target := e.target(emptyCache)
	start := time.Now()
	evicted := 0

	for e.numBytes() > target {
		if evicted >= maxEvictionsPerPass || time.Since(start) >= maxPassDuration {
			log.Debugw("trim pass yielded", "policy", "stratified", "evicted", evicted)
			return true, nil
		}

		list, ok := e.pickStratifiedList()
		if !ok {
			break
		}
		tail := e.rk.Tail(list)
		if !tail.IsInitialized() {
			break
		}
		rec, err := e.rk.Load(tail)
		if err != nil {
			return false, err
		}
		if rec.Dirty == e.cfg.CurrentRunID {
			break
		}

		// Evicting from a live list demotes the node to DELETED rather
		// than destroying it outright; the DELETED list is trimmed for
		// real separately, giving a short grace window for entries that
		// get re-requested right after falling out of use.
		if err := e.rk.Remove(tail, list); err != nil {
			return false, err
		}
		if err := e.rk.Insert(tail, rankings.Deleted); err != nil {
			return false, err
		}
		evicted++
	}

	if err := e.trimDeletedList(); err != nil {
		return false, err
	}
	return false, nil
}

// pickStratifiedList chooses which of the three live lists to trim from:
// the first (in NO_USE, LOW_USE, HIGH_USE order) whose tail is older than
// its age target, or, failing that, whichever list's share of the total
// most exceeds stratifiedShare.
func (e *Engine) pickStratifiedList() (rankings.ListID, bool) {
	for i, list := range stratifiedLists {
		tail := e.rk.Tail(list)
		if !tail.IsInitialized() {
			continue
		}
		rec, err := e.rk.Load(tail)
		if err != nil {
			continue
		}
		age := time.Since(time.Unix(0, rec.LastUsed))
		threshold := targetTimeBase * time.Duration(uint64(1)<<uint(i))
		if age > threshold {
			return list, true
		}
	}

	total := 0
	for _, list := range stratifiedLists {
		total += e.rk.Size(list)
	}
	if total == 0 {
		return 0, false
	}
	floor := int(float64(total) * noUseFloorRatio)

	best := -1
	bestExcess := 0
	for i, list := range stratifiedLists {
		sz := e.rk.Size(list)
		if list == rankings.NoUse && sz <= floor {
			continue
		}
		excess := sz - int(float64(total)*stratifiedShare)
		if excess > bestExcess {
			bestExcess = excess
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return stratifiedLists[best], true
}

// trimDeletedList destroys DELETED-list entries for real once the list
// grows past its share of all tracked entries: 40% normally, tightened to
// 25% when the index is lightly loaded (load factor below 0.5).
func (e *Engine) trimDeletedList() error {
	total := e.rk.Size(rankings.Deleted)
	for _, list := range stratifiedLists {
		total += e.rk.Size(list)
	}
	if total == 0 {
		return nil
	}

	ratio := deletedTrimRatioDefault
	if e.hooks.IndexLoadFactor() < 0.5 {
		ratio = deletedTrimRatioLightLoad
	}
	threshold := int(float64(total) * ratio)

	for e.rk.Size(rankings.Deleted) > threshold {
		tail := e.rk.Tail(rankings.Deleted)
		if !tail.IsInitialized() {
			break
		}
		rec, err := e.rk.Load(tail)
		if err != nil {
			return err
		}
		if err := e.rk.Remove(tail, rankings.Deleted); err != nil {
			return err
		}
		if _, err := e.hooks.DestroyEntry(rec.Contents); err != nil {
			return err
		}
		if err := e.rk.DeleteNode(tail); err != nil {
			return err
		}
	}
	return nil
}

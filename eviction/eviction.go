// Package eviction implements the trim policy layered on top of the
// rankings lists (§4.6): a classic single-list LRU trim and a stratified
// four-list age-based trim, selected per backend configuration.
package eviction

import (
	"time"

	"github.com/rpcpool/blockcache/addr"
	"github.com/rpcpool/blockcache/rankings"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockcache")

const (
	// maxEvictionsPerPass and maxPassDuration bound a single trim pass so
	// it yields back to the caller rather than starving other background
	// work; the caller is expected to reschedule the trim when it yields.
	maxEvictionsPerPass = 20
	maxPassDuration     = 20 * time.Millisecond
)

// Hooks lets the eviction engine reach back into the backend for the
// operations it doesn't own directly: destroying a doomed entry's storage,
// reading/writing the reuse/refetch counters that live on the entry
// record, and gauging how loaded the index currently is.
type Hooks interface {
	// DestroyEntry dooms and fully releases the entry owning the rankings
	// node whose contents address is given, returning the number of
	// bytes its streams occupied.
	DestroyEntry(contents addr.Addr) (bytesFreed int64, err error)
	ReuseCount(contents addr.Addr) (int32, error)
	RefetchCount(contents addr.Addr) (int32, error)
	SetReuseCount(contents addr.Addr, n int32) error
	SetRefetchCount(contents addr.Addr, n int32) error
	// IndexLoadFactor reports how full the hash table is (live entries /
	// table length), used to pick the DELETED-list trim threshold.
	IndexLoadFactor() float64
}

// Config selects and tunes the trim policy.
type Config struct {
	// Classic selects the single-list NO_USE trim; false selects the
	// stratified four-list age policy.
	Classic bool
	// MaxSize and Slack bound the trim target: target = MaxSize - Slack.
	MaxSize int64
	Slack   int64
	// CurrentRunID is stamped on rankings nodes created this run; a node
	// whose Dirty field matches it is protected from
	// eviction (it belongs to work still in flight this run).
	CurrentRunID int32
}

// Engine is the trim policy for one backend.
type Engine struct {
	cfg      Config
	rk       *rankings.Store
	hooks    Hooks
	numBytes func() int64

	throttle throttleState
}

// NewEngine returns an Engine trimming rk down to cfg's budget, calling
// numBytes to read the backend's current byte accounting.
func NewEngine(cfg Config, rk *rankings.Store, hooks Hooks, numBytes func() int64) *Engine {
	return &Engine{cfg: cfg, rk: rk, hooks: hooks, numBytes: numBytes}
}

func (e *Engine) target(emptyCache bool) int64 {
	if emptyCache {
		return 0
	}
	t := e.cfg.MaxSize - e.cfg.Slack
	if t < 0 {
		t = 0
	}
	return t
}

// Trim runs one bounded pass of whichever policy is configured, returning
// yielded=true if it stopped early on the eviction/time budget rather than
// because the target was reached (the caller should reschedule it).
func (e *Engine) Trim(emptyCache bool) (yielded bool, err error) {
	if e.cfg.Classic {
		return e.trimClassic(emptyCache)
	}
	return e.trimStratified(emptyCache)
}

func (e *Engine) trimClassic(emptyCache bool) (bool, error) {
	target := e.target(emptyCache)
	start := time.Now()
	evicted := 0

	for e.numBytes() > target {
		if evicted >= maxEvictionsPerPass || time.Since(start) >= maxPassDuration {
			log.Debugw("trim pass yielded", "policy", "classic", "evicted", evicted)
			return true, nil
		}

		tail := e.rk.Tail(rankings.NoUse)
		if !tail.IsInitialized() {
			break
		}
		rec, err := e.rk.Load(tail)
		if err != nil {
			return false, err
		}
		if rec.Dirty == e.cfg.CurrentRunID {
			// The tail belongs to the run currently writing it; nothing
			// further back the list is evictable either in the classic
			// single-list policy, so stop.
			break
		}

		if err := e.rk.Remove(tail, rankings.NoUse); err != nil {
			return false, err
		}
		if _, err := e.hooks.DestroyEntry(rec.Contents); err != nil {
			return false, err
		}
		if err := e.rk.DeleteNode(tail); err != nil {
			return false, err
		}
		evicted++
	}
	return false, nil
}

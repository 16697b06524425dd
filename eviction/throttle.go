package eviction

import "sync/atomic"

// maxDeferrals bounds how many times a trim request can be pushed back
// while the backend reports itself busy before it's forced through
// synchronously regardless of load (§4.6).
const maxDeferrals = 60

// throttleState tracks deferred-trim bookkeeping. It's embedded in Engine
// rather than exported since only the engine's own scheduling loop should
// consult it.
type throttleState struct {
	deferCount int
	closing    atomic.Bool
}

// ShouldDefer reports whether a scheduled trim should be rescheduled
// rather than run now. loaded is the backend's current "am I busy enough
// that a trim pass would compete for I/O" signal. Once a trim has been
// deferred maxDeferrals times in a row it is forced through, and nothing
// defers once the cache is closing.
func (e *Engine) ShouldDefer(loaded bool) bool {
	if e.throttle.closing.Load() {
		return false
	}
	if !loaded {
		e.throttle.deferCount = 0
		return false
	}
	e.throttle.deferCount++
	if e.throttle.deferCount > maxDeferrals {
		e.throttle.deferCount = 0
		return false
	}
	return true
}

// SetClosing forces every subsequent ShouldDefer call to return false, so
// a shutdown doesn't wait out the remaining deferral budget before its
// final trim runs.
func (e *Engine) SetClosing() {
	e.throttle.closing.Store(true)
}

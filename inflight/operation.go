// Package inflight is the foreground-thread proxy that packages each
// public backend call into a task posted to the single background
// thread and delivers its result back (§4.9, §2 C10): a Queue runs tasks
// one at a time on a dedicated goroutine, and an Operation carries a
// correlation id plus whichever of the three result shapes its call
// produces.
package inflight

import (
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes the three result shapes a public operation can
// produce, so callers that just want "did it work" don't have to type
// switch on an empty interface for the common case.
type Kind int

const (
	// KindPlain carries a byte count, e.g. read_data/write_data.
	KindPlain Kind = iota
	// KindEntry carries an opened or created entry handle.
	KindEntry
	// KindRange carries a (start, length) pair, e.g. get_available_range.
	KindRange
)

// Result is the outcome of one Operation, shaped by its Kind.
type Result struct {
	Kind Kind

	N int // KindPlain

	Entry any // KindEntry

	Start  int64 // KindRange
	Length int64 // KindRange
}

// Operation is one posted unit of work. Its ID is for log correlation
// only — the queue doesn't use it for anything but tracing a call from
// foreground post to background completion.
type Operation struct {
	ID   uuid.UUID
	Name string

	run func() (Result, error)

	mu       sync.Mutex
	canceled bool
	callback func(Result, error)
}

// NewOperation wraps run, the work to perform on the background thread,
// as a named, correlatable Operation.
func NewOperation(name string, run func() (Result, error)) *Operation {
	return &Operation{ID: uuid.New(), Name: name, run: run}
}

// OnComplete registers the callback invoked with this operation's result
// once it has run on the background thread. Registering nil is
// equivalent to never registering one: the operation still executes (for
// state consistency) but nothing is notified.
func (op *Operation) OnComplete(cb func(Result, error)) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.callback = cb
}

// Cancel drops the caller's interest in this operation's result (§4.9
// "Cancellation"). The queue still runs the operation to completion —
// dropping interest is not the same as stopping the mutation — but its
// callback, if any, will not fire.
func (op *Operation) Cancel() {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.canceled = true
	op.callback = nil
}

// execute runs the operation and, unless it has been canceled in the
// meantime, invokes its callback. It is only ever called from the
// queue's single background goroutine.
func (op *Operation) execute() {
	result, err := op.run()

	op.mu.Lock()
	cb := op.callback
	canceled := op.canceled
	op.mu.Unlock()

	if !canceled && cb != nil {
		cb(result, err)
	}
}

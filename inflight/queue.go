package inflight

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockcache")

// Queue is the single background thread a backend instance owns: every
// mutating operation is posted here and runs strictly serialized, which
// is what lets the index, rankings lists, and allocator headers go
// unlocked (§4.9 "Ordering"). Its run loop is the same
// select-over-channels shape as the teacher's Store.run, generalized from
// "flush timer + close signal" to "task queue + timer + close signal."
type Queue struct {
	tasks   chan func()
	closing chan struct{}
	closed  chan struct{}
	ticker  *time.Ticker
	onTick  func()
}

// NewQueue returns a Queue whose onTick fires every tickInterval on the
// background thread (the backend's 30 s timer, §4.9); pass 0 to disable
// the timer entirely.
func NewQueue(tickInterval time.Duration, onTick func()) *Queue {
	q := &Queue{
		tasks:   make(chan func(), 64),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
		onTick:  onTick,
	}
	if tickInterval > 0 {
		q.ticker = time.NewTicker(tickInterval)
	}
	return q
}

// Start launches the background goroutine. It is not safe to call twice.
func (q *Queue) Start() {
	go q.run()
}

func (q *Queue) run() {
	defer close(q.closed)

	var tickC <-chan time.Time
	if q.ticker != nil {
		tickC = q.ticker.C
	}

	for {
		select {
		case fn := <-q.tasks:
			fn()
		case <-tickC:
			if q.onTick != nil {
				q.onTick()
			}
		case <-q.closing:
			if q.ticker != nil {
				q.ticker.Stop()
			}
			q.drain()
			return
		}
	}
}

// drain runs whatever tasks are already queued before the background
// goroutine exits, so operations posted right before Close are still
// completed rather than silently dropped.
func (q *Queue) drain() {
	for {
		select {
		case fn := <-q.tasks:
			fn()
		default:
			return
		}
	}
}

// Post queues op to run on the background thread. It does not block for
// op to complete; use Submit for that, or Operation.OnComplete to be
// notified asynchronously.
func (q *Queue) Post(op *Operation) {
	select {
	case q.tasks <- op.execute:
	case <-q.closing:
		log.Debugw("dropped operation posted after close", "op", op.Name, "id", op.ID)
	}
}

// Submit posts op and blocks until it has run, returning its result
// directly. It overwrites any callback previously registered on op.
func (q *Queue) Submit(op *Operation) (Result, error) {
	done := make(chan struct{})
	var result Result
	var opErr error
	op.OnComplete(func(r Result, err error) {
		result, opErr = r, err
		close(done)
	})
	q.Post(op)
	<-done
	return result, opErr
}

// Close stops accepting new timer ticks, drains and runs whatever is
// already queued, and waits for the background goroutine to exit.
func (q *Queue) Close() {
	close(q.closing)
	<-q.closed
}

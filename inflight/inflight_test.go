package inflight_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpcpool/blockcache/inflight"
	"github.com/stretchr/testify/require"
)

func TestSubmitReturnsPlainResult(t *testing.T) {
	q := inflight.NewQueue(0, nil)
	q.Start()
	defer q.Close()

	op := inflight.NewOperation("write_data", func() (inflight.Result, error) {
		return inflight.Result{Kind: inflight.KindPlain, N: 5}, nil
	})

	res, err := q.Submit(op)
	require.NoError(t, err)
	require.Equal(t, 5, res.N)
}

func TestSubmitPropagatesError(t *testing.T) {
	q := inflight.NewQueue(0, nil)
	q.Start()
	defer q.Close()

	wantErr := errors.New("boom")
	op := inflight.NewOperation("read_data", func() (inflight.Result, error) {
		return inflight.Result{}, wantErr
	})

	_, err := q.Submit(op)
	require.ErrorIs(t, err, wantErr)
}

func TestOperationsRunSerializedInPostOrder(t *testing.T) {
	q := inflight.NewQueue(0, nil)
	q.Start()
	defer q.Close()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		op := inflight.NewOperation("noop", func() (inflight.Result, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return inflight.Result{}, nil
		})
		wg.Add(1)
		op.OnComplete(func(inflight.Result, error) { wg.Done() })
		q.Post(op)
	}
	wg.Wait()

	require.Len(t, order, 20)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestCanceledOperationStillRunsButSkipsCallback(t *testing.T) {
	q := inflight.NewQueue(0, nil)
	q.Start()
	defer q.Close()

	var ran atomic.Bool
	var callbackFired atomic.Bool

	op := inflight.NewOperation("doom_entry", func() (inflight.Result, error) {
		ran.Store(true)
		return inflight.Result{}, nil
	})
	op.OnComplete(func(inflight.Result, error) { callbackFired.Store(true) })
	op.Cancel()

	done := make(chan struct{})
	confirm := inflight.NewOperation("barrier", func() (inflight.Result, error) {
		close(done)
		return inflight.Result{}, nil
	})

	q.Post(op)
	q.Post(confirm)
	<-done

	require.True(t, ran.Load())
	require.False(t, callbackFired.Load())
}

func TestTickerFiresOnTick(t *testing.T) {
	ticks := make(chan struct{}, 1)
	q := inflight.NewQueue(10*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	q.Start()
	defer q.Close()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCloseDrainsAlreadyQueuedOperations(t *testing.T) {
	q := inflight.NewQueue(0, nil)
	q.Start()

	var ran atomic.Bool
	op := inflight.NewOperation("flush", func() (inflight.Result, error) {
		ran.Store(true)
		return inflight.Result{}, nil
	})
	q.Post(op)
	q.Close()

	require.True(t, ran.Load())
}

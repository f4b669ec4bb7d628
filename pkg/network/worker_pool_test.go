package network

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedJob(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Start()
	defer pool.Stop()

	var ran atomic.Bool
	err := pool.Submit(context.Background(), func() error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestWorkerPoolPropagatesJobError(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Start()
	defer pool.Stop()

	want := errors.New("iptables failed")
	err := pool.Submit(context.Background(), func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestWorkerPoolRunsJobsConcurrentlyUpToSize(t *testing.T) {
	pool := NewWorkerPool(4)
	pool.Start()
	defer pool.Stop()

	var inFlight, maxInFlight atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			_ = pool.Submit(context.Background(), func() error {
				n := inFlight.Add(1)
				for {
					cur := maxInFlight.Load()
					if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.GreaterOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestWorkerPoolSubmitRespectsContextCancellation(t *testing.T) {
	// No worker started: Submit can only ever return via ctx.Done().
	pool := NewWorkerPool(1)
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Submit(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2, nil)
	defer p.Close()

	var (
		active, peak atomic.Int64
		wg           sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit("job", func(ctx context.Context) {
			defer wg.Done()
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(1, nil)
	defer p.Close()

	require.NoError(t, p.Submit("boom", func(ctx context.Context) { panic("boom") }))
	require.Eventually(t, func() bool {
		_, _, panics := p.Stats()
		return panics == 1
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, p.Submit("after", func(ctx context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped running jobs after a panic")
	}
	running, _, _ := p.Stats()
	assert.LessOrEqual(t, running, int64(1))
}

func TestPool_CloseDropsWaitingJobs(t *testing.T) {
	p := NewPool(1, nil)
	started := make(chan struct{})
	require.NoError(t, p.Submit("blocker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	var ran atomic.Bool
	require.NoError(t, p.Submit("waiting", func(ctx context.Context) { ran.Store(true) }))
	require.Eventually(t, func() bool {
		_, queued, _ := p.Stats()
		return queued == 1
	}, 2*time.Second, 5*time.Millisecond)

	p.Close()
	assert.False(t, ran.Load())
	running, queued, _ := p.Stats()
	assert.Zero(t, running)
	assert.Zero(t, queued)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool(1, nil)
	p.Close()
	assert.ErrorIs(t, p.Submit("late", func(ctx context.Context) {}), ErrClosed)
}

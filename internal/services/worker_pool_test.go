package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/utils"
)

func TestOptimalWorkers(t *testing.T) {
	tests := []struct {
		name   string
		config WorkerPoolConfig
		res    SystemResources
		want   int
	}{
		{"one per core", WorkerPoolConfig{}, SystemResources{CPUCores: 8, MemoryGB: 16}, 8},
		{"clamped to max", WorkerPoolConfig{MaxWorkers: 4}, SystemResources{CPUCores: 32, MemoryGB: 64}, 4},
		{"default max", WorkerPoolConfig{}, SystemResources{CPUCores: 64, MemoryGB: 256}, 20},
		{"clamped to min", WorkerPoolConfig{MinWorkers: 3}, SystemResources{CPUCores: 1, MemoryGB: 16}, 3},
		{"small host", WorkerPoolConfig{}, SystemResources{CPUCores: 8, MemoryGB: 2}, 4},
		{"medium host", WorkerPoolConfig{}, SystemResources{CPUCores: 8, MemoryGB: 6}, 6},
		{"busy host", WorkerPoolConfig{}, SystemResources{CPUCores: 10, MemoryGB: 16, MemoryUsedPercent: 95}, 8},
		{"max below min", WorkerPoolConfig{MinWorkers: 5, MaxWorkers: 2}, SystemResources{CPUCores: 16, MemoryGB: 16}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimalWorkers(tt.config, tt.res))
		})
	}
}

func TestDetectSystemResources(t *testing.T) {
	res := DetectSystemResources(context.Background(), quietLogger())
	assert.Greater(t, res.CPUCores, 0)
	assert.Greater(t, res.MemoryGB, 0.0)
}

func testPool(workers, queue int) *WorkerPool {
	return newWorkerPool(
		WorkerPoolConfig{MinWorkers: workers, MaxWorkers: workers, QueueSize: queue},
		SystemResources{CPUCores: workers, MemoryGB: 16},
		quietLogger(),
	)
}

func TestWorkerPool_RunReturnsJobError(t *testing.T) {
	pool := testPool(2, 0)

	require.NoError(t, pool.Run(context.Background(), "ok", func(context.Context) error { return nil }))
	err := pool.Run(context.Background(), "bad", func(context.Context) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := testPool(1, 0)

	err := pool.Run(context.Background(), "explode", func(context.Context) error {
		panic("singular matrix")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "singular matrix")
	assert.Equal(t, utils.KindInternal, utils.KindOf(err))

	// The slot was released.
	assert.NoError(t, pool.Run(context.Background(), "after", func(context.Context) error { return nil }))
	assert.Equal(t, int64(1), pool.Stats().Panics)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := testPool(2, 16)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(context.Background(), "job", func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(8), pool.Stats().Completed)
}

func TestWorkerPool_ContextCancelledWhileWaiting(t *testing.T) {
	pool := testPool(1, 4)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), "holder", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Run(ctx, "waiter", func(context.Context) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWorkerPool_RejectsWhenQueueFull(t *testing.T) {
	pool := testPool(1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), "holder", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	// The holder no longer counts as waiting, so one waiter fits.
	waiterDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waiterDone <- pool.Run(ctx, "waiter", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	err := pool.Run(context.Background(), "overflow", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolSaturated)
	assert.True(t, utils.IsUnavailable(err))
	assert.Equal(t, int64(1), pool.Stats().Rejected)

	cancel()
	assert.ErrorIs(t, <-waiterDone, context.Canceled)
}

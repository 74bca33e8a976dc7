package services

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// ErrPoolSaturated is wrapped in an UnavailableError when the wait queue is full.
var ErrPoolSaturated = errors.New("worker pool queue is full")

// WorkerPoolConfig bounds the number of concurrent fit/backtest jobs.
type WorkerPoolConfig struct {
	MinWorkers int `mapstructure:"min" validate:"gte=0"`
	MaxWorkers int `mapstructure:"max" validate:"gte=0"`
	// QueueSize caps how many jobs may wait for a worker. 0 means four
	// times the worker count.
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`
	// MemoryThreshold is the used-memory percentage above which the pool
	// starts smaller.
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
}

// SystemResources is the host snapshot the pool is sized from.
type SystemResources struct {
	CPUCores          int     `json:"cpu_cores"`
	MemoryGB          float64 `json:"memory_gb"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

// WorkerPoolStats is a snapshot of pool activity.
type WorkerPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

// WorkerPool runs CPU-bound jobs on a bounded number of slots. A job that
// panics is converted to an internal error; the pool keeps serving.
type WorkerPool struct {
	slots     chan struct{}
	queueSize int64
	workers   int
	logger    *logrus.Logger

	active    atomic.Int64
	waiting   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	rejected  atomic.Int64
}

// NewWorkerPool sizes a pool from the host's CPU and memory.
func NewWorkerPool(config WorkerPoolConfig, logger *logrus.Logger) *WorkerPool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	resources := DetectSystemResources(context.Background(), logger)
	return newWorkerPool(config, resources, logger)
}

func newWorkerPool(config WorkerPoolConfig, resources SystemResources, logger *logrus.Logger) *WorkerPool {
	workers := OptimalWorkers(config, resources)
	queue := config.QueueSize
	if queue <= 0 {
		queue = workers * 4
	}

	logger.WithFields(logrus.Fields{
		"workers":    workers,
		"queue_size": queue,
		"cpu_cores":  resources.CPUCores,
		"memory_gb":  resources.MemoryGB,
	}).Info("Worker pool initialized")

	return &WorkerPool{
		slots:     make(chan struct{}, workers),
		queueSize: int64(queue),
		workers:   workers,
		logger:    logger,
	}
}

// DetectSystemResources reads the host shape through gopsutil, falling back
// to runtime.NumCPU and an 8GB assumption when the probes fail.
func DetectSystemResources(ctx context.Context, logger *logrus.Logger) SystemResources {
	res := SystemResources{CPUCores: runtime.NumCPU(), MemoryGB: 8}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		res.CPUCores = cores
	} else if err != nil {
		logger.WithError(err).Warn("Could not get CPU count, using runtime.NumCPU")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		res.MemoryGB = float64(vm.Total) / (1024 * 1024 * 1024)
		res.MemoryUsedPercent = vm.UsedPercent
	} else {
		logger.WithError(err).Warn("Could not get memory info, using default")
	}
	return res
}

// OptimalWorkers derives the slot count: one per core, reduced on small or
// busy hosts, clamped to [MinWorkers, MaxWorkers].
func OptimalWorkers(config WorkerPoolConfig, res SystemResources) int {
	minWorkers := config.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 2
	}
	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 20
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	threshold := config.MemoryThreshold
	if threshold <= 0 {
		threshold = 85
	}

	// Training jobs are CPU-bound, so more slots than cores only adds contention.
	workers := float64(res.CPUCores)

	switch {
	case res.MemoryGB < 4:
		workers *= 0.5
	case res.MemoryGB < 8:
		workers *= 0.75
	}
	if res.MemoryUsedPercent > threshold {
		workers *= 0.8
	}

	return max(minWorkers, min(maxWorkers, int(workers)))
}

// Run blocks until a slot is free, then executes job on the caller's
// goroutine. It returns ctx.Err() if the context ends while waiting.
func (p *WorkerPool) Run(ctx context.Context, name string, job func(ctx context.Context) error) (err error) {
	if p.waiting.Add(1) > p.queueSize {
		p.waiting.Add(-1)
		p.rejected.Add(1)
		p.logger.WithFields(logrus.Fields{
			"job":        name,
			"queue_size": p.queueSize,
		}).Warn("Worker pool saturated, rejecting job")
		return utils.NewUnavailableError("worker pool", ErrPoolSaturated)
	}

	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	}
	defer func() { <-p.slots }()

	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.WithFields(logrus.Fields{
				"job":   name,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in worker")
			err = fmt.Errorf("%s: internal error: %v", name, r)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.logger.WithFields(logrus.Fields{
			"job":         name,
			"duration_ms": time.Since(start).Milliseconds(),
			"ok":          err == nil,
		}).Debug("Worker job finished")
	}()

	return job(ctx)
}

// Workers returns the number of concurrent slots.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:   p.workers,
		Active:    p.active.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Rejected:  p.rejected.Load(),
	}
}

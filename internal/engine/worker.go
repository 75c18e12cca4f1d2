package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

type poolJob struct {
	ctx context.Context
	fn  func(ctx context.Context) error
}

// WorkerPool is a bounded goroutine pool for run execution. Work is keyed by
// run instance id: jobs sharing a key execute one at a time in submission
// order, jobs with different keys share the size-bounded slots.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	keys    map[int64][]poolJob // present while a key is active; value is its backlog
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
		keys: make(map[int64][]poolJob),
	}
}

// Submit enqueues work for key without blocking. The job waits for a free
// slot and for any earlier job with the same key. It is dropped if ctx is
// cancelled or the pool shuts down before a slot frees up. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	job := poolJob{ctx: ctx, fn: fn}
	if backlog, busy := p.keys[key]; busy {
		p.keys[key] = append(backlog, job)
		p.mu.Unlock()
		return nil
	}
	p.keys[key] = nil
	p.mu.Unlock()

	go p.drain(key, job)
	return nil
}

// drain runs job and then the backlog of its key until it is empty.
func (p *WorkerPool) drain(key int64, job poolJob) {
	for {
		p.execute(job)

		p.mu.Lock()
		backlog := p.keys[key]
		if len(backlog) == 0 {
			delete(p.keys, key)
			p.mu.Unlock()
			return
		}
		job = backlog[0]
		p.keys[key] = backlog[1:]
		p.mu.Unlock()
	}
}

func (p *WorkerPool) execute(job poolJob) {
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
	case <-job.ctx.Done():
		atomic.AddInt64(&p.metrics.Queued, -1)
		atomic.AddInt64(&p.metrics.Dropped, 1)
		return
	case <-p.done:
		atomic.AddInt64(&p.metrics.Queued, -1)
		atomic.AddInt64(&p.metrics.Dropped, 1)
		return
	}
	atomic.AddInt64(&p.metrics.Queued, -1)
	atomic.AddInt64(&p.metrics.Active, 1)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem // release slot
	}()

	if err := job.fn(job.ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
}

// Busy reports whether work for key is running or queued.
func (p *WorkerPool) Busy(key int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.keys[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions, drops
// jobs still waiting for a slot and waits for active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Dropped:   atomic.LoadInt64(&p.metrics.Dropped),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

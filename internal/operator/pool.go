// ABOUTME: Bounded worker pool that starts workers on demand and retires idle ones
// ABOUTME: Submit blocks while every worker is busy; Join drains and waits for all workers

package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/emissary/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Join has been called.
var ErrPoolClosed = errors.New("pool closed")

// Task is one unit of pool work.
type Task func()

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Name      string `json:"name"`
	Max       int    `json:"max"`
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Pending   int    `json:"pending"`
	Submitted int64  `json:"submitted"`
	Completed int64  `json:"completed"`
	Panics    int64  `json:"panics"`
}

// Pool runs tasks on at most max goroutines. Workers start when a task
// arrives and nobody is idle, and exit after ttl without work.
type Pool struct {
	name    string
	max     int
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	tasks chan Task
	quit  chan struct{}

	mu      sync.Mutex
	workers int
	busy    int
	pending int
	closed  bool

	submitting sync.WaitGroup
	wg         sync.WaitGroup
	joinOnce   sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool. max <= 0 means one worker; ttl <= 0 disables idle
// retirement.
func NewPool(name string, max int, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if max <= 0 {
		max = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:    name,
		max:     max,
		ttl:     ttl,
		logger:  logger.With("pool", name),
		metrics: m,
		tasks:   make(chan Task),
		quit:    make(chan struct{}),
	}
}

// Submit hands task to a worker, blocking until one accepts it or ctx ends.
// It must not be called from a task running on the same pool.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.submitting.Add(1)
	defer p.submitting.Done()

	p.pending++
	if p.workers-p.busy < p.pending && p.workers < p.max {
		p.workers++
		p.wg.Add(1)
		go p.work()
	}
	p.reportLocked()
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return fmt.Errorf("submitting to %s pool: %w", p.name, ctx.Err())
	}
}

func (p *Pool) work() {
	defer p.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if p.ttl > 0 {
		timer = time.NewTimer(p.ttl)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case task := <-p.tasks:
			p.mu.Lock()
			p.pending--
			p.busy++
			p.reportLocked()
			p.mu.Unlock()

			p.run(task)

			p.mu.Lock()
			p.busy--
			p.reportLocked()
			p.mu.Unlock()

			if timer != nil {
				timer.Reset(p.ttl)
			}

		case <-idle:
			p.mu.Lock()
			if p.pending > 0 {
				p.mu.Unlock()
				timer.Reset(p.ttl)
				continue
			}
			p.workers--
			p.reportLocked()
			p.mu.Unlock()
			p.logger.Debug("worker idle, exiting")
			return

		case <-p.quit:
			p.mu.Lock()
			p.workers--
			p.reportLocked()
			p.mu.Unlock()
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.metrics.RecordPanic(p.name)
			p.logger.Error("task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}

// Join stops accepting work, waits for in-flight submissions to be picked
// up, and waits for every worker to finish. Safe to call more than once.
func (p *Pool) Join() {
	p.joinOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.submitting.Wait()
		close(p.quit)
		p.wg.Wait()
	})
}

// Stats returns current occupancy and totals.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Name:      p.name,
		Max:       p.max,
		Workers:   p.workers,
		Busy:      p.busy,
		Pending:   p.pending,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) reportLocked() {
	p.metrics.SetPool(p.name, p.workers, p.busy)
}

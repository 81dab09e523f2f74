package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/outpost-ops/outpost/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool runs tasks on a fixed number of goroutines with a bounded queue.
// Pushed command batches go through a Pool so a burst of work cannot
// spawn an unbounded number of goroutines on the host.
type Pool struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	active    atomic.Int64
	quit      chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
}

// New starts a pool with the given number of workers and queue depth.
func New(workers, depth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}

	p := &Pool{
		queue: make(chan Task, depth),
		quit:  make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", workers, "depth", depth)
	return p
}

// Submit enqueues a task. It returns false when the pool has stopped
// accepting work or the queue is full; the caller decides how to report
// the rejection. wg.Add happens before the enqueue attempt so Drain
// cannot miss a task that is in flight between Submit and a worker
// picking it up.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Active reports the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// StopAccepting rejects all future submissions. Queued and running tasks
// are unaffected.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain blocks until every queued and running task finishes or the
// context expires. Call StopAccepting first. Workers exit once Drain
// returns.
func (p *Pool) Drain(ctx context.Context) {
	p.quitOnce.Do(func() {
		close(p.quit)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "active", p.Active())
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.quit:
			// Finish whatever is already queued, then exit
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask pairs the wg.Done with Submit's wg.Add and keeps a panicking
// task from taking the worker down with it.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

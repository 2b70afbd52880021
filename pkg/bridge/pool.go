package bridge

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("bridge: worker pool is closed")

// Task represents a unit of work.
type Task func()

// DefaultWorkers is the blocking pool size used when none is configured. Blocking handlers
// mostly wait on I/O, so the pool is sized apart from the CPU and reactor count.
const DefaultWorkers = 64

// WorkerPool runs blocking tasks on a fixed set of goroutines fed by a bounded queue.
// A task keeps its worker until it returns, including one whose caller stopped waiting
// after a deadline.
type WorkerPool struct {
	numWorkers int
	tasks      chan Task
	done       chan struct{}
	closed     atomic.Bool
	wg         sync.WaitGroup

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
		busy           atomic.Int64
	}
}

// NewWorkerPool starts numWorkers goroutines (default DefaultWorkers, never fewer than
// runtime.NumCPU) sharing a queue of queueSize pending tasks (default 4 per worker).
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = max(DefaultWorkers, runtime.NumCPU())
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 4
	}
	pool := &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, queueSize),
		done:       make(chan struct{}),
	}
	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.run()
	}
	return pool
}

// Submit queues task, waiting for queue space until ctx is done.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.stats.tasksSubmitted.Add(1)
		return nil
	case <-ctx.Done():
		p.stats.tasksRejected.Add(1)
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.execute(task)
		case <-p.done:
			// Drain what was accepted before Close.
			for {
				select {
				case task := <-p.tasks:
					p.execute(task)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) execute(task Task) {
	p.stats.busy.Add(1)
	defer func() {
		p.stats.busy.Add(-1)
		p.stats.tasksCompleted.Add(1)
	}()
	task()
}

// Close stops accepting tasks and waits until queued tasks finish or ctx is done.
func (p *WorkerPool) Close(ctx context.Context) error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.done)
	}
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		QueueCapacity:  cap(p.tasks),
		Queued:         len(p.tasks),
		Busy:           int(p.stats.busy.Load()),
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		TasksRejected:  p.stats.tasksRejected.Load(),
	}
}

// WorkerPoolStats contains pool statistics.
type WorkerPoolStats struct {
	NumWorkers     int
	QueueCapacity  int
	Queued         int
	Busy           int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksRejected  uint64
}

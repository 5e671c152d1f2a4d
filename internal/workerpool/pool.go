package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned by TrySubmit when the queue has no free slot.
var ErrQueueFull = errors.New("workerpool: queue full")

// ErrClosed is returned when submitting to a pool that has been stopped.
var ErrClosed = errors.New("workerpool: closed")

// Task represents a unit of work to be processed by the worker pool
type Task func(ctx context.Context) error

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
// With one worker, tasks run in submission order.
type Pool struct {
	name        string
	workerCount int
	taskQueue   chan Task
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	closeMux    sync.RWMutex
	logger      *slog.Logger
}

// New creates a pool with workerCount workers and room for queueSize
// waiting tasks. The pool is not running until Start is called.
func New(name string, workerCount, queueSize int, logger *slog.Logger) *Pool {
	return WithContext(context.Background(), name, workerCount, queueSize, logger)
}

// WithContext creates a pool whose workers stop when ctx is cancelled.
func WithContext(ctx context.Context, name string, workerCount, queueSize int, logger *slog.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		name:        name,
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		ctx:         poolCtx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start launches worker goroutines
func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker_pool_started",
		"pool", p.name,
		"workers", p.workerCount,
		"queue_size", cap(p.taskQueue),
	)
}

// TrySubmit queues task without waiting. It fails with ErrQueueFull rather
// than block the caller.
func (p *Pool) TrySubmit(task Task) error {
	p.closeMux.RLock()
	defer p.closeMux.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.taskQueue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit queues task, waiting for a free slot unless the pool shuts down.
func (p *Pool) Submit(task Task) error {
	p.closeMux.RLock()
	defer p.closeMux.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.taskQueue <- task:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.taskQueue)
}

// Wait closes the queue and blocks until queued tasks complete.
func (p *Pool) Wait() {
	p.closeMux.Lock()
	if !p.closed {
		close(p.taskQueue)
		p.closed = true
	}
	p.closeMux.Unlock()

	p.wg.Wait()
}

// Shutdown cancels the workers' context and waits for them to exit.
// Tasks still queued are discarded.
func (p *Pool) Shutdown() {
	p.cancel()
	p.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		select {
		case <-p.ctx.Done():
			continue
		default:
		}

		if err := task(p.ctx); err != nil {
			p.logger.Warn("worker_task_failed",
				"pool", p.name,
				"worker", id,
				"error", err.Error(),
			)
		}
	}
}

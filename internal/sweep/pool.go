package sweep

import (
	"context"
	"sync"
	"time"

	"demosplus/internal/model"
)

const MaxWorkers = 10

// Task is one stale donation to settle.
type Task struct {
	Candidate    model.Candidate
	ExpireBefore time.Time
}

type WorkerPool struct {
	tasks      chan Task
	handle     func(context.Context, Task)
	wg         sync.WaitGroup
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	mu         sync.Mutex
}

func NewWorkerPool(ctx context.Context, maxWorkers int, handle func(context.Context, Task)) *WorkerPool {
	if maxWorkers <= 0 || maxWorkers > MaxWorkers {
		maxWorkers = MaxWorkers
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		tasks:      make(chan Task, 100),
		handle:     handle,
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (wp *WorkerPool) Start() {
	for i := 0; i < wp.maxWorkers; i++ {
		go wp.worker()
	}
}

func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return
	}

	close(wp.tasks)
	wp.cancel()
	wp.closed = true
	wp.wg.Wait()
}

// AddTask queues a task. It returns false once the pool is stopped or its
// context is done.
func (wp *WorkerPool) AddTask(task Task) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return false
	}

	wp.wg.Add(1)
	select {
	case wp.tasks <- task:
		return true
	case <-wp.ctx.Done():
		wp.wg.Done()
		return false
	}
}

func (wp *WorkerPool) worker() {
	for task := range wp.tasks {
		if wp.ctx.Err() == nil {
			wp.handle(wp.ctx, task)
		}
		wp.wg.Done()
	}
}

func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

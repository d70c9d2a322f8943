package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work run on a pool slot. The context is cancelled only by
// ShutdownNow.
type Task func(ctx context.Context)

type task struct {
	name string
	run  Task
}

// Pool runs tasks on a fixed number of goroutines. Accepted tasks wait in a
// bounded backlog; Submit blocks while the backlog is full.
type Pool struct {
	logger *slog.Logger
	tasks  chan task
	quit   chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Int32
}

// NewPool starts size workers with room for backlog queued tasks.
func NewPool(size, backlog int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		tasks:  make(chan task, backlog),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.loop()
	}
	go func() {
		p.wg.Wait()
		p.cancel()
		close(p.done)
	}()
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for t := range p.tasks {
		if p.ctx.Err() != nil {
			p.logger.Warn("discarding queued task", "job", t.name)
			continue
		}
		p.execute(t)
	}
}

func (p *Pool) execute(t task) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "job", t.name, "panic", r)
		}
	}()
	t.run(p.ctx)
}

// Submit queues fn under name. It blocks while the backlog is full and returns
// ErrPoolClosed once Shutdown has been called, or ctx's error if ctx ends first.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task{name: name, run: fn}:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports how many tasks are executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Shutdown stops intake. Already accepted tasks still run.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})
}

// AwaitTermination waits up to timeout for every accepted task to finish and
// reports whether they did. Call Shutdown first.
func (p *Pool) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// ShutdownNow stops intake, discards queued tasks and cancels the context of
// running ones.
func (p *Pool) ShutdownNow() {
	p.Shutdown()
	p.cancel()
}

// Done is closed once every worker goroutine has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Package worker consumes folder identifiers from the build queue and runs a
// deploy pipeline for each on a bounded pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splax/localvercel/deployer/internal/queue"
	"github.com/splax/localvercel/deployer/internal/service/deploy"
)

const (
	defaultPoolSize      = 4
	defaultBacklog       = 16
	defaultShutdownGrace = 10 * time.Second
)

// State is the worker lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Consumer yields queued folder identifiers.
type Consumer interface {
	Pop(ctx context.Context) (string, error)
	Close() error
}

// Processor runs one deploy job.
type Processor interface {
	Process(ctx context.Context, folderID string) deploy.Outcome
}

// Config controls pool sizing and shutdown.
type Config struct {
	PoolSize      int
	Backlog       int
	ShutdownGrace time.Duration
}

// Worker owns the consumption loop and the shutdown protocol.
type Worker struct {
	consumer  Consumer
	processor Processor
	pool      *Pool
	cfg       Config
	logger    *slog.Logger
	closers   []io.Closer

	state        atomic.Int32
	shutdownOnce sync.Once
	stopped      chan struct{}
}

// Option customises a Worker.
type Option func(*Worker)

// WithCloser registers a resource closed at the end of Shutdown, after every
// job has finished or been interrupted.
func WithCloser(c io.Closer) Option {
	return func(w *Worker) {
		if c != nil {
			w.closers = append(w.closers, c)
		}
	}
}

// New creates a worker and starts its pool.
func New(consumer Consumer, processor Processor, cfg Config, logger *slog.Logger, opts ...Option) *Worker {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.Backlog < 0 {
		cfg.Backlog = defaultBacklog
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		consumer:  consumer,
		processor: processor,
		pool:      NewPool(cfg.PoolSize, cfg.Backlog, logger),
		cfg:       cfg,
		logger:    logger,
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stopped is closed when Shutdown has completed.
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

// Run consumes the queue until ctx is cancelled, Shutdown is called, or Pop
// fails. Cancelling ctx triggers Shutdown. A Pop failure that was not caused
// by shutdown is returned; the caller is expected to call Shutdown and exit.
func (w *Worker) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			w.Shutdown()
		case <-w.stopped:
		}
	}()

	if !w.state.CompareAndSwap(int32(StateStarting), int32(StateListening)) {
		return nil
	}
	w.logger.Info("worker listening", "pool_size", w.cfg.PoolSize, "backlog", w.cfg.Backlog)

	for {
		folderID, err := w.consumer.Pop(ctx)
		if err != nil {
			if w.shuttingDown() || errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				w.logger.Info("consumer stopped")
				return nil
			}
			w.logger.Error("queue pop failed, stopping consumption", "error", err)
			return fmt.Errorf("pop: %w", err)
		}
		folderID = strings.TrimSpace(folderID)
		if folderID == "" {
			w.logger.Warn("skipping empty queue payload")
			continue
		}
		w.dispatch(ctx, folderID)
	}
}

// dispatch hands a popped identifier to the pool. Cancelling ctx does not abandon
// the item; only pool shutdown rejects it.
func (w *Worker) dispatch(ctx context.Context, folderID string) {
	err := w.pool.Submit(context.WithoutCancel(ctx), folderID, func(jobCtx context.Context) {
		w.processor.Process(jobCtx, folderID)
	})
	if err != nil {
		w.logger.Error("job not accepted", "folder_id", folderID, "error", err)
		return
	}
	w.logger.Debug("job dispatched", "folder_id", folderID)
}

// Shutdown stops intake, closes the consumer, drains accepted jobs for the
// grace period, then interrupts whatever is still running. It is idempotent;
// concurrent callers block until the first call completes.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() {
		w.state.Store(int32(StateShuttingDown))
		start := time.Now()
		w.logger.Info("worker shutting down", "grace", w.cfg.ShutdownGrace)

		w.pool.Shutdown()
		if err := w.consumer.Close(); err != nil {
			w.logger.Warn("closing consumer failed", "error", err)
		}

		if !w.pool.AwaitTermination(w.cfg.ShutdownGrace) {
			w.logger.Warn("grace period elapsed, interrupting running jobs", "running", w.pool.Running())
			w.pool.ShutdownNow()
			if !w.pool.AwaitTermination(w.cfg.ShutdownGrace) {
				w.logger.Error("jobs did not stop after interruption", "running", w.pool.Running())
			}
		}

		for _, c := range w.closers {
			if err := c.Close(); err != nil {
				w.logger.Warn("closing resource failed", "error", err)
			}
		}
		w.state.Store(int32(StateStopped))
		close(w.stopped)
		w.logger.Info("worker stopped", "elapsed", time.Since(start))
	})
}

func (w *Worker) shuttingDown() bool {
	return w.State() >= StateShuttingDown
}

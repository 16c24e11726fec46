// Package workerpool provides a bounded worker pool with retries, used
// to fan out notification deliveries without unbounded goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
}

// Result is the outcome of processing a task.
type Result struct {
	TaskID  string
	Success bool
	Error   error
}

// WorkerFunc processes a single task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config tunes the pool.
type Config struct {
	Workers                 int
	QueueSize               int
	MaxRetries              int
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification delivery.
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers with linear-backoff retries.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	depth     int64
}

// New creates a pool; Start launches its workers.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task. It fails fast when the queue is full rather than
// blocking the producer.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.submitted, 1)
		atomic.AddInt64(&p.depth, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Results exposes completion events for observers.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop drains the queue and waits for in-flight tasks, up to the
// configured timeout.
func (p *Pool) Stop() {
	p.logger.Info("stopping worker pool")
	p.cancel()
	close(p.taskChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	close(p.resultChan)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskChan {
		atomic.AddInt64(&p.depth, -1)
		p.process(id, task)
	}
}

func (p *Pool) process(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			result = &Result{TaskID: task.ID, Error: ctx.Err()}
		default:
			result = p.workerFunc(ctx, task)
		}
		if result.Success || attempt >= p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
			result = &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			continue
		}
		break
	}

	if result.Success {
		atomic.AddInt64(&p.completed, 1)
	} else {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}

	select {
	case p.resultChan <- result:
	default:
		// No observer is draining results; dropping is fine.
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int64
	Workers    int
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  atomic.LoadInt64(&p.submitted),
		Completed:  atomic.LoadInt64(&p.completed),
		Failed:     atomic.LoadInt64(&p.failed),
		Retried:    atomic.LoadInt64(&p.retried),
		QueueDepth: atomic.LoadInt64(&p.depth),
		Workers:    p.config.Workers,
	}
}

// IsHealthy reports whether the queue has headroom.
func (p *Pool) IsHealthy() bool {
	return float64(atomic.LoadInt64(&p.depth))/float64(p.config.QueueSize) < 0.9
}

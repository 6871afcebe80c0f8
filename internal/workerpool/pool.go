// Package workerpool provides a bounded goroutine pool for background
// work such as shard migration tasks.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config holds pool settings.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
}

// Pool executes tasks on a fixed set of workers with a bounded queue.
type Pool struct {
	name      string
	queue     chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	completed uint64
	failed    uint64
	rejected  uint64
}

// New starts a pool with cfg.MaxWorkers workers.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	p := &Pool{
		name:   cfg.Name,
		queue:  make(chan Task, cfg.QueueSize),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Info("Worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.queue:
			if err := task.Run(context.Background()); err != nil {
				atomic.AddUint64(&p.failed, 1)
				p.logger.Warn("Task failed",
					zap.String("pool", p.name),
					zap.Int("worker", id),
					zap.String("task_id", task.ID),
					zap.Error(err))
				continue
			}
			atomic.AddUint64(&p.completed, 1)
		}
	}
}

// Submit enqueues a task. It fails when the queue is full or the pool
// is stopped.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("worker pool %s is stopped", p.name)
	default:
	}
	select {
	case p.queue <- task:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %s queue is full", p.name)
	}
}

// Stats returns completed, failed, and rejected task counts.
func (p *Pool) Stats() (completed, failed, rejected uint64) {
	return atomic.LoadUint64(&p.completed), atomic.LoadUint64(&p.failed), atomic.LoadUint64(&p.rejected)
}

// Stop drains no further work and waits for the workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"commerce-etl/internal/util"
)

var (
	ErrQueueFull   = errors.New("worker queue is full")
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

// Result is delivered exactly once on the channel returned by Submit.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

type job struct {
	name   string
	task   Task
	result chan Result
}

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	size   int
	queue  chan job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *zap.Logger
}

func NewPool(size, queueSize int) *Pool {
	if size <= 0 {
		size = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		size:   size,
		queue:  make(chan job, queueSize),
		logger: util.GetLogger().Named("worker"),
	}
}

// Start launches the workers. Tasks get a context derived from ctx that is
// cancelled by Stop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.logger.Info("Worker pool started", zap.Int("workers", p.size), zap.Int("queue", cap(p.queue)))
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(name string, task Task) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolStopped
	}

	j := job{name: name, task: task, result: make(chan Result, 1)}
	select {
	case p.queue <- j:
		util.WorkerQueueDepth.Set(float64(len(p.queue)))
		return j.result, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Stop rejects new tasks, lets queued ones drain and waits for the workers.
// Running tasks see their context cancelled only when ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.queue {
		util.WorkerQueueDepth.Set(float64(len(p.queue)))
		j.result <- p.run(ctx, j)
		close(j.result)
	}
}

func (p *Pool) run(ctx context.Context, j job) (res Result) {
	start := time.Now()
	res.Name = j.name
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", zap.String("task", j.name), zap.Any("panic", r))
			res.Err = fmt.Errorf("task %s panicked: %v", j.name, r)
		}
		res.Duration = time.Since(start)
	}()
	res.Err = j.task(ctx)
	return res
}

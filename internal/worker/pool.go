package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/metrics"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of work run by the pool
type Task func(ctx context.Context) error

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	QueueSize  int
	Metrics    *metrics.Collector
}

// Pool runs tasks on a fixed number of workers
type Pool struct {
	config   PoolConfig
	jobQueue chan *job
	metrics  *metrics.Collector

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startOne sync.Once
	stopOne  sync.Once
}

type job struct {
	task     Task
	ctx      context.Context
	resultCh chan error
}

// NewPool creates a worker pool. Call Start before running tasks.
func NewPool(config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:   config,
		jobQueue: make(chan *job, config.QueueSize),
		metrics:  config.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.startOne.Do(func() {
		if p.metrics != nil {
			p.metrics.WorkerPoolSize.Set(float64(p.config.NumWorkers))
		}
		for i := 0; i < p.config.NumWorkers; i++ {
			p.wg.Add(1)
			go p.run()
		}
	})
}

// RunAll runs every task and returns their errors in task order
func (p *Pool) RunAll(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	jobs := make([]*job, len(tasks))

	for i, task := range tasks {
		j, err := p.enqueue(ctx, task)
		if err != nil {
			errs[i] = err
			continue
		}
		jobs[i] = j
	}

	for i, j := range jobs {
		if j != nil {
			errs[i] = p.wait(ctx, j)
		}
	}
	return errs
}

// Stop cancels running tasks and waits for the workers to exit. Queued tasks
// that never started report ErrPoolClosed.
func (p *Pool) Stop() {
	p.stopOne.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pool) enqueue(ctx context.Context, task Task) (*job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	default:
	}

	j := &job{task: task, ctx: ctx, resultCh: make(chan error, 1)}
	select {
	case p.jobQueue <- j:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}
}

func (p *Pool) wait(ctx context.Context, j *job) error {
	select {
	case err := <-j.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		// a result may have landed while the pool was stopping
		select {
		case err := <-j.resultCh:
			return err
		default:
			return ErrPoolClosed
		}
	}
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobQueue:
			p.process(j)
		}
	}
}

func (p *Pool) process(j *job) {
	if p.metrics != nil {
		p.metrics.WorkersBusy.Inc()
	}

	// running tasks end with the pool
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	err := j.task(ctx)

	if p.metrics != nil {
		p.metrics.WorkersBusy.Dec()
		result := "ok"
		if err != nil {
			result = "failed"
		}
		p.metrics.WorkerTasks.WithLabelValues(result).Inc()
	}

	j.resultCh <- err
}

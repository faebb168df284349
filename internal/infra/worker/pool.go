// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

type Task func(ctx context.Context) error

// job pairs a task with an optional completion hook. done runs whether the
// task ran or was dropped on shutdown.
type job struct {
	run  Task
	done func()
}

// Pool runs submitted tasks on a fixed number of goroutines. Submit blocks
// while the queue is full, so callers get back-pressure instead of drops.
type Pool struct {
	wg       sync.WaitGroup
	jobs     chan job
	quit     chan struct{}
	exited   chan struct{}
	once     sync.Once
	exitOnce sync.Once
	n        int
	log      *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Pool{
		jobs:   make(chan job, workers),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		n:      workers,
		log:    logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case j := <-p.jobs:
					p.exec(ctx, id, j)
				}
			}
		}(i)
	}
	go func() {
		p.wg.Wait()
		p.exitOnce.Do(func() { close(p.exited) })
		p.drain()
	}()
}

func (p *Pool) exec(ctx context.Context, id int, j job) {
	if j.done != nil {
		defer j.done()
	}
	if j.run == nil {
		return
	}
	if err := j.run(ctx); err != nil {
		p.log.Warn().Err(err).Int("worker", id).Msg("task failed")
	}
}

// drain releases queued jobs that no worker will pick up.
func (p *Pool) drain() {
	for {
		select {
		case j := <-p.jobs:
			if j.done != nil {
				j.done()
			}
		default:
			return
		}
	}
}

// Stop signals the workers and waits for running tasks. Queued tasks that did
// not start are dropped.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	return p.submit(ctx, job{run: task})
}

func (p *Pool) submit(ctx context.Context, j job) error {
	select {
	case <-p.quit:
		return ErrPoolStopped
	case <-p.exited:
		return ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- j:
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-p.exited:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks on the pool and waits for them. It returns early with
// ctx.Err() when ctx is cancelled, or ErrPoolStopped when the workers are gone;
// tasks already running finish in the background.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	var wg sync.WaitGroup
	for _, t := range tasks {
		if t == nil {
			continue
		}
		wg.Add(1)
		if err := p.submit(ctx, job{run: t, done: wg.Done}); err != nil {
			wg.Done()
			return err
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.exited:
		// Workers may have finished every job before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrPoolStopped
		}
	}
}

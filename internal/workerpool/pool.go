package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of background work. The context is cancelled only once the
// pool has finished draining, never by the submitter.
type Task func(ctx context.Context)

// Pool runs every submitted task on its own goroutine. It has no concurrency
// bound; it exists to give detached work a process-wide owner that recovers
// panics and can be drained on shutdown.
type Pool struct {
	name      string
	wg        sync.WaitGroup
	mu        sync.Mutex // orders wg.Add against Drain's wg.Wait
	accepting atomic.Bool
	inFlight  atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// New creates an accepting pool. name tags log lines.
func New(name string) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
	}
	p.accepting.Store(true)
	return p
}

// Submit starts task in the background. Returns false once the pool has
// stopped accepting work.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	if !p.accepting.Load() {
		p.mu.Unlock()
		log.Warn("task rejected, pool stopped", "pool", p.name)
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.inFlight.Add(1)
	go p.runTask(task)
	return true
}

// InFlight reports how many tasks are currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Context is cancelled after Drain returns.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.mu.Lock()
	p.accepting.Store(false)
	p.mu.Unlock()
}

// Drain waits for running tasks to finish, respecting the ctx deadline. It
// stops accepting new work first. The pool context is cancelled on return
// so tasks still running after a timeout can observe it. The returned error
// is ctx.Err() when the deadline hit first.
func (p *Pool) Drain(ctx context.Context) error {
	p.StopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		log.Info("pool drained", "pool", p.name)
	case <-ctx.Done():
		err = ctx.Err()
		log.Warn("pool drain timed out", "pool", p.name, "inFlight", p.InFlight())
	}

	p.stopOnce.Do(p.cancel)
	return err
}

// Shutdown is StopAccepting followed by Drain.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.StopAccepting()
	return p.Drain(ctx)
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}

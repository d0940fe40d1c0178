// Package workerpool provides bounded-concurrency fan-out of tasks
// (spec.md §5 concurrency model). Adapted from
// mantle/lang/worker.WorkerGroup: the same limit-channel + cancel-on-
// first-error shape, generalized to stdlib context.Context. Tasks carry
// no labels; the aggregate error lists each task's error as returned.
// No other package in this module imports workerpool.
package workerpool

import (
	"context"
	"sync"

	"github.com/coreos/pkg/multierror"
)

// Task is a function Group runs in its own goroutine.
type Task func(context.Context) error

// Group bounds concurrent execution of Tasks, cancels the shared
// context on the first failure, and aggregates every error returned.
// Safe for concurrent Start calls.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	limit  chan struct{}

	mu     sync.Mutex
	errors multierror.Error
}

// New creates a Group that runs at most concurrency Tasks at once,
// derived from ctx so an external cancellation also stops the group.
func New(ctx context.Context, concurrency int) *Group {
	g := &Group{limit: make(chan struct{}, concurrency)}
	g.ctx, g.cancel = context.WithCancel(ctx)
	return g
}

func (g *Group) addErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors = append(g.errors, err)
	g.cancel()
}

func (g *Group) getErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errors.AsError()
}

// Start launches task, blocking until a concurrency slot is free. It
// returns an error without running task if the group's context is
// already done.
func (g *Group) Start(task Task) error {
	select {
	default:
	case <-g.ctx.Done():
		return g.ctx.Err()
	}
	select {
	case g.limit <- struct{}{}:
		go func() {
			if err := task(g.ctx); err != nil {
				g.addErr(err)
			}
			<-g.limit
		}()
		return nil
	case <-g.ctx.Done():
		return g.ctx.Err()
	}
}

// Wait blocks until every started task has finished and returns the
// aggregate error, if any.
func (g *Group) Wait() error {
	defer g.cancel()
	for i := 0; i < cap(g.limit); i++ {
		g.limit <- struct{}{}
	}
	return g.getErr()
}

// Context returns the group's derived context, cancelled once any
// task fails or Wait is called.
func (g *Group) Context() context.Context {
	return g.ctx
}

package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupRunsAllTasks(t *testing.T) {
	g := New(context.Background(), 3)
	var count int32
	for i := 0; i < 10; i++ {
		if err := g.Start(func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		}); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 tasks run, got %d", count)
	}
}

func TestGroupLimitsConcurrency(t *testing.T) {
	g := New(context.Background(), 2)
	var current, max int32
	for i := 0; i < 8; i++ {
		g.Start(func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&max)
				if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if max > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, observed %d", max)
	}
}

func TestGroupAggregatesErrors(t *testing.T) {
	g := New(context.Background(), 4)
	errA := errors.New("task a failed")
	errB := errors.New("task b failed")

	g.Start(func(ctx context.Context) error { return errA })
	g.Start(func(ctx context.Context) error { return errB })
	g.Start(func(ctx context.Context) error { return nil })

	err := g.Wait()
	if err == nil {
		t.Fatalf("expected aggregate error")
	}
}

func TestGroupCancelsOnFirstError(t *testing.T) {
	g := New(context.Background(), 1)
	failing := errors.New("boom")

	g.Start(func(ctx context.Context) error { return failing })
	g.Wait()

	select {
	case <-g.Context().Done():
	default:
		t.Fatalf("expected group context to be cancelled after a task failure")
	}
}

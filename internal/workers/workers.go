// Package workers provides the bounded task pool shared by drift-check
// fan-out and fix dispatch.
package workers

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work executed by the pool.
type Task func(ctx context.Context) error

// Run executes tasks with at most limit running concurrently and blocks
// until all finish. Unlike errgroup's fail-fast default, every task runs
// to completion; the returned slice holds each task's error at its index.
func Run(ctx context.Context, limit int, tasks []Task) []error {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	errs := make([]error, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			errs[i] = task(ctx)
			return nil
		})
	}

	// Tasks never return errors to the group, so Wait only blocks.
	_ = g.Wait()
	return errs
}

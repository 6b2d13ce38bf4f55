package utils

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// RunParallel calls work for every index in [0, n) on at most ParallelFactor goroutines and
// returns the first error. Work items must write to disjoint state.
func RunParallel(ctx context.Context, n int, work func(ctx context.Context, i int) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ParallelFactor)
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return work(groupCtx, i)
		})
	}
	return group.Wait()
}

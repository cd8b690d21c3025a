package executor

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// RunBatch executes independent requests concurrently with at most workers
// runs in flight (GOMAXPROCS when workers <= 0). Results are returned in
// request order. Cancelling ctx stops scheduling requests that have not
// started; runs already in progress finish. The first setup error is
// returned.
func RunBatch(ctx context.Context, reqs []*Request, workers int) ([]*Result, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		i, req := i, req
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := Execute(req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

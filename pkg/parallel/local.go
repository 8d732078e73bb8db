package parallel

import (
	"context"
	"errors"

	"github.com/tessera-io/tessera/internal/concurrency"
	"github.com/tessera-io/tessera/pkg/controller"
)

var ErrNoPieces = errors.New("at least one piece is required")

// RunLocal runs pieces copies of w in this process, connected by an in-process
// controller group. The first failing piece cancels the others. Reports are
// indexed by rank.
func RunLocal(ctx context.Context, pieces int, w *Worker) ([]Report, error) {
	if pieces < 1 {
		return nil, ErrNoPieces
	}

	group := controller.NewGroup(pieces)
	defer group.Close()

	reports := make([]Report, pieces)
	// Every piece must be running for the exchange to make progress.
	pool := concurrency.NewPool(ctx, pieces)
	for rank := range pieces {
		pool.Go(func(ctx context.Context) error {
			var err error
			reports[rank], err = w.Run(ctx, group.Controller(rank))
			return err
		})
	}
	if err := pool.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/ghost"
	"github.com/tessera-io/tessera/pkg/kernel"
	"github.com/tessera-io/tessera/pkg/logger"
	"github.com/tessera-io/tessera/pkg/source"
	"github.com/tessera-io/tessera/pkg/translator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func expressionKernel(whole extent.Extent, text string) NewKernelFunc {
	return func(context.Context) (source.Kernel, error) {
		return kernel.NewExpression(extent.NewInformation(whole), text)
	}
}

func TestRunLocalFourPieces(t *testing.T) {
	whole := extent.MustParse("0:99,0:99")
	log, logs := logger.NewObserverLogger("info")
	w := NewWorker(expressionKernel(whole, "x + y"), WithLogger(log), WithHistoryBytes(1<<20))

	reports, err := RunLocal(context.Background(), 4, w)
	require.NoError(t, err)
	require.Len(t, reports, 4)

	var sum float64
	for rank, r := range reports {
		require.Equal(t, rank, r.Rank)
		require.Equal(t, extent.Piece{Index: rank, Count: 4}, r.Piece)
		require.Equal(t, translator.Split(whole, rank, 4, 0), r.Extent)
		require.Equal(t, map[int]int{0: 2500, 1: 101}, r.Levels)
		require.Equal(t, 1, r.Exchange.Rounds)
		sum += r.Sum
	}
	// Sum over the grid of i + j.
	require.InDelta(t, 990000, sum, 1e-6)
	require.Equal(t, 4, logs.FilterMessage("piece complete").Len())
}

func TestRunLocalSlabsAndTwoLevels(t *testing.T) {
	whole := extent.MustParse("0:9,0:9,0:9")
	w := NewWorker(expressionKernel(whole, "1.0"),
		WithSplitMode(translator.ZSlab),
		WithGhostLevels(2),
		WithReleasePolicy(false),
	)

	reports, err := RunLocal(context.Background(), 2, w)
	require.NoError(t, err)
	require.Equal(t, extent.MustParse("0:9,0:9,0:4"), reports[0].Extent)
	require.Equal(t, extent.MustParse("0:9,0:9,5:9"), reports[1].Extent)
	for _, r := range reports {
		require.Equal(t, map[int]int{0: 500, 1: 100, 2: 100}, r.Levels)
		require.InDelta(t, 500, r.Sum, 1e-9)
	}
}

func TestRunLocalFirstErrorCancelsTheOthers(t *testing.T) {
	whole := extent.MustParse("0:99,0:99")
	errKernel := errors.New("no kernel for you")
	var calls atomic.Int32
	w := NewWorker(func(ctx context.Context) (source.Kernel, error) {
		if calls.Add(1) == 3 {
			return nil, errKernel
		}
		return kernel.NewExpression(extent.NewInformation(whole), "x")
	}, WithExchanger(ghost.NewExchanger()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := RunLocal(ctx, 4, w)
	require.ErrorIs(t, err, errKernel)
	require.NoError(t, ctx.Err())
}

func TestRunLocalNeedsPieces(t *testing.T) {
	_, err := RunLocal(context.Background(), 0, NewWorker(expressionKernel(extent.MustParse("0:9"), "x")))
	require.ErrorIs(t, err, ErrNoPieces)
}

func TestWorkerSinglePiece(t *testing.T) {
	whole := extent.MustParse("0:9")
	reports, err := RunLocal(context.Background(), 1, NewWorker(expressionKernel(whole, "double(i)")))
	require.NoError(t, err)
	require.Equal(t, map[int]int{0: 10}, reports[0].Levels)
	require.InDelta(t, 45, reports[0].Sum, 1e-9)
	require.Empty(t, reports[0].Exchange.Peers)
}

// countingKernel counts the slabs it executes.
type countingKernel struct {
	source.Kernel
	executions *atomic.Int32
}

func (k countingKernel) Execute(ctx context.Context, slab extent.Extent, out *cache.Buffer) error {
	k.executions.Add(1)
	return k.Kernel.Execute(ctx, slab, out)
}

func TestReleasePolicyAndHistoryDecideRecomputation(t *testing.T) {
	whole := extent.MustParse("0:99,0:99")
	tests := map[string]struct {
		release      bool
		historyBytes int64
		executions   int32
	}{
		`release_with_history`:    {release: true, historyBytes: 64 << 20, executions: 4},
		`release_without_history`: {release: true, historyBytes: 0, executions: 8},
		`keep_without_history`:    {release: false, historyBytes: 0, executions: 4},
		`keep_with_history`:       {release: false, historyBytes: 64 << 20, executions: 4},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var executions atomic.Int32
			newKernel := func(ctx context.Context) (source.Kernel, error) {
				k, err := expressionKernel(whole, "x + y")(ctx)
				if err != nil {
					return nil, err
				}
				return countingKernel{Kernel: k, executions: &executions}, nil
			}
			w := NewWorker(newKernel,
				WithReleasePolicy(test.release),
				WithHistoryBytes(test.historyBytes),
			)

			reports, err := RunLocal(context.Background(), 4, w)
			require.NoError(t, err)
			require.Equal(t, test.executions, executions.Load())
			for _, r := range reports {
				require.Equal(t, map[int]int{0: 2500, 1: 101}, r.Levels)
				require.Zero(t, r.GhostMismatches)
			}
		})
	}
}

func TestGhostsFromDisagreeingPieceAreCounted(t *testing.T) {
	whole := extent.MustParse("0:99,0:99")
	var calls atomic.Int32
	log, logs := logger.NewObserverLogger("warn")
	w := NewWorker(func(ctx context.Context) (source.Kernel, error) {
		text := "x + y"
		if calls.Add(1) == 3 {
			text = "x + y + 1000.0"
		}
		return expressionKernel(whole, text)(ctx)
	}, WithLogger(log))

	reports, err := RunLocal(context.Background(), 4, w)
	require.NoError(t, err)

	var mismatches int
	for _, r := range reports {
		mismatches += r.GhostMismatches
	}
	// The odd piece rejects its 101 ghosts and its neighbours the 50 + 50 + 1
	// elements they took from it.
	require.Equal(t, 202, mismatches)
	require.Equal(t, 4, logs.FilterMessage("imported ghosts disagree with the local computation").Len())
}

package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tessera-io/tessera/internal/mocks"
	"github.com/tessera-io/tessera/pkg/array"
	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/clock"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/logger"
	"github.com/tessera-io/tessera/pkg/translator"
)

// fillWith writes value into every element of slab.
func fillWith(value float64) func(context.Context, extent.Extent, *cache.Buffer) error {
	return func(_ context.Context, slab extent.Extent, out *cache.Buffer) error {
		for i := 0; i < slab.Size(); i++ {
			out.Set(slab.Coords(i), 0, value)
		}
		return nil
	}
}

func newKernel(t *testing.T, whole extent.Extent, nativeDim int) *mocks.MockKernel {
	t.Helper()
	mockController := gomock.NewController(t)
	k := mocks.NewMockKernel(mockController)
	info := extent.NewInformation(whole)
	info.ElementType = array.Float32
	k.EXPECT().ComputeInformation(gomock.Any()).Return(info, nil).AnyTimes()
	k.EXPECT().NativeDimensionality().Return(nativeDim).AnyTimes()
	return k
}

func TestUpdateRunsKernelOnce(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(2, 0, 9, 0, 9)
	k := newKernel(t, whole, 2)
	k.EXPECT().Execute(gomock.Any(), whole, gomock.Any()).Times(1).DoAndReturn(fillWith(1))

	s := New(k)
	first, err := s.Update(ctx, whole)
	require.NoError(t, err)
	second, err := s.Update(ctx, whole)
	require.NoError(t, err)
	require.Same(t, first, second)

	// A contained request is served from the cache too.
	sub, err := s.Update(ctx, extent.New(2, 2, 5, 2, 5))
	require.NoError(t, err)
	require.Same(t, first, sub)

	require.Equal(t, Idle, s.State())
	require.True(t, whole.Equal(first.Extent()))
	require.Equal(t, s.PipelineTimestamp(), s.LastComputedTimestamp())
}

func TestModifiedInvalidates(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(1, 0, 9)
	k := newKernel(t, whole, 1)
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Times(2).DoAndReturn(fillWith(1))

	s := New(k)
	_, err := s.Update(ctx, whole)
	require.NoError(t, err)
	before := s.LastComputedTimestamp()

	s.Modified()
	_, err = s.Update(ctx, whole)
	require.NoError(t, err)
	require.True(t, s.LastComputedTimestamp().After(before))

	_, err = s.Update(ctx, whole)
	require.NoError(t, err)
}

func TestUpstreamModificationInvalidatesDownstream(t *testing.T) {
	ctx := context.Background()
	c := clock.New()
	upstreamStamp := clock.NewStamp(c)

	mockController := gomock.NewController(t)
	up := mocks.NewMockUpstream(mockController)
	up.EXPECT().PipelineTimestamp().DoAndReturn(upstreamStamp.MTime).AnyTimes()

	whole := extent.New(1, 0, 9)
	k := newKernel(t, whole, 1)
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Times(2).DoAndReturn(fillWith(2))

	s := New(k, WithClock(c), WithUpstream(up))
	_, err := s.Update(ctx, whole)
	require.NoError(t, err)
	_, err = s.Update(ctx, whole)
	require.NoError(t, err)

	upstreamStamp.Modified()
	require.Equal(t, upstreamStamp.MTime(), s.PipelineTimestamp())
	_, err = s.Update(ctx, whole)
	require.NoError(t, err)
	_, err = s.Update(ctx, whole)
	require.NoError(t, err)
}

func TestUpdateCollapsesExtraAxesIntoSlabs(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(3, 0, 3, 0, 3, 0, 2)
	k := newKernel(t, whole, 2)

	var slabs []string
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Times(3).DoAndReturn(
		func(ctx context.Context, slab extent.Extent, out *cache.Buffer) error {
			slabs = append(slabs, slab.String())
			return fillWith(float64(slab.Min[2]))(ctx, slab, out)
		})

	s := New(k)
	out, err := s.Update(ctx, whole)
	require.NoError(t, err)
	require.Equal(t, []string{
		"[0,3]x[0,3]x[0,0]",
		"[0,3]x[0,3]x[1,1]",
		"[0,3]x[0,3]x[2,2]",
	}, slabs)
	require.InDelta(t, 2.0, out.At([extent.MaxAxes]int{3, 3, 2}, 0), 0)
}

func TestUndeclaredDimensionalityIsConfigurationError(t *testing.T) {
	whole := extent.New(1, 0, 9)
	k := newKernel(t, whole, -1)

	s := New(k, WithName("broken"))
	_, err := s.Update(context.Background(), whole)
	require.ErrorIs(t, err, ErrUndeclaredDimensionality)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "broken", cfgErr.Source)
	require.Equal(t, Idle, s.State())
}

func TestInvalidInformationIsConfigurationError(t *testing.T) {
	mockController := gomock.NewController(t)
	k := mocks.NewMockKernel(mockController)
	info := extent.NewInformation(extent.New(1, 0, 9))
	info.Components = 0
	k.EXPECT().ComputeInformation(gomock.Any()).Return(info, nil)

	_, err := New(k).UpdateInformation(context.Background())
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestFailedUpdateKeepsPreviousBuffer(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(1, 0, 9)
	k := newKernel(t, whole, 1)
	boom := errors.New("kernel failed")
	gomock.InOrder(
		k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(fillWith(7)),
		k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, slab extent.Extent, out *cache.Buffer) error {
				_ = fillWith(-1)(ctx, slab, out)
				return boom
			}),
	)

	s := New(k)
	out, err := s.Update(ctx, whole)
	require.NoError(t, err)
	computedAt := out.Timestamp()

	s.Modified()
	_, err = s.Update(ctx, whole)
	require.ErrorIs(t, err, boom)

	require.Same(t, out, s.Output())
	require.Equal(t, computedAt, out.Timestamp())
	require.InDelta(t, 7.0, out.At([extent.MaxAxes]int{4}, 0), 0)
	require.Equal(t, Idle, s.State())
}

func TestEmptyRequestSkipsKernelAndCache(t *testing.T) {
	whole := extent.New(2, 0, 9, 0, 9)
	k := newKernel(t, whole, 2)

	s := New(k)
	out, err := s.Update(context.Background(), extent.New(2, 20, 30, 0, 9))
	require.NoError(t, err)
	require.True(t, out.IsEmpty())
	require.NotSame(t, out, s.Output())
	require.True(t, s.UpdateExtent().IsEmpty())
	require.Equal(t, clock.Never, s.LastComputedTimestamp())
}

func TestReentrantUpdateIsRefused(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(1, 0, 3)
	k := newKernel(t, whole, 1)

	var s *CachedSource
	var inner error
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, slab extent.Extent, out *cache.Buffer) error {
			require.Equal(t, ComputingData, s.State())
			_, inner = s.Update(ctx, slab)
			return nil
		})

	s = New(k)
	_, err := s.Update(ctx, whole)
	require.NoError(t, err)
	require.ErrorIs(t, inner, ErrReentrantUpdate)
}

func TestRetrieveHonorsReleasePolicy(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(1, 0, 9)

	t.Run("release", func(t *testing.T) {
		k := newKernel(t, whole, 1)
		k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Times(2).DoAndReturn(fillWith(3))

		s := New(k)
		require.True(t, s.ReleasePolicy())
		got, err := s.Retrieve(ctx, whole)
		require.NoError(t, err)
		require.InDelta(t, 3.0, got.At([extent.MaxAxes]int{9}, 0), 0)
		require.True(t, s.Output().Released())

		_, err = s.Retrieve(ctx, whole)
		require.NoError(t, err)
	})

	t.Run("keep", func(t *testing.T) {
		k := newKernel(t, whole, 1)
		k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Times(1).DoAndReturn(fillWith(3))

		s := New(k, WithReleasePolicy(false))
		for i := 0; i < 3; i++ {
			got, err := s.Retrieve(ctx, whole)
			require.NoError(t, err)
			require.Same(t, s.Output(), got)
		}
	})
}

func TestHistoryAvoidsRecomputeOfEarlierExtent(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(1, 0, 99)
	h, err := cache.NewHistory()
	require.NoError(t, err)
	defer h.Close()

	k := newKernel(t, whole, 1)
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Times(2).DoAndReturn(fillWith(5))

	s := New(k, WithHistory(h), WithReleasePolicy(false))
	left, right := extent.New(1, 0, 49), extent.New(1, 50, 99)
	_, err = s.Update(ctx, left)
	require.NoError(t, err)
	_, err = s.Update(ctx, right)
	require.NoError(t, err)

	out, err := s.Update(ctx, left)
	require.NoError(t, err)
	require.True(t, left.Equal(out.Extent()))
	require.False(t, s.ReleasePolicy())
}

func TestExactExtentCropsLargerBuffer(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(2, 0, 9, 0, 9)
	k := newKernel(t, whole, 2)
	k.EXPECT().Execute(gomock.Any(), whole, gomock.Any()).Times(1).DoAndReturn(
		func(_ context.Context, slab extent.Extent, out *cache.Buffer) error {
			for i := 0; i < slab.Size(); i++ {
				out.Set(slab.Coords(i), 0, float64(i))
			}
			return nil
		})

	s := New(k, WithExactExtent(true), WithReleasePolicy(false))
	full, err := s.Update(ctx, whole)
	require.NoError(t, err)
	require.Same(t, s.Output(), full)

	sub := extent.New(2, 2, 4, 3, 3)
	cropped, err := s.Retrieve(ctx, sub)
	require.NoError(t, err)
	require.True(t, sub.Equal(cropped.Extent()))
	require.Equal(t, 3, cropped.Data().Len())
	require.InDelta(t, 32.0, cropped.At([extent.MaxAxes]int{2, 3}, 0), 0)
	require.InDelta(t, 34.0, cropped.At([extent.MaxAxes]int{4, 3}, 0), 0)

	// The cached buffer keeps covering the whole extent.
	require.True(t, whole.Equal(s.Output().Extent()))

	t.Run("without_exact_extent", func(t *testing.T) {
		k := newKernel(t, whole, 2)
		k.EXPECT().Execute(gomock.Any(), whole, gomock.Any()).Times(1).DoAndReturn(fillWith(1))

		s := New(k, WithReleasePolicy(false))
		_, err := s.Update(ctx, whole)
		require.NoError(t, err)
		out, err := s.Retrieve(ctx, sub)
		require.NoError(t, err)
		require.True(t, whole.Equal(out.Extent()))
	})
}

func TestRetrievePieceRecallsGhostGrownExtent(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(2, 0, 99, 0, 99)
	grownPiece := extent.Piece{Index: 0, Count: 4, GhostLevel: 1}
	ownedPiece := extent.Piece{Index: 0, Count: 4}

	tests := map[string]struct {
		release    bool
		history    bool
		executions int
	}{
		`release_with_history`:    {release: true, history: true, executions: 1},
		`release_without_history`: {release: true, history: false, executions: 2},
		`keep`:                    {release: false, history: false, executions: 1},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			k := newKernel(t, whole, 2)
			k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Times(test.executions).DoAndReturn(fillWith(2))

			opts := []CachedSourceOpt{WithExactExtent(true), WithReleasePolicy(test.release)}
			if test.history {
				h, err := cache.NewHistory()
				require.NoError(t, err)
				defer h.Close()
				opts = append(opts, WithHistory(h))
			}
			s := New(k, opts...)

			grown, err := s.RetrievePiece(ctx, grownPiece)
			require.NoError(t, err)
			require.Equal(t, "[0,50]x[0,50]", grown.Extent().String())
			require.Equal(t, test.release, s.Output().Released())

			owned, err := s.RetrievePiece(ctx, ownedPiece)
			require.NoError(t, err)
			require.Equal(t, "[0,49]x[0,49]", owned.Extent().String())
			require.InDelta(t, 2.0, owned.At([extent.MaxAxes]int{49, 49}, 0), 0)
		})
	}
}

func TestUpdatePiece(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(2, 0, 99, 0, 99)
	k := newKernel(t, whole, 2)
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(fillWith(1))

	s := New(k)
	out, err := s.UpdatePiece(ctx, extent.Piece{Index: 2, Count: 4})
	require.NoError(t, err)
	require.Equal(t, "[0,49]x[50,99]", out.Extent().String())
	require.Equal(t, "[0,49]x[50,99]", s.UpdateExtent().String())

	_, err = s.UpdatePiece(ctx, extent.Piece{Index: 4, Count: 4})
	require.ErrorIs(t, err, extent.ErrInvalidPiece)
}

func TestBranchTranslatorWithSourceAuthority(t *testing.T) {
	ctx := context.Background()
	c := clock.New()
	authority := New(newKernel(t, extent.New(2, 0, 99, 0, 99), 2), WithName("authority"), WithClock(c))

	local := extent.New(2, 0, 79, 0, 99)
	k := newKernel(t, local, 2)
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(fillWith(1))

	branch := translator.NewBranchTranslator(authority, translator.PieceTranslator{})
	s := New(k, WithTranslator(branch), WithUpstream(authority), WithClock(c))

	// Piece 1 of 4 is [50,99]x[0,49] in the authority; clipped locally.
	out, err := s.UpdatePiece(ctx, extent.Piece{Index: 1, Count: 4})
	require.NoError(t, err)
	require.Equal(t, "[50,79]x[0,49]", out.Extent().String())
}

func TestCloseRefusesUpdates(t *testing.T) {
	whole := extent.New(1, 0, 9)
	k := newKernel(t, whole, 1)
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(fillWith(1))

	s := New(k, WithReleasePolicy(false))
	_, err := s.Update(context.Background(), whole)
	require.NoError(t, err)

	s.Close()
	require.True(t, s.Output().Released())
	_, err = s.Update(context.Background(), whole)
	require.ErrorIs(t, err, ErrClosed)
}

func TestUpdateLogsComputation(t *testing.T) {
	whole := extent.New(1, 0, 9)
	k := newKernel(t, whole, 1)
	k.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(fillWith(1))

	log, logs := logger.NewObserverLogger("debug")
	s := New(k, WithLogger(log), WithName("logged"))
	_, err := s.Update(context.Background(), whole)
	require.NoError(t, err)

	computed := logs.FilterMessage("computed").All()
	require.Len(t, computed, 1)
	require.Equal(t, "logged", computed[0].ContextMap()["source"])
	require.Equal(t, int64(1), computed[0].ContextMap()["slabs"])
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "computing-information", ComputingInformation.String())
	require.Equal(t, "computing-data", ComputingData.String())
}

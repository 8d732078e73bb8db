package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-io/tessera/pkg/array"
	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/clock"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/source"
)

func TestExpressionValues(t *testing.T) {
	info := extent.NewInformation(extent.New(2, 0, 3, 0, 2))
	info.Origin = [extent.MaxAxes]float64{1, 0}
	info.Spacing = [extent.MaxAxes]float64{0.5, 2}

	tests := map[string]struct {
		expression string
		at         [extent.MaxAxes]int
		expected   float64
	}{
		`physical_coordinates`: {expression: "x + 10.0 * y", at: [extent.MaxAxes]int{2, 1}, expected: 22},
		`indices`:              {expression: "i * j", at: [extent.MaxAxes]int{3, 2}, expected: 6},
		`unsigned`:             {expression: "uint(i)", at: [extent.MaxAxes]int{3, 0}, expected: 3},
		`boolean`:              {expression: "i > j", at: [extent.MaxAxes]int{3, 0}, expected: 1},
		`conditional`:          {expression: "i == 0 ? -1.0 : double(i)", at: [extent.MaxAxes]int{0, 2}, expected: -1},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			e, err := NewExpression(info, test.expression)
			require.NoError(t, err)

			out, err := cache.NewBuffer(info.WholeExtent, array.Float64, 1)
			require.NoError(t, err)
			require.NoError(t, e.Execute(context.Background(), info.WholeExtent, out))
			require.InDelta(t, test.expected, out.At(test.at, 0), 1e-9)
		})
	}
}

func TestExpressionComponents(t *testing.T) {
	info := extent.NewInformation(extent.New(1, 0, 4))
	info.Components = 3
	e, err := NewExpression(info, "c * 100 + i")
	require.NoError(t, err)

	out, err := cache.NewBuffer(info.WholeExtent, array.Int32, 3)
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), info.WholeExtent, out))
	require.InDelta(t, 204.0, out.At([extent.MaxAxes]int{4}, 2), 0)
	require.InDelta(t, 4.0, out.At([extent.MaxAxes]int{4}, 0), 0)
}

func TestExpressionErrors(t *testing.T) {
	info := extent.NewInformation(extent.New(1, 0, 4))

	_, err := NewExpression(info, "x +")
	require.Error(t, err)

	_, err = NewExpression(info, "undefined_var * 2.0")
	require.Error(t, err)

	e, err := NewExpression(info, `"text"`)
	require.NoError(t, err)
	out, err := cache.NewBuffer(info.WholeExtent, array.Float64, 1)
	require.NoError(t, err)
	require.ErrorIs(t, e.Execute(context.Background(), info.WholeExtent, out), ErrNonNumericResult)

	require.Error(t, e.SetExpression("1.0 +"))
	require.Equal(t, `"text"`, e.Text())
}

func TestExpressionExecuteHonorsCancellation(t *testing.T) {
	info := extent.NewInformation(extent.New(1, 0, 9))
	e, err := NewExpression(info, "x")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := cache.NewBuffer(info.WholeExtent, array.Float64, 1)
	require.NoError(t, err)
	require.ErrorIs(t, e.Execute(ctx, info.WholeExtent, out), context.Canceled)
}

func TestSetExpressionInvalidatesSource(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(2, 0, 9, 0, 9)
	e, err := NewExpression(extent.NewInformation(whole), "1.0")
	require.NoError(t, err)

	s := source.New(e, source.WithReleasePolicy(false))
	e.OnChange(func() { s.Modified() })

	out, err := s.Update(ctx, whole)
	require.NoError(t, err)
	require.InDelta(t, 1.0, out.At([extent.MaxAxes]int{5, 5}, 0), 0)
	computedAt := s.LastComputedTimestamp()

	require.NoError(t, e.SetExpression("2.0"))
	out, err = s.Update(ctx, whole)
	require.NoError(t, err)
	require.InDelta(t, 2.0, out.At([extent.MaxAxes]int{5, 5}, 0), 0)
	require.True(t, s.LastComputedTimestamp().After(computedAt))
}

func TestExpressionCollapsesAxesAboveNativeDimensionality(t *testing.T) {
	ctx := context.Background()
	whole := extent.New(3, 0, 4, 0, 4, 0, 3)
	e, err := NewExpression(extent.NewInformation(whole), "double(k)", WithNativeDimensionality(2))
	require.NoError(t, err)
	require.Equal(t, 2, e.NativeDimensionality())

	s := source.New(e)
	out, err := s.Update(ctx, whole)
	require.NoError(t, err)
	require.InDelta(t, 3.0, out.At([extent.MaxAxes]int{4, 4, 3}, 0), 0)
}

func TestScaleTransitiveInvalidation(t *testing.T) {
	ctx := context.Background()
	c := clock.New()
	whole := extent.New(1, 0, 9)

	synth, err := NewExpression(extent.NewInformation(whole), "double(i)", WithNativeDimensionality(1))
	require.NoError(t, err)
	input := source.New(synth, source.WithClock(c), source.WithName("input"), source.WithReleasePolicy(false))
	synth.OnChange(func() { input.Modified() })

	scale := NewScale(input, 3)
	scaled := source.New(scale, source.WithClock(c), source.WithUpstream(input), source.WithName("scaled"), source.WithReleasePolicy(false))
	scale.OnChange(func() { scaled.Modified() })

	out, err := scaled.Update(ctx, whole)
	require.NoError(t, err)
	require.InDelta(t, 27.0, out.At([extent.MaxAxes]int{9}, 0), 0)
	first := scaled.LastComputedTimestamp()

	// Nothing changed: served from the cache.
	_, err = scaled.Update(ctx, whole)
	require.NoError(t, err)
	require.Equal(t, first, scaled.LastComputedTimestamp())

	// An upstream change reaches the downstream source.
	require.NoError(t, synth.SetExpression("double(i) + 1.0"))
	out, err = scaled.Update(ctx, whole)
	require.NoError(t, err)
	require.InDelta(t, 30.0, out.At([extent.MaxAxes]int{9}, 0), 0)
	second := scaled.LastComputedTimestamp()
	require.True(t, second.After(first))

	scale.SetFactor(0.5)
	require.InDelta(t, 0.5, scale.Factor(), 0)
	out, err = scaled.Update(ctx, whole)
	require.NoError(t, err)
	require.InDelta(t, 5.0, out.At([extent.MaxAxes]int{9}, 0), 0)
	require.True(t, scaled.LastComputedTimestamp().After(second))
}

package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-io/tessera/pkg/array"
	"github.com/tessera-io/tessera/pkg/clock"
	"github.com/tessera-io/tessera/pkg/extent"
)

func TestHistoryLookup(t *testing.T) {
	h, err := NewHistory(WithMaxBytes(1 << 20))
	require.NoError(t, err)
	defer h.Close()

	b, err := NewBuffer(extent.New(1, 0, 99), array.Float64, 1)
	require.NoError(t, err)
	b.timestamp = 10
	b.Set([extent.MaxAxes]int{42}, 0, 3)
	require.True(t, h.Store(b))
	require.Equal(t, 1, h.Len())

	got, ok := h.Lookup(extent.New(1, 40, 50), 10)
	require.True(t, ok)
	require.NotSame(t, b, got)
	require.InDelta(t, 3.0, got.At([extent.MaxAxes]int{42}, 0), 0)

	_, ok = h.Lookup(extent.New(1, 40, 50), 11)
	require.False(t, ok)
	_, ok = h.Lookup(extent.New(1, 90, 100), 1)
	require.False(t, ok)

	empty, err := NewBuffer(extent.Empty(1), array.Float64, 1)
	require.NoError(t, err)
	require.False(t, h.Store(empty))
}

func TestHistoryRejectsInvalidSize(t *testing.T) {
	_, err := NewHistory(WithMaxBytes(0))
	require.Error(t, err)
}

func TestCacheRecallsFromHistory(t *testing.T) {
	h, err := NewHistory()
	require.NoError(t, err)
	defer h.Close()

	c := New(WithHistory(h), WithReleasePolicy(false))

	first := extent.New(1, 0, 9)
	staged, err := c.Allocate(first, array.Float32, 1)
	require.NoError(t, err)
	staged.Set([extent.MaxAxes]int{3}, 0, 1)
	require.NoError(t, c.Commit(5))

	_, err = c.Allocate(extent.New(1, 20, 29), array.Float32, 1)
	require.NoError(t, err)
	require.NoError(t, c.Commit(6))
	require.Equal(t, Stale, c.Query(first, 5))

	require.True(t, c.Recall(first, 5))
	require.Equal(t, Fresh, c.Query(first, 5))
	require.InDelta(t, 1.0, c.Get().At([extent.MaxAxes]int{3}, 0), 0)
	require.Equal(t, clock.Timestamp(5), c.Timestamp())

	require.False(t, c.Recall(first, 7))
	require.False(t, New().Recall(first, 0))
}

package containers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortedIDSet(t *testing.T) {
	s := NewSortedIDSet()
	require.Empty(t, s.Values())

	require.Equal(t, 3, s.Add(42, -7, 9))
	require.Equal(t, 1, s.Add(9, 100))
	require.Zero(t, s.Add(42))
	require.Equal(t, []int64{-7, 9, 42, 100}, s.Values())
}

func TestNewSortedIDSetWithValues(t *testing.T) {
	s := NewSortedIDSet(3, 1, 3, 2)
	require.Equal(t, []int64{1, 2, 3}, s.Values())
}

package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClockTicksAreStrictlyIncreasing(t *testing.T) {
	c := New()
	require.Equal(t, Never, c.Now())

	prev := c.Tick()
	for i := 0; i < 100; i++ {
		next := c.Tick()
		require.True(t, next.After(prev))
		prev = next
	}
	require.Equal(t, prev, c.Now())
}

func TestClockConcurrentTicksAreUnique(t *testing.T) {
	c := New()
	const workers, perWorker = 8, 250

	var mu sync.Mutex
	seen := make(map[Timestamp]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]Timestamp, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, c.Tick())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
	require.Equal(t, Timestamp(workers*perWorker), c.Now())
}

func TestMax(t *testing.T) {
	require.Equal(t, Never, Max())
	require.Equal(t, Timestamp(7), Max(3, 7, 5))
	require.Equal(t, Timestamp(1), Max(Never, 1))
}

func TestStampsSharingAClockAreOrdered(t *testing.T) {
	c := New()
	upstream := NewStamp(c)
	downstream := NewStamp(c)
	require.True(t, downstream.MTime().After(upstream.MTime()))

	// A later upstream change must dominate the aggregate even though
	// downstream was created after upstream.
	before := Max(upstream.MTime(), downstream.MTime())
	upstream.Modified()
	after := Max(upstream.MTime(), downstream.MTime())
	require.True(t, after.After(before))
}

func TestNilClockStampIsPrivate(t *testing.T) {
	s := NewStamp(nil)
	require.NotNil(t, s.Clock())
	require.Equal(t, Timestamp(1), s.MTime())
	require.Equal(t, Timestamp(2), s.Modified())
	require.True(t, s.MTime().AtLeast(2))
}

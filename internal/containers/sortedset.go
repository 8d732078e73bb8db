package containers

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// SortedIDSet stores a set (no duplicates allowed) of int64 IDs in memory
// in a way that also provides fast sorted access. It is not safe for
// concurrent use.
type SortedIDSet struct {
	inner *redblacktree.Tree
}

func NewSortedIDSet(ids ...int64) *SortedIDSet {
	s := &SortedIDSet{
		inner: redblacktree.NewWith(utils.Int64Comparator),
	}
	s.Add(ids...)
	return s
}

// Add inserts ids and reports how many of them were new.
func (s *SortedIDSet) Add(ids ...int64) int {
	added := 0
	for _, id := range ids {
		if _, ok := s.inner.Get(id); ok {
			continue
		}
		s.inner.Put(id, nil)
		added++
	}
	return added
}

// Values returns the ids in ascending order.
func (s *SortedIDSet) Values() []int64 {
	values := make([]int64, 0, s.inner.Size())
	for _, k := range s.inner.Keys() {
		values = append(values, k.(int64))
	}
	return values
}

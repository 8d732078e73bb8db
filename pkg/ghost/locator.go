package ghost

import (
	"gonum.org/v1/gonum/spatial/kdtree"
)

// minRebuild is the number of unindexed points tolerated before the tree is
// rebuilt, whatever its size.
const minRebuild = 64

// Locator merges points that lie within a tolerance of each other. Indexed
// points live in a balanced k-d tree; points added since the last rebuild are
// scanned linearly until there are enough of them to make a rebuild pay off.
type Locator struct {
	tolerance float64
	points    [][3]float64
	tree      *kdtree.Tree
	indexed   int
}

// NewLocator returns an empty locator. Points closer than tolerance are
// considered the same point.
func NewLocator(tolerance float64) *Locator {
	return &Locator{tolerance: max(tolerance, 0)}
}

// Tolerance returns the merge distance.
func (l *Locator) Tolerance() float64 {
	return l.tolerance
}

// Len returns the number of distinct points.
func (l *Locator) Len() int {
	return len(l.points)
}

// Point returns the coordinates of point i.
func (l *Locator) Point(i int) [3]float64 {
	return l.points[i]
}

// Find returns the index of the point within tolerance of p.
func (l *Locator) Find(p [3]float64) (int, bool) {
	limit := l.tolerance * l.tolerance
	best, bestDist := -1, limit

	if l.tree != nil {
		if c, d := l.tree.Nearest(site{pos: p}); c != nil && d <= bestDist {
			best, bestDist = c.(site).index, d
		}
	}
	for i := l.indexed; i < len(l.points); i++ {
		if d := squaredDistance(l.points[i], p); d <= bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0
}

// FindOrInsert returns the index of the point within tolerance of p, adding p
// when there is none. The boolean reports whether p was added.
func (l *Locator) FindOrInsert(p [3]float64) (int, bool) {
	if i, ok := l.Find(p); ok {
		return i, false
	}
	l.points = append(l.points, p)
	if pending := len(l.points) - l.indexed; pending > max(minRebuild, l.indexed/2) {
		l.rebuild()
	}
	return len(l.points) - 1, true
}

func (l *Locator) rebuild() {
	s := make(sites, len(l.points))
	for i, p := range l.points {
		s[i] = site{pos: p, index: i}
	}
	l.tree = kdtree.New(s, false)
	l.indexed = len(l.points)
}

func squaredDistance(a, b [3]float64) float64 {
	var sum float64
	for d := range a {
		v := a[d] - b[d]
		sum += v * v
	}
	return sum
}

// site is a located point as stored in the k-d tree.
type site struct {
	pos   [3]float64
	index int
}

func (s site) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return s.pos[d] - c.(site).pos[d]
}

func (s site) Dims() int { return 3 }

func (s site) Distance(c kdtree.Comparable) float64 {
	return squaredDistance(s.pos, c.(site).pos)
}

type sites []site

func (s sites) Index(i int) kdtree.Comparable         { return s[i] }
func (s sites) Len() int                              { return len(s) }
func (s sites) Slice(start, end int) kdtree.Interface { return s[start:end] }
func (s sites) Pivot(d kdtree.Dim) int {
	p := sitePlane{sites: s, dim: d}
	return kdtree.Partition(p, kdtree.MedianOfRandoms(p, 100))
}

type sitePlane struct {
	sites
	dim kdtree.Dim
}

func (p sitePlane) Less(i, j int) bool { return p.sites[i].pos[p.dim] < p.sites[j].pos[p.dim] }
func (p sitePlane) Swap(i, j int)      { p.sites[i], p.sites[j] = p.sites[j], p.sites[i] }
func (p sitePlane) Slice(start, end int) kdtree.SortSlicer {
	p.sites = p.sites[start:end]
	return p
}

package ghost

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
)

var ErrInvalidElement = errors.New("invalid element")

// DefaultTolerance is the point merge distance used when none is given.
const DefaultTolerance = 1e-6

// Element is one cell of a mesh. Points are indices into the owning mesh.
type Element struct {
	ID     int64
	Type   CellType
	Points []int
	Values []float64
	// GhostLevel is 0 for elements this piece owns, k for elements imported
	// during round k of an exchange.
	GhostLevel int
	// Owner is the rank holding the authoritative copy.
	Owner int
}

// Bounds is an axis aligned box. The zero value is empty.
type Bounds struct {
	Min, Max [3]float64
	Valid    bool
}

// Add grows b to include p.
func (b *Bounds) Add(p [3]float64) {
	if !b.Valid {
		b.Min, b.Max, b.Valid = p, p, true
		return
	}
	for d := range p {
		b.Min[d] = math.Min(b.Min[d], p[d])
		b.Max[d] = math.Max(b.Max[d], p[d])
	}
}

// Intersects reports whether b and o overlap once both are padded by tol.
// Boxes that touch intersect.
func (b Bounds) Intersects(o Bounds, tol float64) bool {
	if !b.Valid || !o.Valid {
		return false
	}
	for d := range 3 {
		if b.Min[d]-tol > o.Max[d]+tol || o.Min[d]-tol > b.Max[d]+tol {
			return false
		}
	}
	return true
}

func (b Bounds) String() string {
	if !b.Valid {
		return "empty"
	}
	return fmt.Sprintf("%v-%v", b.Min, b.Max)
}

// Mesh is the local set of elements of a piece, owned and imported alike.
// A Mesh is not safe for concurrent use.
type Mesh struct {
	locator  *Locator
	elements []Element
	byID     map[int64]int
	// pointElements maps a point to the elements that reference it. Built on
	// demand and extended as elements are added.
	pointElements map[int][]int
}

// NewMesh returns an empty mesh merging points closer than tolerance.
func NewMesh(tolerance float64) *Mesh {
	return &Mesh{
		locator: NewLocator(tolerance),
		byID:    map[int64]int{},
	}
}

// Tolerance returns the point merge distance.
func (m *Mesh) Tolerance() float64 {
	return m.locator.Tolerance()
}

// AddPoint returns the index of p, merging it with an existing point within
// tolerance.
func (m *Mesh) AddPoint(p [3]float64) int {
	i, _ := m.locator.FindOrInsert(p)
	return i
}

// FindPoint returns the index of the point within tolerance of p.
func (m *Mesh) FindPoint(p [3]float64) (int, bool) {
	return m.locator.Find(p)
}

// Point returns the coordinates of point i.
func (m *Mesh) Point(i int) [3]float64 {
	return m.locator.Point(i)
}

// NumPoints returns the number of distinct points.
func (m *Mesh) NumPoints() int {
	return m.locator.Len()
}

// AddElement adds e. It returns false without changing the mesh when an
// element with the same id is already present.
func (m *Mesh) AddElement(e Element) (bool, error) {
	if n := e.Type.NumPoints(); n == 0 || n != len(e.Points) {
		return false, fmt.Errorf("%w: %s with %d points", ErrInvalidElement, e.Type, len(e.Points))
	}
	for _, p := range e.Points {
		if p < 0 || p >= m.NumPoints() {
			return false, fmt.Errorf("%w: point %d out of range", ErrInvalidElement, p)
		}
	}
	if _, ok := m.byID[e.ID]; ok {
		return false, nil
	}

	idx := len(m.elements)
	m.elements = append(m.elements, e)
	m.byID[e.ID] = idx
	if m.pointElements != nil {
		for _, p := range e.Points {
			m.pointElements[p] = append(m.pointElements[p], idx)
		}
	}
	return true, nil
}

// Len returns the number of elements.
func (m *Mesh) Len() int {
	return len(m.elements)
}

// Elements returns the elements in insertion order. The slice must not be
// modified.
func (m *Mesh) Elements() []Element {
	return m.elements
}

// Element returns the element with the given id.
func (m *Mesh) Element(id int64) (Element, bool) {
	i, ok := m.byID[id]
	if !ok {
		return Element{}, false
	}
	return m.elements[i], true
}

// Has reports whether an element with the given id is present.
func (m *Mesh) Has(id int64) bool {
	_, ok := m.byID[id]
	return ok
}

// LevelCounts returns the number of elements at each ghost level.
func (m *Mesh) LevelCounts() map[int]int {
	counts := map[int]int{}
	for _, e := range m.elements {
		counts[e.GhostLevel]++
	}
	return counts
}

// Levels returns the ghost levels present, ascending.
func (m *Mesh) Levels() []int {
	return slices.Sorted(maps.Keys(m.LevelCounts()))
}

// Bounds returns the box around the points of the elements at level.
func (m *Mesh) Bounds(level int) Bounds {
	var b Bounds
	for _, e := range m.elements {
		if e.GhostLevel != level {
			continue
		}
		for _, p := range e.Points {
			b.Add(m.Point(p))
		}
	}
	return b
}

// BoundaryPoints returns the points on faces used by exactly one element at
// ghost level 0, ascending.
func (m *Mesh) BoundaryPoints() []int {
	uses := map[faceKey]int{}
	for _, e := range m.elements {
		if e.GhostLevel != 0 {
			continue
		}
		for _, f := range e.Type.Faces() {
			uses[newFaceKey(e.Points, f)]++
		}
	}

	seen := map[int]struct{}{}
	for k, n := range uses {
		if n != 1 {
			continue
		}
		for _, p := range k {
			if p >= 0 {
				seen[p] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// PointsAtLevel returns the points referenced by elements at level, ascending.
func (m *Mesh) PointsAtLevel(level int) []int {
	seen := map[int]struct{}{}
	for _, e := range m.elements {
		if e.GhostLevel != level {
			continue
		}
		for _, p := range e.Points {
			seen[p] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// ElementsAt returns the indices of the elements referencing point p.
func (m *Mesh) ElementsAt(p int) []int {
	if m.pointElements == nil {
		m.pointElements = map[int][]int{}
		for i, e := range m.elements {
			for _, q := range e.Points {
				m.pointElements[q] = append(m.pointElements[q], i)
			}
		}
	}
	return m.pointElements[p]
}

// Package extent defines inclusive integer index ranges over up to four axes
// (X, Y, Z and an auxiliary axis such as time) and the metadata that describes
// a whole dataset.
//
// An Extent with min > max on any used axis is empty. Empty extents are ordinary
// values: they mean "no data here" and every operation accepts them.
package extent

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// MaxAxes is the largest number of axes an Extent can have.
const MaxAxes = 4

var (
	ErrInvalidExtent = errors.New("invalid extent")
	ErrInvalidPiece  = errors.New("invalid piece")
)

// Extent is an inclusive [Min, Max] range on each of its first Axes axes.
// Axes past Axes are held at [0, 0].
type Extent struct {
	Axes int
	Min  [MaxAxes]int
	Max  [MaxAxes]int
}

// New builds an extent from min/max pairs, one pair per axis. It panics if the
// number of bounds does not equal 2*axes or axes is out of range.
func New(axes int, bounds ...int) Extent {
	if axes < 1 || axes > MaxAxes {
		panic(fmt.Sprintf("extent: axis count %d out of range", axes))
	}
	if len(bounds) != 2*axes {
		panic(fmt.Sprintf("extent: %d bounds given for %d axes", len(bounds), axes))
	}
	e := Extent{Axes: axes}
	for a := 0; a < axes; a++ {
		e.Min[a] = bounds[2*a]
		e.Max[a] = bounds[2*a+1]
	}
	return e
}

// Empty returns the canonical empty extent with the given number of axes.
func Empty(axes int) Extent {
	e := Extent{Axes: axes}
	for a := 0; a < axes; a++ {
		e.Min[a] = 0
		e.Max[a] = -1
	}
	return e
}

// IsEmpty reports whether e covers no elements.
func (e Extent) IsEmpty() bool {
	if e.Axes < 1 {
		return true
	}
	for a := 0; a < e.Axes; a++ {
		if e.Min[a] > e.Max[a] {
			return true
		}
	}
	return false
}

// Len is the number of indices covered on axis a. Unused axes have length 1.
func (e Extent) Len(a int) int {
	if a >= e.Axes {
		return 1
	}
	if n := e.Max[a] - e.Min[a] + 1; n > 0 {
		return n
	}
	return 0
}

// Size is the number of elements covered by e.
func (e Extent) Size() int {
	if e.IsEmpty() {
		return 0
	}
	n := 1
	for a := 0; a < e.Axes; a++ {
		n *= e.Len(a)
	}
	return n
}

// Contains reports whether o lies entirely inside e. Every extent contains an
// empty extent; an empty extent contains nothing else.
func (e Extent) Contains(o Extent) bool {
	if o.IsEmpty() {
		return true
	}
	if e.IsEmpty() {
		return false
	}
	for a := 0; a < MaxAxes; a++ {
		if o.Min[a] < e.Min[a] || o.Max[a] > e.Max[a] {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of e and o, or the empty extent.
func (e Extent) Intersect(o Extent) Extent {
	axes := max(e.Axes, o.Axes)
	if e.IsEmpty() || o.IsEmpty() {
		return Empty(axes)
	}
	r := Extent{Axes: axes}
	for a := 0; a < MaxAxes; a++ {
		r.Min[a] = max(e.Min[a], o.Min[a])
		r.Max[a] = min(e.Max[a], o.Max[a])
	}
	if r.IsEmpty() {
		return Empty(axes)
	}
	return r
}

// Clip clamps e to whole. Out of range requests are clamped, never rejected.
func (e Extent) Clip(whole Extent) Extent {
	return e.Intersect(whole)
}

// Union returns the smallest extent containing both e and o.
func (e Extent) Union(o Extent) Extent {
	if e.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return e
	}
	r := Extent{Axes: max(e.Axes, o.Axes)}
	for a := 0; a < MaxAxes; a++ {
		r.Min[a] = min(e.Min[a], o.Min[a])
		r.Max[a] = max(e.Max[a], o.Max[a])
	}
	return r
}

// Grow widens every used axis by n on both sides and clips the result to whole.
// Empty extents stay empty.
func (e Extent) Grow(n int, whole Extent) Extent {
	if e.IsEmpty() || n <= 0 {
		return e
	}
	r := e
	for a := 0; a < e.Axes; a++ {
		r.Min[a] -= n
		r.Max[a] += n
	}
	return r.Clip(whole)
}

// Offset is the linear position of coords inside e with X varying fastest.
func (e Extent) Offset(coords [MaxAxes]int) int {
	offset, stride := 0, 1
	for a := 0; a < e.Axes; a++ {
		offset += (coords[a] - e.Min[a]) * stride
		stride *= e.Len(a)
	}
	return offset
}

// Coords is the inverse of Offset.
func (e Extent) Coords(offset int) [MaxAxes]int {
	var coords [MaxAxes]int
	for a := 0; a < e.Axes; a++ {
		n := e.Len(a)
		coords[a] = e.Min[a] + offset%n
		offset /= n
	}
	return coords
}

// Equal reports whether e and o describe the same region. Two empty extents
// with the same axis count are equal regardless of their bounds.
func (e Extent) Equal(o Extent) bool {
	if e.Axes != o.Axes {
		return false
	}
	if e.IsEmpty() || o.IsEmpty() {
		return e.IsEmpty() && o.IsEmpty()
	}
	return e.Min == o.Min && e.Max == o.Max
}

// Slabs yields every sub-extent of e that fixes the axes at or above nativeDim
// to a single coordinate. The outermost axis varies slowest. When nativeDim
// covers all of e's axes, e itself is the only slab. Empty extents yield
// nothing.
func (e Extent) Slabs(nativeDim int) iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		if e.IsEmpty() {
			return
		}
		nativeDim = max(nativeDim, 0)
		if nativeDim >= e.Axes {
			yield(e)
			return
		}
		slab := e
		for a := nativeDim; a < e.Axes; a++ {
			slab.Max[a] = e.Min[a]
		}
		for {
			if !yield(slab) {
				return
			}
			// Advance the innermost fixed axis, carrying outwards.
			a := nativeDim
			for ; a < e.Axes; a++ {
				if slab.Min[a] < e.Max[a] {
					slab.Min[a]++
					slab.Max[a] = slab.Min[a]
					break
				}
				slab.Min[a] = e.Min[a]
				slab.Max[a] = e.Min[a]
			}
			if a == e.Axes {
				return
			}
		}
	}
}

func (e Extent) String() string {
	if e.IsEmpty() {
		return "empty"
	}
	parts := make([]string, e.Axes)
	for a := 0; a < e.Axes; a++ {
		parts[a] = fmt.Sprintf("[%d,%d]", e.Min[a], e.Max[a])
	}
	return strings.Join(parts, "x")
}

// Parse reads an extent written as comma separated min:max pairs, for example
// "0:99,0:49". The word "empty" followed by an optional axis count ("empty/2")
// yields an empty extent.
func Parse(s string) (Extent, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "empty"); ok {
		axes := 1
		if rest != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(rest, "/"))
			if err != nil || n < 1 || n > MaxAxes {
				return Extent{}, fmt.Errorf("%w: %q", ErrInvalidExtent, s)
			}
			axes = n
		}
		return Empty(axes), nil
	}

	fields := strings.Split(s, ",")
	if len(fields) < 1 || len(fields) > MaxAxes {
		return Extent{}, fmt.Errorf("%w: %q has %d axes", ErrInvalidExtent, s, len(fields))
	}
	e := Extent{Axes: len(fields)}
	for a, field := range fields {
		lo, hi, ok := strings.Cut(strings.TrimSpace(field), ":")
		if !ok {
			return Extent{}, fmt.Errorf("%w: axis %d of %q is not min:max", ErrInvalidExtent, a, s)
		}
		var err error
		if e.Min[a], err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
			return Extent{}, fmt.Errorf("%w: axis %d: %w", ErrInvalidExtent, a, err)
		}
		if e.Max[a], err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return Extent{}, fmt.Errorf("%w: axis %d: %w", ErrInvalidExtent, a, err)
		}
	}
	return e, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Extent {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return e
}

// MarshalText implements encoding.TextMarshaler using the Parse syntax.
func (e Extent) MarshalText() ([]byte, error) {
	if e.IsEmpty() {
		return []byte(fmt.Sprintf("empty/%d", max(e.Axes, 1))), nil
	}
	parts := make([]string, e.Axes)
	for a := 0; a < e.Axes; a++ {
		parts[a] = fmt.Sprintf("%d:%d", e.Min[a], e.Max[a])
	}
	return []byte(strings.Join(parts, ",")), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Extent) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

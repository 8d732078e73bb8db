package extent

import (
	"fmt"

	"github.com/tessera-io/tessera/pkg/array"
)

// Information is the metadata a source publishes about its whole dataset
// without computing any data.
type Information struct {
	WholeExtent Extent
	Spacing     [MaxAxes]float64
	Origin      [MaxAxes]float64
	ElementType array.Type
	Components  int
}

// NewInformation returns metadata for whole with unit spacing, zero origin and
// a single float64 component.
func NewInformation(whole Extent) Information {
	return Information{
		WholeExtent: whole,
		Spacing:     [MaxAxes]float64{1, 1, 1, 1},
		ElementType: array.Float64,
		Components:  1,
	}
}

// Validate checks that the information can describe an allocatable buffer.
func (i Information) Validate() error {
	if i.WholeExtent.Axes < 1 || i.WholeExtent.Axes > MaxAxes {
		return fmt.Errorf("%w: whole extent has %d axes", ErrInvalidExtent, i.WholeExtent.Axes)
	}
	if !i.ElementType.Valid() {
		return fmt.Errorf("%w: %s", array.ErrUnknownType, i.ElementType)
	}
	if i.Components < 1 {
		return fmt.Errorf("component count must be positive, got %d", i.Components)
	}
	return nil
}

// Point maps index coordinates to physical coordinates.
func (i Information) Point(coords [MaxAxes]int) [MaxAxes]float64 {
	var p [MaxAxes]float64
	for a := 0; a < i.WholeExtent.Axes; a++ {
		p[a] = i.Origin[a] + float64(coords[a])*i.Spacing[a]
	}
	return p
}

// Piece selects one of Count partitions of a whole extent, optionally widened
// by GhostLevel layers of neighbouring elements.
type Piece struct {
	Index      int
	Count      int
	GhostLevel int
}

// Validate reports whether p names an existing piece.
func (p Piece) Validate() error {
	if p.Count < 1 {
		return fmt.Errorf("%w: piece count %d", ErrInvalidPiece, p.Count)
	}
	if p.Index < 0 || p.Index >= p.Count {
		return fmt.Errorf("%w: index %d not in [0,%d)", ErrInvalidPiece, p.Index, p.Count)
	}
	if p.GhostLevel < 0 {
		return fmt.Errorf("%w: negative ghost level %d", ErrInvalidPiece, p.GhostLevel)
	}
	return nil
}

func (p Piece) String() string {
	return fmt.Sprintf("%d/%d+%d", p.Index, p.Count, p.GhostLevel)
}

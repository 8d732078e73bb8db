// Package translator maps piece requests to the sub-extent each piece covers.
package translator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tessera-io/tessera/pkg/extent"
)

// Mode selects which axis a split prefers.
type Mode int

const (
	// Block always splits the longest splittable axis, keeping pieces close to
	// cubic.
	Block Mode = iota
	// XSlab, YSlab and ZSlab keep splitting their axis for as long as it has at
	// least two indices left, then fall back to Block.
	XSlab
	YSlab
	ZSlab
)

var modeNames = map[Mode]string{
	Block: "block",
	XSlab: "x-slab",
	YSlab: "y-slab",
	ZSlab: "z-slab",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode reads a mode name such as "block" or "z-slab".
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return Block, fmt.Errorf("unknown split mode %q", s)
}

// Translator turns a piece request into the extent that piece should compute.
type Translator interface {
	Translate(ctx context.Context, localWhole extent.Extent, piece extent.Piece) (extent.Extent, error)
}

// Split returns the extent of piece out of count pieces of whole, splitting only
// the first axisCount axes. A non-positive axisCount means every axis of whole.
//
// The piece budget is bisected recursively: each step cuts the longest
// splittable axis (the outermost one on ties) at the proportional point and
// sends the lower half of the budget to the lower side. Pieces that cannot be
// given any elements get the empty extent. Non-empty results never overlap and
// together cover whole.
func Split(whole extent.Extent, piece, count, axisCount int) extent.Extent {
	return split(whole, piece, count, axisCount, Block)
}

func split(whole extent.Extent, piece, count, axisCount int, mode Mode) extent.Extent {
	if whole.IsEmpty() || count < 1 || piece < 0 || piece >= count {
		return extent.Empty(max(whole.Axes, 1))
	}
	if axisCount <= 0 || axisCount > whole.Axes {
		axisCount = whole.Axes
	}

	e := whole
	for count > 1 {
		axis := splitAxis(e, axisCount, mode)
		if axis < 0 {
			// Nothing left to cut: the first piece keeps the remainder.
			if piece == 0 {
				return e
			}
			return extent.Empty(whole.Axes)
		}

		length := e.Len(axis)
		lower := count / 2
		offset := min(max(length*lower/count, 1), length-1)
		mid := e.Min[axis] + offset

		if piece < lower {
			e.Max[axis] = mid - 1
			count = lower
		} else {
			e.Min[axis] = mid
			piece -= lower
			count -= lower
		}
	}
	return e
}

func splitAxis(e extent.Extent, axisCount int, mode Mode) int {
	if mode != Block {
		preferred := int(mode) - 1
		if preferred < axisCount && e.Len(preferred) >= 2 {
			return preferred
		}
	}

	best, bestLen := -1, 1
	for a := axisCount - 1; a >= 0; a-- {
		if n := e.Len(a); n > bestLen {
			best, bestLen = a, n
		}
	}
	return best
}

// PieceToExtent splits whole for piece and widens a non-empty result by the
// piece's ghost level, clipped to whole.
func PieceToExtent(whole extent.Extent, piece extent.Piece) extent.Extent {
	return PieceTranslator{}.extent(whole, piece)
}

// PieceTranslator splits the local whole extent directly.
type PieceTranslator struct {
	Mode Mode
	// AxisCount limits splitting to the first AxisCount axes. Zero means all.
	AxisCount int
}

var _ Translator = PieceTranslator{}

func (t PieceTranslator) Translate(_ context.Context, localWhole extent.Extent, piece extent.Piece) (extent.Extent, error) {
	if err := piece.Validate(); err != nil {
		return extent.Extent{}, err
	}
	return t.extent(localWhole, piece), nil
}

func (t PieceTranslator) extent(whole extent.Extent, piece extent.Piece) extent.Extent {
	e := split(whole, piece.Index, piece.Count, t.AxisCount, t.Mode)
	return e.Grow(piece.GhostLevel, whole)
}

package ghost

import (
	"fmt"
	"slices"
)

// CellType is the shape of a mesh element.
type CellType uint8

const (
	CellInvalid CellType = iota
	CellVertex
	CellLine
	CellTriangle
	CellQuad
	CellTetra
	CellHexahedron
)

// faces lists, for every cell type, the local point indices of the entities
// that bound it: points for lines, edges for 2-D cells, faces for 3-D cells.
var faces = map[CellType][][]int{
	CellVertex:   {{0}},
	CellLine:     {{0}, {1}},
	CellTriangle: {{0, 1}, {1, 2}, {2, 0}},
	CellQuad:     {{0, 1}, {1, 2}, {2, 3}, {3, 0}},
	CellTetra:    {{0, 1, 2}, {0, 1, 3}, {1, 2, 3}, {0, 2, 3}},
	CellHexahedron: {
		{0, 1, 2, 3}, {4, 5, 6, 7},
		{0, 1, 5, 4}, {1, 2, 6, 5},
		{2, 3, 7, 6}, {3, 0, 4, 7},
	},
}

var pointCounts = map[CellType]int{
	CellVertex:     1,
	CellLine:       2,
	CellTriangle:   3,
	CellQuad:       4,
	CellTetra:      4,
	CellHexahedron: 8,
}

func (c CellType) String() string {
	switch c {
	case CellVertex:
		return "vertex"
	case CellLine:
		return "line"
	case CellTriangle:
		return "triangle"
	case CellQuad:
		return "quad"
	case CellTetra:
		return "tetra"
	case CellHexahedron:
		return "hexahedron"
	default:
		return fmt.Sprintf("CellType(%d)", uint8(c))
	}
}

// NumPoints is the number of points an element of type c references, or 0
// for an unknown type.
func (c CellType) NumPoints() int {
	return pointCounts[c]
}

// Faces returns the local point indices of every boundary entity of c.
func (c CellType) Faces() [][]int {
	return faces[c]
}

// faceKey identifies a face by its sorted mesh point indices so that the same
// face seen from two neighbouring elements compares equal.
type faceKey [4]int

func newFaceKey(points []int, local []int) faceKey {
	k := faceKey{-1, -1, -1, -1}
	for i, l := range local {
		k[i] = points[l]
	}
	slices.Sort(k[:len(local)])
	return k
}

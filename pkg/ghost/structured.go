package ghost

import (
	"errors"
	"fmt"

	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/extent"
)

var ErrUnsupportedExtent = errors.New("unsupported extent for mesh conversion")

// corners lists the index offsets of the corners of a cell spanning 1, 2 or 3
// axes, in the point order of the matching cell type.
var corners = [][][3]int{
	1: {{0}, {1}},
	2: {{0, 0}, {1, 0}, {1, 1}, {0, 1}},
	3: {
		{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
	},
}

var cellTypes = []CellType{CellVertex, CellLine, CellQuad, CellHexahedron}

// MeshFromBuffer turns every sample of buf into a cell owned by owner. Sample
// (i, j, k) becomes the cell spanning [i, i+1] x [j, j+1] x [k, k+1] along the
// spatial axes the whole extent is more than one sample thick on, placed with
// the spacing and origin of info. Cell ids are the sample offsets in the whole
// extent, so pieces of the same dataset agree on them. A fourth axis must be
// collapsed to a single index in buf.
func MeshFromBuffer(info extent.Information, buf *cache.Buffer, owner int, tolerance float64) (*Mesh, error) {
	mesh := NewMesh(tolerance)
	ext := buf.Extent()
	if buf.IsEmpty() {
		return mesh, nil
	}
	whole := info.WholeExtent
	if ext.Axes != whole.Axes || !whole.Contains(ext) {
		return nil, fmt.Errorf("%w: %s is not inside %s", ErrUnsupportedExtent, ext, whole)
	}
	if ext.Axes == extent.MaxAxes && ext.Len(3) > 1 {
		return nil, fmt.Errorf("%w: %s spans %d samples on the fourth axis", ErrUnsupportedExtent, ext, ext.Len(3))
	}

	var thick []int
	for a := range min(ext.Axes, 3) {
		if whole.Len(a) > 1 {
			thick = append(thick, a)
		}
	}
	typ := cellTypes[len(thick)]
	offsets := corners[len(thick)]
	if len(thick) == 0 {
		offsets = [][3]int{{}}
	}

	for off := range ext.Size() {
		coords := ext.Coords(off)
		e := Element{
			ID:     int64(whole.Offset(coords)),
			Type:   typ,
			Points: make([]int, len(offsets)),
			Values: make([]float64, buf.Components()),
			Owner:  owner,
		}
		for i, o := range offsets {
			corner := coords
			for j, a := range thick {
				corner[a] += o[j]
			}
			p := info.Point(corner)
			e.Points[i] = mesh.AddPoint([3]float64{p[0], p[1], p[2]})
		}
		for c := range e.Values {
			e.Values[c] = buf.At(coords, c)
		}
		if _, err := mesh.AddElement(e); err != nil {
			return nil, err
		}
	}
	return mesh, nil
}

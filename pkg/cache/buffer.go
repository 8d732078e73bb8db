package cache

import (
	"fmt"

	"github.com/tessera-io/tessera/pkg/array"
	"github.com/tessera-io/tessera/pkg/clock"
	"github.com/tessera-io/tessera/pkg/extent"
)

// Buffer is a materialized region of data. Values are stored element by
// element with X varying fastest and the components of one element adjacent.
//
// A Buffer owned by a Cache is mutated in place when its source re-executes;
// callers must not hold on to it across an update.
type Buffer struct {
	extent     extent.Extent
	typ        array.Type
	components int
	data       array.Array
	timestamp  clock.Timestamp
	released   bool
}

// NewBuffer allocates a zeroed buffer covering ext.
func NewBuffer(ext extent.Extent, typ array.Type, components int) (*Buffer, error) {
	if components < 1 {
		return nil, fmt.Errorf("component count must be positive, got %d", components)
	}
	data, err := array.New(typ, ext.Size()*components)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		extent:     ext,
		typ:        typ,
		components: components,
		data:       data,
	}, nil
}

// emptyBuffer is what a cache hands out before anything was computed.
func emptyBuffer(axes int) *Buffer {
	return &Buffer{
		extent:     extent.Empty(max(axes, 1)),
		typ:        array.Float64,
		components: 1,
		data:       array.MustNew(array.Float64, 0),
	}
}

func (b *Buffer) Extent() extent.Extent { return b.extent }

func (b *Buffer) ElementType() array.Type { return b.typ }

func (b *Buffer) Components() int { return b.components }

// Data is the flat value array. It is nil after the buffer has been released.
func (b *Buffer) Data() array.Array { return b.data }

// Timestamp is the pipeline time the contents were computed for.
func (b *Buffer) Timestamp() clock.Timestamp { return b.timestamp }

func (b *Buffer) Released() bool { return b.released }

// IsEmpty reports whether the buffer holds no elements.
func (b *Buffer) IsEmpty() bool {
	return b.extent.IsEmpty() || b.data == nil
}

// Offset is the index in Data of the first component of the element at coords.
func (b *Buffer) Offset(coords [extent.MaxAxes]int) int {
	return b.extent.Offset(coords) * b.components
}

// At returns component c of the element at coords.
func (b *Buffer) At(coords [extent.MaxAxes]int, c int) float64 {
	return b.data.Float64(b.Offset(coords) + c)
}

// Set stores v as component c of the element at coords.
func (b *Buffer) Set(coords [extent.MaxAxes]int, c int, v float64) {
	b.data.SetFloat64(b.Offset(coords)+c, v)
}

// SizeInBytes is the memory held by the value array.
func (b *Buffer) SizeInBytes() int {
	if b.data == nil {
		return 0
	}
	return b.data.SizeInBytes()
}

// Crop copies the part of b covering ext into a new buffer of exactly ext.
// ext must be contained in b's extent.
func (b *Buffer) Crop(ext extent.Extent) (*Buffer, error) {
	if !b.extent.Contains(ext) || (b.data == nil && !ext.IsEmpty()) {
		return nil, fmt.Errorf("crop %s outside buffer %s", ext, b.extent)
	}
	out, err := NewBuffer(ext, b.typ, b.components)
	if err != nil {
		return nil, err
	}
	out.timestamp = b.timestamp

	// One slab of dimensionality 1 is a contiguous run along X.
	for row := range ext.Slabs(1) {
		n := row.Len(0) * b.components
		out.data.CopyFrom(out.Offset(row.Min), b.data, b.Offset(row.Min), n)
	}
	return out, nil
}

// clone returns a deep copy of b.
func (b *Buffer) clone() *Buffer {
	c := *b
	if b.data != nil {
		c.data = b.data.Clone()
	}
	return &c
}

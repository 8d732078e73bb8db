package kernel

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/source"
)

// Scale multiplies the output of an upstream source by a factor. The source
// running a Scale should list input as an upstream so that changes to input
// invalidate it.
type Scale struct {
	input    *source.CachedSource
	factor   atomic.Uint64
	onChange atomic.Pointer[func()]
}

func NewScale(input *source.CachedSource, factor float64) *Scale {
	s := &Scale{input: input}
	s.factor.Store(math.Float64bits(factor))
	return s
}

// OnChange registers fn to be called after the factor changes.
func (s *Scale) OnChange(fn func()) {
	s.onChange.Store(&fn)
}

func (s *Scale) SetFactor(f float64) {
	s.factor.Store(math.Float64bits(f))
	if fn := s.onChange.Load(); fn != nil && *fn != nil {
		(*fn)()
	}
}

func (s *Scale) Factor() float64 {
	return math.Float64frombits(s.factor.Load())
}

func (s *Scale) ComputeInformation(ctx context.Context) (extent.Information, error) {
	return s.input.UpdateInformation(ctx)
}

// NativeDimensionality covers every axis: scaling is element wise.
func (s *Scale) NativeDimensionality() int {
	return extent.MaxAxes
}

func (s *Scale) Execute(ctx context.Context, slab extent.Extent, out *cache.Buffer) error {
	in, err := s.input.Update(ctx, slab)
	if err != nil {
		return fmt.Errorf("update input %q: %w", s.input.Name(), err)
	}
	if in.Components() != out.Components() {
		return fmt.Errorf("input has %d components, output %d", in.Components(), out.Components())
	}

	factor := s.Factor()
	for n := 0; n < slab.Size(); n++ {
		coords := slab.Coords(n)
		for c := 0; c < out.Components(); c++ {
			out.Set(coords, c, in.At(coords, c)*factor)
		}
	}
	return nil
}

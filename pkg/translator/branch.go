package translator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tessera-io/tessera/pkg/extent"
)

var ErrNoAuthority = errors.New("branch translator has no authority source")

// AuthoritySource publishes the whole extent that sibling branches split
// against.
type AuthoritySource interface {
	WholeExtent(ctx context.Context) (extent.Extent, error)
}

// AuthorityFunc adapts a function to AuthoritySource.
type AuthorityFunc func(ctx context.Context) (extent.Extent, error)

func (f AuthorityFunc) WholeExtent(ctx context.Context) (extent.Extent, error) {
	return f(ctx)
}

// BranchTranslator splits the authority's whole extent and clips the result to
// the local whole extent, so that branches reading a common ancestor agree
// piece for piece.
//
// The authority extent is read on every call.
type BranchTranslator struct {
	authority AuthoritySource
	base      PieceTranslator

	mu       sync.Mutex
	assigned extent.Piece
}

var _ Translator = (*BranchTranslator)(nil)

// NewBranchTranslator returns a translator splitting authority's whole extent
// with base's mode and axis count.
func NewBranchTranslator(authority AuthoritySource, base PieceTranslator) *BranchTranslator {
	return &BranchTranslator{authority: authority, base: base}
}

func (t *BranchTranslator) Translate(ctx context.Context, localWhole extent.Extent, piece extent.Piece) (extent.Extent, error) {
	authoritative, err := t.AuthoritySplit(ctx, piece)
	if err != nil {
		return extent.Extent{}, err
	}
	// Intersect normalizes an inverted axis to the empty extent.
	return authoritative.Intersect(localWhole), nil
}

// AuthoritySplit is the piece's extent in the authority's whole extent before
// local clipping.
func (t *BranchTranslator) AuthoritySplit(ctx context.Context, piece extent.Piece) (extent.Extent, error) {
	if t.authority == nil {
		return extent.Extent{}, ErrNoAuthority
	}
	if err := piece.Validate(); err != nil {
		return extent.Extent{}, err
	}
	whole, err := t.authority.WholeExtent(ctx)
	if err != nil {
		return extent.Extent{}, fmt.Errorf("fetch authority whole extent: %w", err)
	}
	return t.base.extent(whole, piece), nil
}

// SetAssignedPiece records the piece this branch has been assigned. Translate
// does not read it.
func (t *BranchTranslator) SetAssignedPiece(p extent.Piece) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assigned = p
}

func (t *BranchTranslator) AssignedPiece() extent.Piece {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assigned
}

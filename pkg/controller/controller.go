//go:generate mockgen -source controller.go -destination ../../internal/mocks/mock_controller.go -package mocks Controller

// Package controller defines how the pieces of a parallel run find each other
// and exchange messages.
package controller

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrClosed      = errors.New("controller closed")
	ErrInvalidPeer = errors.New("invalid peer")
)

// Tag keeps messages of different kinds between the same pair of peers apart.
type Tag int32

const (
	TagPointCount     Tag = 1
	TagPointCoords    Tag = 2
	TagElementPayload Tag = 3
	TagElementIDMap   Tag = 4
	TagBounds         Tag = 5
)

func (t Tag) String() string {
	switch t {
	case TagPointCount:
		return "point-count"
	case TagPointCoords:
		return "point-coords"
	case TagElementPayload:
		return "element-payload"
	case TagElementIDMap:
		return "element-id-map"
	case TagBounds:
		return "bounds"
	default:
		return fmt.Sprintf("Tag(%d)", int32(t))
	}
}

// Controller gives a piece its identity and point to point messaging with the
// other pieces of the run. Messages between a pair of peers with the same tag
// arrive in the order they were sent; there is no ordering across tags.
type Controller interface {
	// LocalRank is this piece's rank in [0, PeerCount).
	LocalRank() int
	// PeerCount is the total number of ranks, including this one.
	PeerCount() int
	// Send blocks until the message is accepted for peer or ctx is done.
	Send(ctx context.Context, peer int, tag Tag, data []byte) error
	// Receive blocks until a message with tag from peer arrives or ctx is done.
	Receive(ctx context.Context, peer int, tag Tag) ([]byte, error)
}

// ValidatePeer checks that peer names another rank of c.
func ValidatePeer(c Controller, peer int) error {
	if peer < 0 || peer >= c.PeerCount() || peer == c.LocalRank() {
		return fmt.Errorf("%w: %d (local rank %d of %d)", ErrInvalidPeer, peer, c.LocalRank(), c.PeerCount())
	}
	return nil
}

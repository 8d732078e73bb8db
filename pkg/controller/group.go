package controller

import (
	"context"
	"slices"
	"sync"
)

type route struct {
	from, to int
	tag      Tag
}

// Group connects n in-process controllers, one per rank, typically each driven
// by its own goroutine. A send blocks until the matching receive takes the
// message.
type Group struct {
	n int

	mu     sync.Mutex
	routes map[route]chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewGroup(n int) *Group {
	return &Group{
		n:      n,
		routes: make(map[route]chan []byte),
		done:   make(chan struct{}),
	}
}

// Size is the number of ranks in the group.
func (g *Group) Size() int {
	return g.n
}

// Controller returns the controller for rank.
func (g *Group) Controller(rank int) Controller {
	return &member{group: g, rank: rank}
}

// Controllers returns one controller per rank, in rank order.
func (g *Group) Controllers() []Controller {
	out := make([]Controller, g.n)
	for rank := range out {
		out[rank] = g.Controller(rank)
	}
	return out
}

// Close fails every blocked and future send and receive with ErrClosed.
func (g *Group) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
}

func (g *Group) channel(r route) chan []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.routes[r]
	if !ok {
		ch = make(chan []byte)
		g.routes[r] = ch
	}
	return ch
}

type member struct {
	group *Group
	rank  int
}

func (m *member) LocalRank() int { return m.rank }

func (m *member) PeerCount() int { return m.group.n }

func (m *member) Send(ctx context.Context, peer int, tag Tag, data []byte) error {
	if err := ValidatePeer(m, peer); err != nil {
		return err
	}
	ch := m.group.channel(route{from: m.rank, to: peer, tag: tag})
	select {
	case ch <- slices.Clone(data):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.group.done:
		return ErrClosed
	}
}

func (m *member) Receive(ctx context.Context, peer int, tag Tag) ([]byte, error) {
	if err := ValidatePeer(m, peer); err != nil {
		return nil, err
	}
	ch := m.group.channel(route{from: peer, to: m.rank, tag: tag})
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.group.done:
		return nil, ErrClosed
	}
}

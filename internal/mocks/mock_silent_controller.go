package mocks

import (
	"context"

	"github.com/tessera-io/tessera/pkg/controller"
)

// silentController is a proxy to the actual controller except that messages
// with the given tag are never delivered. This allows simulating a peer that
// stops answering in the middle of a protocol.
type silentController struct {
	controller.Controller
	dropTag controller.Tag
}

// NewMockSilentController returns a wrapper of a controller that swallows every
// outgoing message with tag instead of sending it.
func NewMockSilentController(c controller.Controller, tag controller.Tag) controller.Controller {
	return &silentController{
		Controller: c,
		dropTag:    tag,
	}
}

func (m *silentController) Send(ctx context.Context, peer int, tag controller.Tag, data []byte) error {
	if tag == m.dropTag {
		return nil
	}
	return m.Controller.Send(ctx, peer, tag, data)
}

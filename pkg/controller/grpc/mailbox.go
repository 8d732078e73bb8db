package grpc

import (
	"context"
	"strconv"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tessera-io/tessera/pkg/controller"
)

type mailboxKey struct {
	peer int
	tag  controller.Tag
}

type queue struct {
	items  [][]byte
	signal chan struct{}
}

// Mailbox queues delivered messages per (sending peer, tag) in arrival order.
// Messages carry no run identity, so a Mailbox must serve exactly one run:
// create a new one, with its server, for every exchange between the same
// ranks.
type Mailbox struct {
	mu     sync.Mutex
	queues map[mailboxKey]*queue

	done      chan struct{}
	closeOnce sync.Once
}

var _ MailboxServer = (*Mailbox)(nil)

func NewMailbox() *Mailbox {
	return &Mailbox{
		queues: make(map[mailboxKey]*queue),
		done:   make(chan struct{}),
	}
}

func (m *Mailbox) queue(k mailboxKey) *queue {
	q, ok := m.queues[k]
	if !ok {
		q = &queue{signal: make(chan struct{}, 1)}
		m.queues[k] = q
	}
	return q
}

// Deliver implements MailboxServer.
func (m *Mailbox) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing metadata")
	}
	peer, err := intFromMetadata(md, sourceMetadataKey)
	if err != nil {
		return nil, err
	}
	tag, err := intFromMetadata(md, tagMetadataKey)
	if err != nil {
		return nil, err
	}

	select {
	case <-m.done:
		return nil, status.Error(codes.Unavailable, controller.ErrClosed.Error())
	default:
	}

	m.put(mailboxKey{peer: peer, tag: controller.Tag(tag)}, in.GetValue())
	return &emptypb.Empty{}, nil
}

func (m *Mailbox) put(k mailboxKey, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(k)
	q.items = append(q.items, data)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Take removes the oldest message from peer with tag, waiting for one to
// arrive.
func (m *Mailbox) Take(ctx context.Context, peer int, tag controller.Tag) ([]byte, error) {
	k := mailboxKey{peer: peer, tag: tag}
	for {
		m.mu.Lock()
		q := m.queue(k)
		if len(q.items) > 0 {
			data := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			m.mu.Unlock()
			return data, nil
		}
		m.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, controller.ErrClosed
		}
	}
}

// Pending is the number of queued, not yet taken messages.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q.items)
	}
	return n
}

// Close fails blocked and future Take calls and rejects new deliveries.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func intFromMetadata(md metadata.MD, key string) (int, error) {
	values := md.Get(key)
	if len(values) != 1 {
		return 0, status.Errorf(codes.InvalidArgument, "expected one %s header, got %d", key, len(values))
	}
	v, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s header %q", key, values[0])
	}
	return v, nil
}

package grpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tessera-io/tessera/pkg/controller"
	"github.com/tessera-io/tessera/pkg/logger"
)

const defaultRetryMaxElapsed = 30 * time.Second

// Config configures a gRPC controller.
type Config struct {
	// Rank is the local rank, an index into Peers.
	Rank int

	// Peers holds the mailbox address of every rank, including this one.
	Peers []string

	// RetryMaxElapsed bounds how long a send keeps retrying while the peer is
	// unavailable. Zero means 30s.
	RetryMaxElapsed time.Duration

	// DialOptions are appended to the defaults (insecure credentials and
	// tracing).
	DialOptions []grpc.DialOption

	Logger logger.Logger
}

// Controller sends by calling Deliver on the peer's mailbox and receives from
// its own mailbox.
type Controller struct {
	rank            int
	peers           []string
	conns           []*grpc.ClientConn
	mailbox         *Mailbox
	retryMaxElapsed time.Duration
	logger          logger.Logger
}

var _ controller.Controller = (*Controller)(nil)

// NewController creates client connections to every other peer. Connections are
// established lazily, so peers may start in any order.
func NewController(cfg Config, mailbox *Mailbox) (*Controller, error) {
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return nil, fmt.Errorf("%w: rank %d with %d peers", controller.ErrInvalidPeer, cfg.Rank, len(cfg.Peers))
	}
	if mailbox == nil {
		return nil, errors.New("mailbox is required")
	}

	c := &Controller{
		rank:            cfg.Rank,
		peers:           cfg.Peers,
		conns:           make([]*grpc.ClientConn, len(cfg.Peers)),
		mailbox:         mailbox,
		retryMaxElapsed: cfg.RetryMaxElapsed,
		logger:          cfg.Logger,
	}
	if c.retryMaxElapsed <= 0 {
		c.retryMaxElapsed = defaultRetryMaxElapsed
	}
	if c.logger == nil {
		c.logger = logger.NewNoopLogger()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	dialOpts = append(dialOpts, cfg.DialOptions...)

	for peer, addr := range cfg.Peers {
		if peer == cfg.Rank {
			continue
		}
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create client for peer %d at %s: %w", peer, addr, err)
		}
		c.conns[peer] = conn
	}
	return c, nil
}

func (c *Controller) LocalRank() int { return c.rank }

func (c *Controller) PeerCount() int { return len(c.peers) }

// Send delivers data to peer's mailbox, retrying with exponential backoff while
// the peer is unavailable.
func (c *Controller) Send(ctx context.Context, peer int, tag controller.Tag, data []byte) error {
	if err := controller.ValidatePeer(c, peer); err != nil {
		return err
	}
	conn := c.conns[peer]

	ctx = metadata.AppendToOutgoingContext(ctx,
		sourceMetadataKey, strconv.Itoa(c.rank),
		tagMetadataKey, strconv.Itoa(int(tag)))

	op := func() error {
		err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(data), &emptypb.Empty{})
		if err == nil {
			return nil
		}
		if status.Code(err) == codes.Unavailable {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(c.retryMaxElapsed),
	)
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.DebugWithContext(ctx, "retrying send",
			zap.Int("peer", peer),
			zap.Stringer("tag", tag),
			zap.Duration("backoff", next),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("send %s to peer %d: %w", tag, peer, err)
	}
	return nil
}

// Receive waits for the next message from peer with tag.
func (c *Controller) Receive(ctx context.Context, peer int, tag controller.Tag) ([]byte, error) {
	if err := controller.ValidatePeer(c, peer); err != nil {
		return nil, err
	}
	return c.mailbox.Take(ctx, peer, tag)
}

// Close tears down the client connections. The mailbox belongs to the caller.
// Messages still queued in it are logged, since a mailbox serves a single run
// and nothing will take them.
func (c *Controller) Close() error {
	if n := c.mailbox.Pending(); n > 0 {
		c.logger.Warn("mailbox closed with undelivered messages",
			zap.Int("rank", c.rank),
			zap.Int("pending", n))
	}
	var errs []error
	for _, conn := range c.conns {
		if conn != nil {
			errs = append(errs, conn.Close())
		}
	}
	return errors.Join(errs...)
}

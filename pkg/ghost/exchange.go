// Package ghost imports, around a locally owned piece of a mesh, the elements
// of neighbouring pieces, one layer per exchange round.
package ghost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tessera-io/tessera/internal/containers"
	"github.com/tessera-io/tessera/pkg/controller"
	"github.com/tessera-io/tessera/pkg/logger"
	"github.com/tessera-io/tessera/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/ghost")

var (
	ErrProtocolStall = errors.New("ghost exchange stalled")
	ErrInvalidLevels = errors.New("invalid ghost level count")
)

var (
	roundCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "ghost_rounds_total",
		Help:      "The total number of completed ghost exchange rounds.",
	})

	importedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "ghost_elements_imported_total",
		Help:      "The total number of ghost elements imported from peers.",
	})

	duplicateCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "ghost_duplicates_dropped_total",
		Help:      "The total number of offered elements dropped because they were already present.",
	})

	stallCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "ghost_stalls_total",
		Help:      "The total number of exchanges abandoned because a peer stopped answering.",
	})

	roundDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       "tessera",
		Name:                            "ghost_round_duration_ms",
		Help:                            "The duration (in ms) of a ghost exchange round.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 15000, 60000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)

// StallError is returned when a peer does not complete a send or receive
// within the exchange timeout.
type StallError struct {
	Peer    int
	Tag     controller.Tag
	Round   int
	Timeout time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("%s: no %s from peer %d in round %d after %s", ErrProtocolStall, e.Tag, e.Peer, e.Round, e.Timeout)
}

func (e *StallError) Unwrap() error {
	return ErrProtocolStall
}

// Result describes a completed exchange.
type Result struct {
	RunID  string
	Rounds int
	// Imported is the number of elements imported per ghost level.
	Imported map[int]int
	// Duplicates counts offered elements that were already present.
	Duplicates int
	// Peers are the ranks exchanged with in at least one round.
	Peers []int
}

// Exchanger runs the ghost exchange protocol. An Exchanger holds no state
// between runs and may be shared.
type Exchanger struct {
	timeout time.Duration
	pruning bool
	logger  logger.Logger
}

type ExchangerOpt func(*Exchanger)

// WithTimeout bounds every send and receive of a run. Zero waits forever.
func WithTimeout(d time.Duration) ExchangerOpt {
	return func(x *Exchanger) {
		x.timeout = d
	}
}

// WithBoundsPruning controls whether peers first swap bounding boxes to skip
// pairs that cannot share points. Enabled by default.
func WithBoundsPruning(enabled bool) ExchangerOpt {
	return func(x *Exchanger) {
		x.pruning = enabled
	}
}

func WithLogger(l logger.Logger) ExchangerOpt {
	return func(x *Exchanger) {
		x.logger = l
	}
}

func NewExchanger(opts ...ExchangerOpt) *Exchanger {
	x := &Exchanger{
		pruning: true,
		logger:  logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Run grows mesh by levels layers of elements owned by the other ranks of
// ctrl. Every rank must call Run with the same levels. Each round ends with
// an import of the elements peers matched against this rank's candidate
// points; a round that fails leaves mesh as the previous round left it.
func (x *Exchanger) Run(ctx context.Context, mesh *Mesh, ctrl controller.Controller, levels int) (Result, error) {
	res := Result{
		RunID:    ulid.Make().String(),
		Imported: map[int]int{},
	}
	if levels < 0 {
		return res, fmt.Errorf("%w: %d", ErrInvalidLevels, levels)
	}

	ctx, span := tracer.Start(ctx, "ghost.Exchange", trace.WithAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("rank", ctrl.LocalRank()),
		attribute.Int("peers", ctrl.PeerCount()),
		attribute.Int("levels", levels),
	))
	defer span.End()

	r := &run{
		Exchanger: x,
		id:        res.RunID,
		mesh:      mesh,
		ctrl:      ctrl,
		sent:      map[int]struct{}{},
		shared:    map[int]*containers.SortedIDSet{},
		contacted: containers.NewSortedIDSet(),
	}
	for g := range levels {
		start := time.Now()
		imported, duplicates, err := r.round(ctx, g)
		if err != nil {
			if errors.Is(err, ErrProtocolStall) {
				stallCounter.Inc()
			}
			telemetry.TraceError(span, err)
			x.logger.WarnWithContext(ctx, "ghost exchange failed",
				zap.String("run_id", res.RunID),
				zap.Int("round", g),
				zap.Error(err))
			res.Peers = r.peers()
			return res, err
		}

		res.Rounds++
		res.Imported[g+1] = imported
		res.Duplicates += duplicates
		roundCounter.Inc()
		importedCounter.Add(float64(imported))
		duplicateCounter.Add(float64(duplicates))
		roundDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))
	}
	res.Peers = r.peers()
	span.SetAttributes(attribute.Int("rounds", res.Rounds))
	return res, nil
}

// run is the state of one Exchanger.Run call.
type run struct {
	*Exchanger
	id   string
	mesh *Mesh
	ctrl controller.Controller
	// sent holds the local points already offered to peers.
	sent map[int]struct{}
	// shared holds, per peer, the ids of the elements already sent to it.
	shared    map[int]*containers.SortedIDSet
	contacted *containers.SortedIDSet
}

func (r *run) peers() []int {
	var peers []int
	for _, p := range r.contacted.Values() {
		peers = append(peers, int(p))
	}
	return peers
}

func (r *run) round(ctx context.Context, g int) (int, int, error) {
	ctx, span := tracer.Start(ctx, "ghost.Round", trace.WithAttributes(attribute.Int("round", g)))
	defer span.End()

	candidates := r.candidates(g)
	coords := make([][3]float64, len(candidates))
	var roundBox Bounds
	for i, p := range candidates {
		coords[i] = r.mesh.Point(p)
		roundBox.Add(coords[i])
	}

	peers, err := r.selectPeers(ctx, g, roundBounds{Owned: r.mesh.Bounds(0), Round: roundBox})
	if err != nil {
		return 0, 0, err
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)), attribute.IntSlice("peers", peers))
	for _, p := range peers {
		r.contacted.Add(int64(p))
	}

	out := make(map[int][][]byte, len(peers))
	for _, p := range peers {
		out[p] = [][]byte{encodeCount(len(coords)), encodeCoords(coords)}
	}
	in, err := r.exchange(ctx, g, peers, out, controller.TagPointCount, controller.TagPointCoords)
	if err != nil {
		return 0, 0, err
	}

	clear(out)
	for _, p := range peers {
		count, err := decodeCount(in[p][0])
		if err != nil {
			return 0, 0, fmt.Errorf("point count from peer %d: %w", p, err)
		}
		theirs, err := decodeCoords(in[p][1])
		if err != nil {
			return 0, 0, fmt.Errorf("point coordinates from peer %d: %w", p, err)
		}
		if len(theirs) != count {
			return 0, 0, fmt.Errorf("%w: peer %d announced %d points and sent %d", ErrMalformedMessage, p, count, len(theirs))
		}
		elements, ids := r.match(p, theirs)
		out[p] = [][]byte{encodePayload(elements), encodeIDMap(ids)}
	}

	in, err = r.exchange(ctx, g, peers, out, controller.TagElementPayload, controller.TagElementIDMap)
	if err != nil {
		return 0, 0, err
	}

	// Decode everything before touching the mesh.
	type reply struct {
		peer     int
		elements []wireElement
		ids      []int64
	}
	replies := make([]reply, 0, len(peers))
	for _, p := range peers {
		elements, err := decodePayload(in[p][0])
		if err != nil {
			return 0, 0, fmt.Errorf("element payload from peer %d: %w", p, err)
		}
		ids, err := decodeIDMap(in[p][1])
		if err != nil {
			return 0, 0, fmt.Errorf("element id map from peer %d: %w", p, err)
		}
		if len(ids) != len(elements) {
			return 0, 0, fmt.Errorf("%w: peer %d sent %d elements and %d ids", ErrMalformedMessage, p, len(elements), len(ids))
		}
		replies = append(replies, reply{peer: p, elements: elements, ids: ids})
	}

	var imported, duplicates int
	for _, rep := range replies {
		for i, we := range rep.elements {
			if r.mesh.Has(rep.ids[i]) {
				duplicates++
				continue
			}
			e := Element{
				ID:         rep.ids[i],
				Type:       we.Type,
				Points:     make([]int, len(we.Coords)),
				Values:     we.Values,
				GhostLevel: g + 1,
				Owner:      rep.peer,
			}
			for j, c := range we.Coords {
				e.Points[j] = r.mesh.AddPoint(c)
			}
			added, err := r.mesh.AddElement(e)
			if err != nil {
				return imported, duplicates, err
			}
			if !added {
				duplicates++
				continue
			}
			imported++
		}
	}

	r.logger.DebugWithContext(ctx, "ghost round complete",
		zap.String("run_id", r.id),
		zap.Int("round", g),
		zap.Int("candidates", len(candidates)),
		zap.Ints("peers", peers),
		zap.Int("imported", imported),
		zap.Int("duplicates", duplicates))
	return imported, duplicates, nil
}

// candidates returns the points offered to peers in round g: the boundary of
// the owned elements first, then the points of the layer imported last.
func (r *run) candidates(g int) []int {
	var pts []int
	if g == 0 {
		pts = r.mesh.BoundaryPoints()
	} else {
		pts = r.mesh.PointsAtLevel(g)
	}
	fresh := pts[:0]
	for _, p := range pts {
		if _, ok := r.sent[p]; ok {
			continue
		}
		r.sent[p] = struct{}{}
		fresh = append(fresh, p)
	}
	return fresh
}

// selectPeers returns the ranks to talk to in round g, ascending. With
// pruning, every pair swaps bounds and keeps talking when either side's round
// points may touch what the other owns. Both sides of a pair evaluate the
// same condition, so they always agree.
func (r *run) selectPeers(ctx context.Context, g int, mine roundBounds) ([]int, error) {
	var peers []int
	for p := range r.ctrl.PeerCount() {
		if p != r.ctrl.LocalRank() {
			peers = append(peers, p)
		}
	}
	if !r.pruning || len(peers) == 0 {
		return peers, nil
	}

	out := make(map[int][][]byte, len(peers))
	msg := encodeBounds(mine)
	for _, p := range peers {
		out[p] = [][]byte{msg}
	}
	in, err := r.exchange(ctx, g, peers, out, controller.TagBounds)
	if err != nil {
		return nil, err
	}

	tol := r.mesh.Tolerance()
	active := peers[:0]
	for _, p := range peers {
		theirs, err := decodeBounds(in[p][0])
		if err != nil {
			return nil, fmt.Errorf("bounds from peer %d: %w", p, err)
		}
		if mine.Round.Intersects(theirs.Owned, tol) || theirs.Round.Intersects(mine.Owned, tol) {
			active = append(active, p)
		}
	}
	return active, nil
}

// match returns the owned elements touching any of points that peer has not
// been sent yet.
func (r *run) match(peer int, points [][3]float64) ([]wireElement, []int64) {
	shared, ok := r.shared[peer]
	if !ok {
		shared = containers.NewSortedIDSet()
		r.shared[peer] = shared
	}

	var (
		elements []wireElement
		ids      []int64
	)
	for _, c := range points {
		idx, ok := r.mesh.FindPoint(c)
		if !ok {
			continue
		}
		for _, ei := range r.mesh.ElementsAt(idx) {
			e := r.mesh.elements[ei]
			if e.GhostLevel != 0 || shared.Add(e.ID) == 0 {
				continue
			}
			we := wireElement{
				Type:   e.Type,
				Coords: make([][3]float64, len(e.Points)),
				Values: e.Values,
			}
			for i, p := range e.Points {
				we.Coords[i] = r.mesh.Point(p)
			}
			elements = append(elements, we)
			ids = append(ids, e.ID)
		}
	}
	return elements, ids
}

// exchange sends out[p][i] to every peer p with tags[i] while receiving one
// message per tag from each of them. Sends and receives to different peers
// run concurrently; per peer, messages go out in tag order.
func (r *run) exchange(ctx context.Context, g int, peers []int, out map[int][][]byte, tags ...controller.Tag) (map[int][][]byte, error) {
	received := make([][][]byte, len(peers))
	eg, ctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		eg.Go(func() error {
			for t, tag := range tags {
				if err := r.send(ctx, g, p, tag, out[p][t]); err != nil {
					return err
				}
			}
			return nil
		})
		eg.Go(func() error {
			msgs := make([][]byte, len(tags))
			for t, tag := range tags {
				data, err := r.receive(ctx, g, p, tag)
				if err != nil {
					return err
				}
				msgs[t] = data
			}
			received[i] = msgs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	in := make(map[int][][]byte, len(peers))
	for i, p := range peers {
		in[p] = received[i]
	}
	return in, nil
}

func (r *run) send(ctx context.Context, g, peer int, tag controller.Tag, data []byte) error {
	bounded, cancel := r.bound(ctx)
	defer cancel()
	if err := r.ctrl.Send(bounded, peer, tag, data); err != nil {
		return r.stalled(ctx, bounded, err, g, peer, tag)
	}
	return nil
}

func (r *run) receive(ctx context.Context, g, peer int, tag controller.Tag) ([]byte, error) {
	bounded, cancel := r.bound(ctx)
	defer cancel()
	data, err := r.ctrl.Receive(bounded, peer, tag)
	if err != nil {
		return nil, r.stalled(ctx, bounded, err, g, peer, tag)
	}
	return data, nil
}

func (r *run) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// stalled turns the expiry of the exchange timeout into a StallError. Any
// other failure, including cancellation of ctx, is returned as is.
func (r *run) stalled(ctx, bounded context.Context, err error, g, peer int, tag controller.Tag) error {
	if ctx.Err() == nil && errors.Is(bounded.Err(), context.DeadlineExceeded) {
		return &StallError{Peer: peer, Tag: tag, Round: g, Timeout: r.timeout}
	}
	return fmt.Errorf("ghost round %d, %s with peer %d: %w", g, tag, peer, err)
}

//go:generate mockgen -source source.go -destination ../../internal/mocks/mock_kernel.go -package mocks Kernel

// Package source implements the demand driven node of a pipeline: it computes
// only the extent a consumer asks for and keeps the result until something
// upstream changes.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/clock"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/logger"
	"github.com/tessera-io/tessera/pkg/telemetry"
	"github.com/tessera-io/tessera/pkg/translator"
)

var tracer = otel.Tracer("pkg/source")

var kernelExecutionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tessera",
	Name:      "kernel_executions_total",
	Help:      "The total number of kernel executions, one per slab.",
}, []string{"source"})

// Kernel produces the data of a source. It is called by CachedSource only.
type Kernel interface {
	// ComputeInformation describes the whole dataset without computing it.
	ComputeInformation(ctx context.Context) (extent.Information, error)

	// NativeDimensionality is the number of leading axes Execute understands.
	// Higher axes are collapsed to single coordinates before Execute is called.
	// A negative value means the kernel could not establish it.
	NativeDimensionality() int

	// Execute fills the part of out covered by slab.
	Execute(ctx context.Context, slab extent.Extent, out *cache.Buffer) error
}

// Upstream is anything whose modification time a source depends on.
type Upstream interface {
	PipelineTimestamp() clock.Timestamp
}

// State is the phase of the update a source is in.
type State int32

const (
	Idle State = iota
	ComputingInformation
	ComputingData
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ComputingInformation:
		return "computing-information"
	case ComputingData:
		return "computing-data"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CachedSource runs a Kernel on demand and caches its output. It is meant to be
// driven from one goroutine; concurrent or re-entrant updates are refused.
type CachedSource struct {
	name       string
	kernel     Kernel
	clock      *clock.Clock
	stamp      *clock.Stamp
	upstream   []Upstream
	translator translator.Translator
	logger     logger.Logger
	cache      *cache.Cache
	state      atomic.Int32

	mu           sync.Mutex
	info         extent.Information
	hasInfo      bool
	updateExtent extent.Extent
	lastComputed clock.Timestamp
	closed       bool
	exactExtent  bool
}

var _ Upstream = (*CachedSource)(nil)
var _ translator.AuthoritySource = (*CachedSource)(nil)

type CachedSourceOpt func(*CachedSource)

// WithClock shares c with the rest of the pipeline. Sources that are connected
// must use the same clock.
func WithClock(c *clock.Clock) CachedSourceOpt {
	return func(s *CachedSource) {
		s.clock = c
	}
}

// WithUpstream adds dependencies whose modification times are folded into the
// pipeline timestamp.
func WithUpstream(up ...Upstream) CachedSourceOpt {
	return func(s *CachedSource) {
		s.upstream = append(s.upstream, up...)
	}
}

func WithTranslator(t translator.Translator) CachedSourceOpt {
	return func(s *CachedSource) {
		s.translator = t
	}
}

func WithLogger(l logger.Logger) CachedSourceOpt {
	return func(s *CachedSource) {
		s.logger = l
	}
}

// WithReleasePolicy sets whether Retrieve frees the cached data after handing
// it out. The default is true.
func WithReleasePolicy(release bool) CachedSourceOpt {
	return func(s *CachedSource) {
		s.cache.SetReleasePolicy(release)
	}
}

// WithHistory keeps snapshots of computed buffers in h. The history is owned by
// the caller.
func WithHistory(h *cache.History) CachedSourceOpt {
	return func(s *CachedSource) {
		s.cache = cache.New(cache.WithHistory(h), cache.WithReleasePolicy(s.cache.ReleasePolicy()))
	}
}

// WithExactExtent makes Update and Retrieve hand out a copy cropped to the
// requested extent whenever the cached buffer covers more.
func WithExactExtent(exact bool) CachedSourceOpt {
	return func(s *CachedSource) {
		s.exactExtent = exact
	}
}

func WithName(name string) CachedSourceOpt {
	return func(s *CachedSource) {
		s.name = name
	}
}

func New(kernel Kernel, opts ...CachedSourceOpt) *CachedSource {
	s := &CachedSource{
		name:       "source",
		kernel:     kernel,
		translator: translator.PieceTranslator{},
		logger:     logger.NewNoopLogger(),
		cache:      cache.New(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.clock == nil {
		s.clock = clock.New()
	}
	s.stamp = clock.NewStamp(s.clock)
	s.logger = s.logger.With(zap.String("source", s.name))
	return s
}

// Name identifies the source in logs and metrics.
func (s *CachedSource) Name() string {
	return s.name
}

func (s *CachedSource) State() State {
	return State(s.state.Load())
}

// begin moves the source out of Idle or reports that an update is running.
func (s *CachedSource) begin() (func(), error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(ComputingInformation)) {
		return nil, ErrReentrantUpdate
	}
	return func() { s.state.Store(int32(Idle)) }, nil
}

// UpdateInformation refreshes the whole extent, spacing, origin and element
// type without computing data.
func (s *CachedSource) UpdateInformation(ctx context.Context) (extent.Information, error) {
	done, err := s.begin()
	if err != nil {
		return extent.Information{}, err
	}
	defer done()
	return s.updateInformation(ctx)
}

func (s *CachedSource) updateInformation(ctx context.Context) (extent.Information, error) {
	info, err := s.kernel.ComputeInformation(ctx)
	if err != nil {
		return extent.Information{}, fmt.Errorf("compute information for %q: %w", s.name, err)
	}
	if err := info.Validate(); err != nil {
		return extent.Information{}, &ConfigurationError{Source: s.name, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.hasInfo = true
	return info, nil
}

// Information returns the metadata from the last information pass.
func (s *CachedSource) Information() (extent.Information, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.hasInfo
}

// WholeExtent refreshes the information and returns the whole extent, which
// lets a source serve as the authority of a branch translator.
func (s *CachedSource) WholeExtent(ctx context.Context) (extent.Extent, error) {
	info, err := s.UpdateInformation(ctx)
	if err != nil {
		return extent.Extent{}, err
	}
	return info.WholeExtent, nil
}

// Update makes sure the output covers ext, clipped to the whole extent, and is
// current. The kernel only runs when the cache cannot serve the request. The
// returned buffer is owned by the source and may cover more than ext, unless
// the source was built WithExactExtent.
func (s *CachedSource) Update(ctx context.Context, ext extent.Extent) (*cache.Buffer, error) {
	return s.request(ctx, "source.Update", ext, false)
}

// Retrieve updates ext and hands the data to a consumer. Under the release
// policy the source drops its copy afterwards, so the next request recomputes
// or recalls it from the history.
func (s *CachedSource) Retrieve(ctx context.Context, ext extent.Extent) (*cache.Buffer, error) {
	return s.request(ctx, "source.Retrieve", ext, true)
}

func (s *CachedSource) request(ctx context.Context, name string, ext extent.Extent, retrieve bool) (*cache.Buffer, error) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("source", s.name),
		attribute.String("requested", ext.String()),
	))
	defer span.End()

	b, req, err := s.update(ctx, ext, span)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if b.IsEmpty() {
		return b, nil
	}
	if retrieve {
		b = s.cache.Retrieve()
	}
	if !s.exactExtent || b.Extent().Equal(req) {
		return b, nil
	}
	cropped, err := b.Crop(req)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("crop output of %q: %w", s.name, err)
	}
	return cropped, nil
}

func (s *CachedSource) update(ctx context.Context, ext extent.Extent, span trace.Span) (*cache.Buffer, extent.Extent, error) {
	done, err := s.begin()
	if err != nil {
		return nil, extent.Extent{}, err
	}
	defer done()

	info, err := s.updateInformation(ctx)
	if err != nil {
		return nil, extent.Extent{}, err
	}

	req := ext.Clip(info.WholeExtent)
	s.mu.Lock()
	s.updateExtent = req
	s.mu.Unlock()
	span.SetAttributes(attribute.String("extent", req.String()))

	if req.IsEmpty() {
		s.logger.DebugWithContext(ctx, "empty request", zap.Stringer("requested", ext))
		span.SetAttributes(attribute.String("status", "empty"))
		b, err := cache.NewBuffer(req, info.ElementType, info.Components)
		return b, req, err
	}

	pipelineTS := s.PipelineTimestamp()
	status := s.cache.Query(req, pipelineTS)
	span.SetAttributes(attribute.String("status", status.String()))
	if status == cache.Fresh {
		return s.cache.Get(), req, nil
	}
	if s.cache.Recall(req, pipelineTS) {
		s.logger.DebugWithContext(ctx, "recalled from history", zap.Stringer("extent", req))
		return s.cache.Get(), req, nil
	}

	nativeDim := s.kernel.NativeDimensionality()
	if nativeDim < 0 {
		return nil, req, &ConfigurationError{Source: s.name, Err: ErrUndeclaredDimensionality}
	}

	s.state.Store(int32(ComputingData))
	out, err := s.cache.Allocate(req, info.ElementType, info.Components)
	if err != nil {
		return nil, req, fmt.Errorf("allocate %s for %q: %w", req, s.name, err)
	}

	slabs := 0
	for slab := range req.Slabs(nativeDim) {
		if err := ctx.Err(); err != nil {
			s.cache.Abort()
			return nil, extent.Extent{}, err
		}
		if err := s.kernel.Execute(ctx, slab, out); err != nil {
			s.cache.Abort()
			return nil, req, fmt.Errorf("execute %q over %s: %w", s.name, slab, err)
		}
		kernelExecutionCounter.WithLabelValues(s.name).Inc()
		slabs++
	}

	if err := s.cache.Commit(pipelineTS); err != nil {
		return nil, extent.Extent{}, err
	}

	s.mu.Lock()
	s.lastComputed = pipelineTS
	s.mu.Unlock()

	s.logger.DebugWithContext(ctx, "computed",
		zap.Stringer("extent", req),
		zap.String("status", status.String()),
		zap.Int("slabs", slabs),
		zap.Uint64("timestamp", uint64(pipelineTS)))

	return s.cache.Get(), req, nil
}

// UpdatePiece computes the extent the translator assigns to piece.
func (s *CachedSource) UpdatePiece(ctx context.Context, piece extent.Piece) (*cache.Buffer, error) {
	ext, err := s.PieceExtent(ctx, piece)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, ext)
}

// RetrievePiece is Retrieve for the extent the translator assigns to piece.
func (s *CachedSource) RetrievePiece(ctx context.Context, piece extent.Piece) (*cache.Buffer, error) {
	ext, err := s.PieceExtent(ctx, piece)
	if err != nil {
		return nil, err
	}
	return s.Retrieve(ctx, ext)
}

// PieceExtent is the extent the translator assigns to piece, ghost levels
// included.
func (s *CachedSource) PieceExtent(ctx context.Context, piece extent.Piece) (extent.Extent, error) {
	info, err := s.UpdateInformation(ctx)
	if err != nil {
		return extent.Extent{}, err
	}
	ext, err := s.translator.Translate(ctx, info.WholeExtent, piece)
	if err != nil {
		return extent.Extent{}, fmt.Errorf("translate piece %s for %q: %w", piece, s.name, err)
	}
	s.logger.DebugWithContext(ctx, "piece translated",
		zap.Stringer("piece", piece),
		zap.Stringer("extent", ext))
	return ext, nil
}

// Output is the cached buffer. It is never nil.
func (s *CachedSource) Output() *cache.Buffer {
	return s.cache.Get()
}

// PipelineTimestamp is the newest of the source's own modification time, its
// cached output and everything upstream.
func (s *CachedSource) PipelineTimestamp() clock.Timestamp {
	ts := clock.Max(s.stamp.MTime(), s.cache.Timestamp())
	for _, up := range s.upstream {
		ts = clock.Max(ts, up.PipelineTimestamp())
	}
	return ts
}

// Modified marks the source as changed, invalidating its cached output.
func (s *CachedSource) Modified() clock.Timestamp {
	return s.stamp.Modified()
}

// Clock is the tick source shared by the pipeline.
func (s *CachedSource) Clock() *clock.Clock {
	return s.clock
}

// UpdateExtent is the clipped extent of the last update request.
func (s *CachedSource) UpdateExtent() extent.Extent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateExtent
}

// LastComputedTimestamp is the pipeline time of the last kernel run.
func (s *CachedSource) LastComputedTimestamp() clock.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastComputed
}

func (s *CachedSource) ReleasePolicy() bool {
	return s.cache.ReleasePolicy()
}

func (s *CachedSource) SetReleasePolicy(release bool) {
	s.cache.SetReleasePolicy(release)
}

// Close releases the cached data. Further updates fail with ErrClosed.
func (s *CachedSource) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cache.Release()
}

// Package parallel runs one piece of a pipeline per rank of a controller and
// grows every piece with the ghost layers its neighbours hold.
package parallel

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/controller"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/ghost"
	"github.com/tessera-io/tessera/pkg/logger"
	"github.com/tessera-io/tessera/pkg/source"
	"github.com/tessera-io/tessera/pkg/telemetry"
	"github.com/tessera-io/tessera/pkg/translator"
)

var tracer = otel.Tracer("pkg/parallel")

const ghostValueTolerance = 1e-9

// NewKernelFunc builds the kernel of one piece. It is called once per run.
type NewKernelFunc func(ctx context.Context) (source.Kernel, error)

// Report summarizes what a piece computed and imported.
type Report struct {
	Rank   int
	Piece  extent.Piece
	Extent extent.Extent
	// Levels counts the elements of the piece's mesh per ghost level.
	Levels   map[int]int
	Exchange ghost.Result
	// GhostMismatches counts imported ghost elements whose values differ from
	// what this piece computes for the same cell.
	GhostMismatches int
	// Sum adds up the first component of the owned elements.
	Sum      float64
	Duration time.Duration
}

// Worker computes one piece and runs the ghost exchange for it. A Worker may
// be shared by the pieces of a run.
type Worker struct {
	newKernel     NewKernelFunc
	mode          translator.Mode
	ghostLevels   int
	tolerance     float64
	releasePolicy bool
	historyBytes  int64
	exchanger     *ghost.Exchanger
	logger        logger.Logger
}

type WorkerOpt func(*Worker)

func WithSplitMode(m translator.Mode) WorkerOpt {
	return func(w *Worker) {
		w.mode = m
	}
}

func WithGhostLevels(n int) WorkerOpt {
	return func(w *Worker) {
		w.ghostLevels = n
	}
}

// WithTolerance sets the distance under which mesh points are merged.
func WithTolerance(tol float64) WorkerOpt {
	return func(w *Worker) {
		w.tolerance = tol
	}
}

func WithReleasePolicy(release bool) WorkerOpt {
	return func(w *Worker) {
		w.releasePolicy = release
	}
}

// WithHistoryBytes gives every piece's source a history of that size, so the
// owned extent is recalled from the ghost-grown one instead of recomputed
// under the release policy. Zero disables it.
func WithHistoryBytes(n int64) WorkerOpt {
	return func(w *Worker) {
		w.historyBytes = n
	}
}

func WithExchanger(x *ghost.Exchanger) WorkerOpt {
	return func(w *Worker) {
		w.exchanger = x
	}
}

func WithLogger(l logger.Logger) WorkerOpt {
	return func(w *Worker) {
		w.logger = l
	}
}

func NewWorker(newKernel NewKernelFunc, opts ...WorkerOpt) *Worker {
	w := &Worker{
		newKernel:     newKernel,
		ghostLevels:   1,
		tolerance:     ghost.DefaultTolerance,
		releasePolicy: true,
		logger:        logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.exchanger == nil {
		w.exchanger = ghost.NewExchanger(ghost.WithLogger(w.logger))
	}
	return w
}

// Run computes the piece of ctrl's local rank out of PeerCount pieces and
// imports its ghost layers from the other ranks, which must run concurrently.
func (w *Worker) Run(ctx context.Context, ctrl controller.Controller) (Report, error) {
	start := time.Now()
	rank := ctrl.LocalRank()
	report := Report{
		Rank:  rank,
		Piece: extent.Piece{Index: rank, Count: ctrl.PeerCount()},
	}

	ctx, span := tracer.Start(ctx, "parallel.Run", trace.WithAttributes(
		attribute.Int("rank", rank),
		attribute.Int("pieces", ctrl.PeerCount()),
	))
	defer span.End()

	ctx = logger.ContextWithFields(ctx, zap.Int("rank", rank))
	if err := w.run(ctx, ctrl, &report); err != nil {
		telemetry.TraceError(span, err)
		return report, err
	}
	report.Duration = time.Since(start)

	w.logger.InfoWithContext(ctx, "piece complete",
		zap.Stringer("piece", report.Piece),
		zap.Stringer("extent", report.Extent),
		zap.Any("levels", report.Levels),
		zap.String("exchange_run_id", report.Exchange.RunID),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (w *Worker) run(ctx context.Context, ctrl controller.Controller, report *Report) error {
	kernel, err := w.newKernel(ctx)
	if err != nil {
		return fmt.Errorf("create kernel for piece %d: %w", report.Rank, err)
	}

	opts := []source.CachedSourceOpt{
		source.WithName(fmt.Sprintf("piece-%d", report.Rank)),
		source.WithLogger(w.logger),
		source.WithTranslator(translator.PieceTranslator{Mode: w.mode}),
		source.WithReleasePolicy(w.releasePolicy),
		source.WithExactExtent(true),
	}
	if w.historyBytes > 0 {
		history, err := cache.NewHistory(cache.WithMaxBytes(w.historyBytes))
		if err != nil {
			return err
		}
		defer history.Close()
		opts = append(opts, source.WithHistory(history))
	}
	src := source.New(kernel, opts...)
	defer src.Close()

	// The ghost-grown piece is what the imported layers must agree with.
	var grown *cache.Buffer
	if w.ghostLevels > 0 {
		grownPiece := report.Piece
		grownPiece.GhostLevel = w.ghostLevels
		if grown, err = src.RetrievePiece(ctx, grownPiece); err != nil {
			return err
		}
	}

	buf, err := src.RetrievePiece(ctx, report.Piece)
	if err != nil {
		return err
	}
	report.Extent = buf.Extent()

	info, _ := src.Information()
	mesh, err := ghost.MeshFromBuffer(info, buf, report.Rank, w.tolerance)
	if err != nil {
		return err
	}
	for _, e := range mesh.Elements() {
		if len(e.Values) > 0 {
			report.Sum += e.Values[0]
		}
	}

	report.Exchange, err = w.exchanger.Run(ctx, mesh, ctrl, w.ghostLevels)
	if err != nil {
		return err
	}
	report.Levels = mesh.LevelCounts()

	if grown != nil {
		report.GhostMismatches = checkGhosts(info.WholeExtent, grown, mesh)
		if report.GhostMismatches > 0 {
			w.logger.WarnWithContext(ctx, "imported ghosts disagree with the local computation",
				zap.Int("mismatches", report.GhostMismatches))
		}
	}
	return nil
}

// checkGhosts counts the ghost elements of mesh that lie outside grown or
// whose values differ from grown's.
func checkGhosts(whole extent.Extent, grown *cache.Buffer, mesh *ghost.Mesh) int {
	mismatches := 0
	for _, e := range mesh.Elements() {
		if e.GhostLevel == 0 {
			continue
		}
		coords := whole.Coords(int(e.ID))
		cell := extent.Extent{Axes: whole.Axes, Min: coords, Max: coords}
		if !grown.Extent().Contains(cell) || len(e.Values) != grown.Components() {
			mismatches++
			continue
		}
		for c, v := range e.Values {
			if math.Abs(grown.At(coords, c)-v) > ghostValueTolerance {
				mismatches++
				break
			}
		}
	}
	return mismatches
}

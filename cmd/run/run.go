// Package run contains the command to run a pipeline over every piece of a
// dataset.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/tessera-io/tessera/pkg/config"
	"github.com/tessera-io/tessera/pkg/controller/grpc"
	"github.com/tessera-io/tessera/pkg/ghost"
	"github.com/tessera-io/tessera/pkg/kernel"
	"github.com/tessera-io/tessera/pkg/logger"
	"github.com/tessera-io/tessera/pkg/parallel"
	"github.com/tessera-io/tessera/pkg/source"
	"github.com/tessera-io/tessera/pkg/telemetry"
	"github.com/tessera-io/tessera/pkg/translator"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute every piece of the pipeline and exchange ghost layers",
		Long: `Compute every piece of the pipeline and exchange ghost layers.

With the 'local' transport all pieces run in this process. With the 'grpc'
transport this process runs the piece of its rank and reaches the other ranks
at the addresses listed in --peers.`,
		RunE: run,
		Args: cobra.NoArgs,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in. For production we recommend 'json' format")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")

	flags.Duration("trace-slow-threshold", defaultConfig.Trace.SlowThreshold, "only export traces lasting at least this long. 0 exports every sampled trace")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.String("whole-extent", defaultConfig.Pipeline.WholeExtent, "the whole extent as comma separated min:max pairs, e.g. '0:99,0:99'")

	flags.StringSlice("spacing", []string{}, "the distance between samples along each axis")

	flags.StringSlice("origin", []string{}, "the physical position of the first sample along each axis")

	flags.String("element-type", defaultConfig.Pipeline.ElementType, "the element type of the computed values")

	flags.Int("components", defaultConfig.Pipeline.Components, "the number of components per element")

	flags.String("expression", defaultConfig.Pipeline.Expression, "the CEL expression computed for every element. Variables: x, y, z, t (position), i, j, k, l (index), c (component)")

	flags.Int("native-dimensionality", defaultConfig.Pipeline.NativeDimensionality, "the number of leading axes the kernel computes in one call")

	flags.String("split-mode", defaultConfig.Pipeline.SplitMode, "how pieces are cut: 'block', 'x-slab', 'y-slab' or 'z-slab'")

	flags.Bool("release-policy", defaultConfig.Pipeline.ReleasePolicy, "drop a source's data once it was retrieved")

	flags.Int64("history-bytes", defaultConfig.Pipeline.HistoryBytes, "the size of the history of computed extents kept per source. 0 disables it")

	flags.Int("ghost-levels", defaultConfig.Exchange.GhostLevels, "the number of ghost layers imported around each piece")

	flags.Float64("tolerance", defaultConfig.Exchange.Tolerance, "the distance under which two points are the same point")

	flags.Duration("exchange-timeout", defaultConfig.Exchange.Timeout, "how long the ghost exchange waits on a peer before giving up. 0 waits forever")

	flags.Bool("bounds-pruning", defaultConfig.Exchange.BoundsPruning, "skip exchanging with peers whose bounds cannot touch")

	flags.String("transport", defaultConfig.Controller.Transport, "'local' to run every piece in this process, 'grpc' to run one piece per process")

	flags.Int("pieces", defaultConfig.Controller.Pieces, "the number of pieces run by the 'local' transport")

	flags.Int("rank", defaultConfig.Controller.Rank, "the rank of this process with the 'grpc' transport")

	flags.StringSlice("peers", defaultConfig.Controller.Peers, "the host:port of every rank with the 'grpc' transport, ordered by rank")

	flags.String("listen-addr", defaultConfig.Controller.ListenAddr, "the host:port address to receive messages from peers on")

	flags.Duration("retry-max-elapsed", defaultConfig.Controller.RetryMaxElapsed, "how long a send to an unavailable peer is retried")

	// NOTE: if you add a new flag here, update configKeys, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the run configuration based on the values provided in 'config.yaml', the
// environment and the flags. The 'config.yaml' file is loaded from '/etc/tessera', '$HOME/.tessera',
// or the current working directory. If no configuration file is present, the default values are returned.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := ReadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Verify(); err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level, cfg.Log.TimestampFormat)
	if err != nil {
		return err
	}
	runCtx := &RunContext{Logger: log, Out: cmd.OutOrStdout()}
	return runCtx.Run(cmd.Context(), cfg)
}

// RunContext holds what a run shares with its environment.
type RunContext struct {
	Logger logger.Logger
	// Out receives the YAML summary of the pieces run by this process.
	Out io.Writer
}

// PieceSummary is what the run command prints for every piece.
type PieceSummary struct {
	Rank            int         `json:"rank"`
	Piece           string      `json:"piece"`
	Extent          string      `json:"extent"`
	Levels          map[int]int `json:"levels"`
	GhostMismatches int         `json:"ghostMismatches"`
	Sum             float64     `json:"sum"`
	ExchangeRunID   string      `json:"exchangeRunId"`
	Peers           []int       `json:"peers"`
	Duration        string      `json:"duration"`
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *RunContext) telemetryConfig(cfg *config.Config) func() error {
	if cfg.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("tracing enabled: sampling ratio is %v and sending traces to '%s'", cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))

		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(cfg.Trace.ServiceName),
			telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
			telemetry.WithSlowTraceThreshold(cfg.Trace.SlowThreshold),
		)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *RunContext) worker(cfg *config.Config) (*parallel.Worker, error) {
	info, err := cfg.Information()
	if err != nil {
		return nil, err
	}
	mode, err := translator.ParseMode(cfg.Pipeline.SplitMode)
	if err != nil {
		return nil, err
	}

	newKernel := func(context.Context) (source.Kernel, error) {
		return kernel.NewExpression(info, cfg.Pipeline.Expression,
			kernel.WithNativeDimensionality(cfg.Pipeline.NativeDimensionality))
	}
	exchanger := ghost.NewExchanger(
		ghost.WithTimeout(cfg.Exchange.Timeout),
		ghost.WithBoundsPruning(cfg.Exchange.BoundsPruning),
		ghost.WithLogger(s.Logger),
	)
	return parallel.NewWorker(newKernel,
		parallel.WithSplitMode(mode),
		parallel.WithGhostLevels(cfg.Exchange.GhostLevels),
		parallel.WithTolerance(cfg.Exchange.Tolerance),
		parallel.WithReleasePolicy(cfg.Pipeline.ReleasePolicy),
		parallel.WithHistoryBytes(cfg.Pipeline.HistoryBytes),
		parallel.WithExchanger(exchanger),
		parallel.WithLogger(s.Logger),
	), nil
}

// Run computes the pieces cfg assigns to this process and writes their
// summary to s.Out.
func (s *RunContext) Run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(cfg)
	defer func() {
		if err := tracerProviderCloser(); err != nil {
			s.Logger.Error("failed to shut down tracing", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			s.Logger.Info(fmt.Sprintf("starting prometheus metrics server on '%s'", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Error("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				s.Logger.Error("failed to shut down prometheus metrics server", zap.Error(err))
			}
		}()
	}

	w, err := s.worker(cfg)
	if err != nil {
		return err
	}

	var reports []parallel.Report
	switch cfg.Controller.Transport {
	case "grpc":
		report, err := s.runRank(ctx, cfg, w)
		if err != nil {
			return err
		}
		reports = []parallel.Report{report}
	default:
		s.Logger.Info(fmt.Sprintf("running %d pieces in process", cfg.Controller.Pieces))
		if reports, err = parallel.RunLocal(ctx, cfg.Controller.Pieces, w); err != nil {
			return err
		}
	}

	return s.writeSummary(reports)
}

// runRank serves this rank's mailbox and runs its piece against the other
// ranks of cfg.
func (s *RunContext) runRank(ctx context.Context, cfg *config.Config, w *parallel.Worker) (parallel.Report, error) {
	mailbox := grpc.NewMailbox()
	defer mailbox.Close()

	lis, err := net.Listen("tcp", cfg.Controller.ListenAddr)
	if err != nil {
		return parallel.Report{}, fmt.Errorf("listen on %s: %w", cfg.Controller.ListenAddr, err)
	}
	server := grpc.NewServer(mailbox, s.Logger)
	go func() {
		s.Logger.Info(fmt.Sprintf("rank %d receiving on '%s'", cfg.Controller.Rank, lis.Addr()))
		if err := server.Serve(lis); err != nil {
			s.Logger.Error("mailbox server stopped", zap.Error(err))
		}
	}()
	defer server.GracefulStop()

	ctrl, err := grpc.NewController(grpc.Config{
		Rank:            cfg.Controller.Rank,
		Peers:           cfg.Controller.Peers,
		RetryMaxElapsed: cfg.Controller.RetryMaxElapsed,
		Logger:          s.Logger,
	}, mailbox)
	if err != nil {
		return parallel.Report{}, err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			s.Logger.Warn("failed to close peer connections", zap.Error(err))
		}
	}()

	return w.Run(ctx, ctrl)
}

func (s *RunContext) writeSummary(reports []parallel.Report) error {
	summary := make([]PieceSummary, len(reports))
	for i, r := range reports {
		summary[i] = PieceSummary{
			Rank:            r.Rank,
			Piece:           r.Piece.String(),
			Extent:          r.Extent.String(),
			Levels:          r.Levels,
			GhostMismatches: r.GhostMismatches,
			Sum:             r.Sum,
			ExchangeRunID:   r.Exchange.RunID,
			Peers:           r.Exchange.Peers,
			Duration:        r.Duration.String(),
		}
	}
	out, err := yaml.Marshal(summary)
	if err != nil {
		return err
	}
	if s.Out == nil {
		return nil
	}
	_, err = s.Out.Write(out)
	return err
}

// Package config contains all knobs and defaults used to configure a tessera
// pipeline run.
package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/tessera-io/tessera/pkg/array"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/translator"
)

const (
	DefaultWholeExtent          = "0:99,0:99"
	DefaultExpression           = "x + y"
	DefaultNativeDimensionality = 2
	DefaultHistoryBytes         = 64 << 20
	DefaultPieces               = 4
	DefaultGhostLevels          = 1
	DefaultTolerance            = 1e-6
	DefaultExchangeTimeout      = 60 * time.Second
	DefaultRetryMaxElapsed      = 30 * time.Second
)

// LogConfig defines log specific settings. For production we recommend using
// the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
	// SlowThreshold, when positive, only exports traces at least this long.
	SlowThreshold time.Duration
}

type OTLPTraceConfig struct {
	Endpoint string
}

// MetricConfig defines configurations for serving Prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// PipelineConfig describes the dataset every piece computes a part of.
type PipelineConfig struct {
	// WholeExtent is the full index space, e.g. "0:99,0:99".
	WholeExtent string
	Spacing     []float64
	Origin      []float64
	ElementType string
	Components  int

	// Expression is evaluated for every element, see the expression kernel.
	Expression           string
	NativeDimensionality int

	// SplitMode picks how pieces are cut: 'block', 'x-slab', 'y-slab' or 'z-slab'.
	SplitMode string

	// ReleasePolicy drops a source's buffer once a consumer retrieved it.
	ReleasePolicy bool

	// HistoryBytes bounds the snapshots kept to serve earlier extents without
	// recomputing. Zero disables the history.
	HistoryBytes int64
}

// ExchangeConfig defines the ghost exchange run after each piece is computed.
type ExchangeConfig struct {
	GhostLevels int
	Tolerance   float64

	// Timeout bounds every send and receive of the exchange. Zero waits forever.
	Timeout time.Duration

	BoundsPruning bool
}

// ControllerConfig defines how the pieces of a run reach each other.
type ControllerConfig struct {
	// Transport is 'local' to run every piece in this process or 'grpc' to run
	// one piece per process.
	Transport string

	// Pieces is the number of in-process pieces for the 'local' transport.
	Pieces int

	// Rank and Peers apply to the 'grpc' transport. Peers lists the address of
	// every rank, this one included, indexed by rank.
	Rank  int
	Peers []string

	ListenAddr      string
	RetryMaxElapsed time.Duration
}

type Config struct {
	Log        LogConfig
	Trace      TraceConfig
	Metrics    MetricConfig
	Pipeline   PipelineConfig
	Exchange   ExchangeConfig
	Controller ControllerConfig
}

// Verify returns the first problem found in cfg.
func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains([]string{"none", "debug", "info", "warn", "error", "panic", "fatal"}, cfg.Log.Level) {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return fmt.Errorf("config 'trace.sampleRatio' (%v) must be between 0 and 1", cfg.Trace.SampleRatio)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("config 'metrics.addr' must be set when metrics are enabled")
	}

	info, err := cfg.Information()
	if err != nil {
		return err
	}

	if cfg.Pipeline.NativeDimensionality < 0 || cfg.Pipeline.NativeDimensionality > info.WholeExtent.Axes {
		return fmt.Errorf("config 'pipeline.nativeDimensionality' (%d) must be between 0 and %d",
			cfg.Pipeline.NativeDimensionality, info.WholeExtent.Axes)
	}

	if _, err := translator.ParseMode(cfg.Pipeline.SplitMode); err != nil {
		return fmt.Errorf("config 'pipeline.splitMode': %w", err)
	}

	if cfg.Pipeline.HistoryBytes < 0 {
		return errors.New("config 'pipeline.historyBytes' must be non-negative")
	}

	if cfg.Exchange.GhostLevels < 0 {
		return errors.New("config 'exchange.ghostLevels' must be non-negative")
	}

	if cfg.Exchange.Tolerance < 0 {
		return errors.New("config 'exchange.tolerance' must be non-negative")
	}

	if cfg.Exchange.Timeout < 0 {
		return errors.New("config 'exchange.timeout' must be non-negative time duration")
	}

	switch cfg.Controller.Transport {
	case "local":
		if cfg.Controller.Pieces < 1 {
			return fmt.Errorf("config 'controller.pieces' (%d) must be at least 1", cfg.Controller.Pieces)
		}
	case "grpc":
		if len(cfg.Controller.Peers) == 0 {
			return errors.New("config 'controller.peers' must list every rank for the 'grpc' transport")
		}
		if cfg.Controller.Rank < 0 || cfg.Controller.Rank >= len(cfg.Controller.Peers) {
			return fmt.Errorf("config 'controller.rank' (%d) must be between 0 and %d",
				cfg.Controller.Rank, len(cfg.Controller.Peers)-1)
		}
		if cfg.Controller.ListenAddr == "" {
			return errors.New("config 'controller.listenAddr' must be set for the 'grpc' transport")
		}
		if cfg.Controller.RetryMaxElapsed < 0 {
			return errors.New("config 'controller.retryMaxElapsed' must be non-negative time duration")
		}
	default:
		return fmt.Errorf("config 'controller.transport' must be one of ['local', 'grpc']")
	}

	return nil
}

// Information builds the dataset description from the pipeline settings.
func (cfg *Config) Information() (extent.Information, error) {
	whole, err := extent.Parse(cfg.Pipeline.WholeExtent)
	if err != nil {
		return extent.Information{}, fmt.Errorf("config 'pipeline.wholeExtent': %w", err)
	}
	if whole.IsEmpty() {
		return extent.Information{}, fmt.Errorf("config 'pipeline.wholeExtent' must not be empty")
	}

	info := extent.NewInformation(whole)
	if len(cfg.Pipeline.Spacing) > whole.Axes || len(cfg.Pipeline.Origin) > whole.Axes {
		return extent.Information{}, fmt.Errorf("config 'pipeline.spacing' and 'pipeline.origin' take at most %d values", whole.Axes)
	}
	copy(info.Spacing[:], cfg.Pipeline.Spacing)
	copy(info.Origin[:], cfg.Pipeline.Origin)

	if info.ElementType, err = array.ParseType(cfg.Pipeline.ElementType); err != nil {
		return extent.Information{}, fmt.Errorf("config 'pipeline.elementType': %w", err)
	}
	info.Components = cfg.Pipeline.Components

	if err := info.Validate(); err != nil {
		return extent.Information{}, fmt.Errorf("config 'pipeline': %w", err)
	}
	return info, nil
}

// DefaultConfig returns the settings of a four piece in-process run over a
// 100x100 grid with one ghost level.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "tessera",
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    "0.0.0.0:2112",
		},
		Pipeline: PipelineConfig{
			WholeExtent:          DefaultWholeExtent,
			Spacing:              []float64{},
			Origin:               []float64{},
			ElementType:          array.Float64.String(),
			Components:           1,
			Expression:           DefaultExpression,
			NativeDimensionality: DefaultNativeDimensionality,
			SplitMode:            translator.Block.String(),
			ReleasePolicy:        true,
			HistoryBytes:         DefaultHistoryBytes,
		},
		Exchange: ExchangeConfig{
			GhostLevels:   DefaultGhostLevels,
			Tolerance:     DefaultTolerance,
			Timeout:       DefaultExchangeTimeout,
			BoundsPruning: true,
		},
		Controller: ControllerConfig{
			Transport:       "local",
			Pieces:          DefaultPieces,
			Peers:           []string{},
			ListenAddr:      "0.0.0.0:8090",
			RetryMaxElapsed: DefaultRetryMaxElapsed,
		},
	}
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it returns the port and a function that releases the port.
// It is the responsibility of the caller to call the release function right before trying to listen on the given port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tessera-io/tessera/pkg/array"
	"github.com/tessera-io/tessera/pkg/extent"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Verify())

	info, err := cfg.Information()
	require.NoError(t, err)
	require.Equal(t, extent.MustParse("0:99,0:99"), info.WholeExtent)
	require.Equal(t, array.Float64, info.ElementType)
	require.Equal(t, [extent.MaxAxes]float64{1, 1, 1, 1}, info.Spacing)
}

func TestInformationTakesSpacingAndOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.WholeExtent = "0:9,0:9,0:4"
	cfg.Pipeline.Spacing = []float64{0.5, 2}
	cfg.Pipeline.Origin = []float64{0, 0, -1}
	cfg.Pipeline.ElementType = "int16"
	cfg.Pipeline.Components = 3

	info, err := cfg.Information()
	require.NoError(t, err)
	require.Equal(t, [extent.MaxAxes]float64{0.5, 2, 1, 1}, info.Spacing)
	require.Equal(t, [extent.MaxAxes]float64{0, 0, -1, 0}, info.Origin)
	require.Equal(t, array.Int16, info.ElementType)
	require.Equal(t, 3, info.Components)
}

func TestVerifyConfig(t *testing.T) {
	tests := map[string]struct {
		mutate func(*Config)
		err    string
	}{
		`log_format`: {
			mutate: func(c *Config) { c.Log.Format = "xml" },
			err:    "config 'log.format' must be one of ['text', 'json']",
		},
		`log_level`: {
			mutate: func(c *Config) { c.Log.Level = "loud" },
			err:    "config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		},
		`timestamp_format`: {
			mutate: func(c *Config) { c.Log.TimestampFormat = "RFC822" },
			err:    "config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']",
		},
		`sample_ratio`: {
			mutate: func(c *Config) { c.Trace.Enabled, c.Trace.SampleRatio = true, 1.5 },
			err:    "config 'trace.sampleRatio' (1.5) must be between 0 and 1",
		},
		`metrics_addr`: {
			mutate: func(c *Config) { c.Metrics.Enabled, c.Metrics.Addr = true, "" },
			err:    "config 'metrics.addr' must be set when metrics are enabled",
		},
		`empty_whole_extent`: {
			mutate: func(c *Config) { c.Pipeline.WholeExtent = "empty/2" },
			err:    "config 'pipeline.wholeExtent' must not be empty",
		},
		`too_much_spacing`: {
			mutate: func(c *Config) { c.Pipeline.Spacing = []float64{1, 1, 1} },
			err:    "config 'pipeline.spacing' and 'pipeline.origin' take at most 2 values",
		},
		`components`: {
			mutate: func(c *Config) { c.Pipeline.Components = 0 },
			err:    "config 'pipeline': component count must be positive, got 0",
		},
		`native_dimensionality`: {
			mutate: func(c *Config) { c.Pipeline.NativeDimensionality = 3 },
			err:    "config 'pipeline.nativeDimensionality' (3) must be between 0 and 2",
		},
		`split_mode`: {
			mutate: func(c *Config) { c.Pipeline.SplitMode = "diagonal" },
			err:    `config 'pipeline.splitMode': unknown split mode "diagonal"`,
		},
		`history_bytes`: {
			mutate: func(c *Config) { c.Pipeline.HistoryBytes = -1 },
			err:    "config 'pipeline.historyBytes' must be non-negative",
		},
		`ghost_levels`: {
			mutate: func(c *Config) { c.Exchange.GhostLevels = -1 },
			err:    "config 'exchange.ghostLevels' must be non-negative",
		},
		`tolerance`: {
			mutate: func(c *Config) { c.Exchange.Tolerance = -1 },
			err:    "config 'exchange.tolerance' must be non-negative",
		},
		`exchange_timeout`: {
			mutate: func(c *Config) { c.Exchange.Timeout = -time.Second },
			err:    "config 'exchange.timeout' must be non-negative time duration",
		},
		`transport`: {
			mutate: func(c *Config) { c.Controller.Transport = "carrier-pigeon" },
			err:    "config 'controller.transport' must be one of ['local', 'grpc']",
		},
		`local_pieces`: {
			mutate: func(c *Config) { c.Controller.Pieces = 0 },
			err:    "config 'controller.pieces' (0) must be at least 1",
		},
		`grpc_without_peers`: {
			mutate: func(c *Config) { c.Controller.Transport = "grpc" },
			err:    "config 'controller.peers' must list every rank for the 'grpc' transport",
		},
		`grpc_rank_out_of_range`: {
			mutate: func(c *Config) {
				c.Controller.Transport = "grpc"
				c.Controller.Peers = []string{"a:1", "b:1"}
				c.Controller.Rank = 2
			},
			err: "config 'controller.rank' (2) must be between 0 and 1",
		},
		`grpc_listen_addr`: {
			mutate: func(c *Config) {
				c.Controller.Transport = "grpc"
				c.Controller.Peers = []string{"a:1"}
				c.Controller.ListenAddr = ""
			},
			err: "config 'controller.listenAddr' must be set for the 'grpc' transport",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)
			require.EqualError(t, cfg.Verify(), test.err)
		})
	}
}

func TestVerifyRejectsUnparseableValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.WholeExtent = "0-99"
	require.ErrorIs(t, cfg.Verify(), extent.ErrInvalidExtent)

	cfg = DefaultConfig()
	cfg.Pipeline.ElementType = "complex128"
	require.ErrorIs(t, cfg.Verify(), array.ErrUnknownType)
}

func TestTCPRandomPort(t *testing.T) {
	port, release := TCPRandomPort()
	defer release()
	require.Positive(t, port)
}

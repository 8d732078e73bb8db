package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tessera-io/tessera/cmd/util"
)

// configKeys maps every run flag to the config value it sets.
var configKeys = map[string]string{
	"log-format":           "log.format",
	"log-level":            "log.level",
	"log-timestamp-format": "log.timestampFormat",

	"trace-enabled":        "trace.enabled",
	"trace-otlp-endpoint":  "trace.otlp.endpoint",
	"trace-sample-ratio":   "trace.sampleRatio",
	"trace-service-name":   "trace.serviceName",
	"trace-slow-threshold": "trace.slowThreshold",

	"metrics-enabled": "metrics.enabled",
	"metrics-addr":    "metrics.addr",

	"whole-extent":          "pipeline.wholeExtent",
	"spacing":               "pipeline.spacing",
	"origin":                "pipeline.origin",
	"element-type":          "pipeline.elementType",
	"components":            "pipeline.components",
	"expression":            "pipeline.expression",
	"native-dimensionality": "pipeline.nativeDimensionality",
	"split-mode":            "pipeline.splitMode",
	"release-policy":        "pipeline.releasePolicy",
	"history-bytes":         "pipeline.historyBytes",

	"ghost-levels":     "exchange.ghostLevels",
	"tolerance":        "exchange.tolerance",
	"exchange-timeout": "exchange.timeout",
	"bounds-pruning":   "exchange.boundsPruning",

	"transport":         "controller.transport",
	"pieces":            "controller.pieces",
	"rank":              "controller.rank",
	"peers":             "controller.peers",
	"listen-addr":       "controller.listenAddr",
	"retry-max-elapsed": "controller.retryMaxElapsed",
}

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		for flag, key := range configKeys {
			util.MustBindPFlag(key, flags.Lookup(flag))
			util.MustBindEnv(key, util.EnvName(flag))
		}
	}
}

// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tessera-io/tessera/cmd/util"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with TESSERA, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(util.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/tessera", "$HOME/.tessera", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "tessera",
		Short: "Compute large gridded datasets piece by piece and stitch the pieces with ghost layers",
		Long: `Compute large gridded datasets piece by piece and stitch the pieces with ghost layers.

Tessera evaluates a pipeline only over the extent a consumer asks for, caches the
result, splits the whole extent into pieces for parallel runs and exchanges the
boundary elements neighbouring pieces need.`,
		SilenceUsage: true,
	}
}

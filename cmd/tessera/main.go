package main

import (
	"os"

	"github.com/tessera-io/tessera/cmd"
	"github.com/tessera-io/tessera/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	splitCmd := cmd.NewSplitCommand()
	rootCmd.AddCommand(splitCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

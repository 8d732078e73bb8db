package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvName(t *testing.T) {
	require.Equal(t, "TESSERA_GHOST_LEVELS", EnvName("ghost-levels"))
	require.Equal(t, "TESSERA_RANK", EnvName("rank"))
}

func TestPrepareTempConfigFile(t *testing.T) {
	PrepareTempConfigFile(t, "log:\n  level: debug\n")

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(home, ".tessera", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "log:\n  level: debug\n", string(b))
}

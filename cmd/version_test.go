package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd := NewVersionCommand()
	versionCmd.SetOut(&out)
	versionCmd.SetArgs([]string{})
	require.NoError(t, versionCmd.Execute())
	require.Equal(t, "tessera version dev date unknown commit id none\n", out.String())
}

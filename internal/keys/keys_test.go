package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-io/tessera/pkg/extent"
)

func TestExtentKey(t *testing.T) {
	a := extent.New(2, 0, 99, 0, 49)
	require.Equal(t, ExtentKey(a), ExtentKey(extent.MustParse("0:99,0:49")))
	require.NotEqual(t, ExtentKey(a), ExtentKey(extent.New(2, 0, 49, 0, 99)))
	require.NotEqual(t, ExtentKey(extent.New(1, 0, 9)), ExtentKey(extent.New(2, 0, 9, 0, 0)))

	require.Equal(t, ExtentKey(extent.Empty(2)), ExtentKey(extent.New(2, 5, 1, 0, 3)))
	require.NotEqual(t, ExtentKey(extent.Empty(2)), ExtentKey(extent.Empty(3)))
}

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfoString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "v1.2.0", Info{Version: "v1.2.0"}.String())
	require.Equal(t, "v1.2.0 (0123456789ab)", Info{Version: "v1.2.0", Commit: "0123456789abcdef"}.String())
	require.Equal(t, "devel (abc+dirty)", Info{Version: "devel", Commit: "abc", Modified: true}.String())
}

func TestResolveNeverEmpty(t *testing.T) {
	t.Parallel()
	require.NotEmpty(t, Resolve().Version)
}

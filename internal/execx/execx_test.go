package execx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStreamsAndExitCode(t *testing.T) {
	t.Parallel()

	res, err := RunShell(context.Background(), Options{Dir: t.TempDir()},
		"echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stderr, "err")
	assert.False(t, res.TimedOut)
}

func TestRunTimesOut(t *testing.T) {
	t.Parallel()

	start := time.Now()
	res, err := RunShell(context.Background(), Options{Timeout: 50 * time.Millisecond},
		"sleep 5")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunBoundsOutput(t *testing.T) {
	t.Parallel()

	res, err := RunShell(context.Background(), Options{MaxOutputBytes: 64},
		"yes x | head -c 4096")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 64+len("\n[output truncated]"))
	assert.True(t, strings.HasSuffix(res.Stdout, "[output truncated]"))
}

func TestRunSpawnFailure(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), Options{}, "/nonexistent/binary-xyz")
	require.Error(t, err)
}

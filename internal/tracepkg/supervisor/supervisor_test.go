package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChildCloseTerminatesRunningChild(t *testing.T) {
	c, err := Start(context.Background(), "sleep", []string{"30"}, Options{})
	require.NoError(t, err)
	require.False(t, c.Exited())
	require.NoError(t, c.Close())
	_, ok := c.Wait(2 * time.Second)
	require.True(t, ok)
}

func TestChildCloseNoopWhenAlreadyExited(t *testing.T) {
	c, err := Start(context.Background(), "true", nil, Options{})
	require.NoError(t, err)
	_, ok := c.Wait(2 * time.Second)
	require.True(t, ok)
	require.NoError(t, c.Close())
}

func TestPeriodicTicksAndStops(t *testing.T) {
	var n int32
	p := StartPeriodic(10*time.Millisecond, func() { atomic.AddInt32(&n, 1) })
	time.Sleep(55 * time.Millisecond)
	p.Stop()
	require.GreaterOrEqual(t, atomic.LoadInt32(&n), int32(2))
}

func TestTimeoutReachedAfterDuration(t *testing.T) {
	to := StartTimeout(20 * time.Millisecond)
	require.False(t, to.Reached())
	time.Sleep(40 * time.Millisecond)
	require.True(t, to.Reached())
}

func TestTimeoutZeroMeansNone(t *testing.T) {
	to := StartTimeout(0)
	time.Sleep(10 * time.Millisecond)
	require.False(t, to.Reached())
}

func TestTeeForwardsLines(t *testing.T) {
	src := strings.NewReader("line1\nline2\n")
	var dst bytes.Buffer
	tee := StartTee(src, &dst, nil)
	require.NoError(t, tee.Wait())
	require.Equal(t, "line1\nline2\n", dst.String())
}

package shell

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	l := logrus.New()
	l.Out = io.Discard
	SetLogger(logrus.NewEntry(l))
}

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	c := NewChannel(Config{Command: []string{"sh"}, DefaultTimeout: 2 * time.Second})
	t.Cleanup(c.Close)
	return c
}

func TestExecuteReturnsOutput(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	out, err := c.Execute(ctx, "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
	assert.True(t, c.IsHealthy())
	assert.False(t, c.LastSuccess().IsZero())
}

func TestExecuteSequentialCommandsDoNotBleed(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	for i, word := range []string{"one", "two", "three"} {
		out, err := c.Execute(ctx, "echo "+word, 0)
		require.NoError(t, err, "command %d", i)
		assert.Equal(t, word+"\n", out)
	}
}

func TestExecuteFragmentedOutput(t *testing.T) {
	c := newTestChannel(t)

	out, err := c.Execute(context.Background(), "printf 'a'; sleep 0.05; printf 'b\\n'; sleep 0.05; echo c", 0)
	require.NoError(t, err)
	assert.Equal(t, "ab\nc\n", out)
}

func TestExecuteNoOutput(t *testing.T) {
	c := newTestChannel(t)

	out, err := c.Execute(context.Background(), "true", 0)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestTimeoutsRestartSession(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	_, err := c.Execute(ctx, "true", 0)
	require.NoError(t, err)
	first := c.SessionID()
	require.NotEmpty(t, first)

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, err := c.Execute(ctx, "sleep 1", 20*time.Millisecond)
		assert.True(t, errors.Is(err, ErrTimeout), "attempt %d: %v", i, err)
	}
	assert.False(t, c.IsHealthy())

	out, err := c.Execute(ctx, "echo back", 0)
	require.NoError(t, err)
	assert.Equal(t, "back\n", out)
	assert.NotEqual(t, first, c.SessionID())
	assert.Equal(t, 0, c.Failures())
}

func TestStaleOutputIsDropped(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	_, err := c.Execute(ctx, "sleep 0.2; echo late", 20*time.Millisecond)
	require.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 1, c.Failures())

	out, err := c.Execute(ctx, "echo fresh", 0)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", out)
	assert.Equal(t, 0, c.Failures())
}

func TestShellExitIsBrokenPipe(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	_, err := c.Execute(ctx, "exit 0", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrokenPipe), "got %v", err)

	out, err := c.Execute(ctx, "echo again", 0)
	require.NoError(t, err)
	assert.Equal(t, "again\n", out)
}

func TestElevationDenied(t *testing.T) {
	c := NewChannel(Config{Command: []string{"/nonexistent/su"}})
	defer c.Close()

	assert.False(t, c.EnsureOpen(context.Background()))
	assert.ErrorIs(t, c.Open(context.Background()), ErrElevationDenied)
	_, err := c.Execute(context.Background(), "id", 0)
	assert.True(t, errors.Is(err, ErrElevationDenied))
}

func TestVerifyRootRejectsUnprivilegedShell(t *testing.T) {
	c := NewChannel(Config{Command: []string{"sh", "-c", "while read l; do case $l in id) echo uid=1000;; *) eval \"$l\";; esac; done"}, VerifyRoot: true})
	defer c.Close()

	assert.False(t, c.EnsureOpen(context.Background()))
	assert.Empty(t, c.SessionID())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestChannel(t)
	require.True(t, c.EnsureOpen(context.Background()))
	c.Close()
	c.Close()
	assert.Empty(t, c.SessionID())
	assert.False(t, c.IsHealthy())
}

func TestMarkersAreUnique(t *testing.T) {
	c := NewChannel(Config{Command: []string{"sh"}})
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		m := c.nextMarker()
		require.False(t, seen[m])
		require.True(t, strings.HasPrefix(m, DefaultMarker))
		seen[m] = true
	}
}

type sessionCounter struct {
	opened, closed atomic.Int32
}

func (c *sessionCounter) CommandDone(time.Duration, error) {}
func (c *sessionCounter) SessionOpened()                   { c.opened.Add(1) }
func (c *sessionCounter) SessionClosed(string)             { c.closed.Add(1) }

func TestCancelledExecuteStartsNoShell(t *testing.T) {
	obs := &sessionCounter{}
	c := NewChannel(Config{Command: []string{"sh"}, DefaultTimeout: 2 * time.Second, Observer: obs})
	t.Cleanup(c.Close)

	require.True(t, c.EnsureOpen(context.Background()))
	c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 9; i++ {
		_, err := c.Execute(ctx, "echo late", 0)
		assert.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, int32(1), obs.opened.Load())
	assert.Equal(t, int32(1), obs.closed.Load())
	assert.Empty(t, c.SessionID())
	assert.Zero(t, c.Failures(), "a cancelled caller is not a channel failure")
}

func TestCancelledExecuteLeavesSessionUsable(t *testing.T) {
	c := newTestChannel(t)
	require.True(t, c.EnsureOpen(context.Background()))
	id := c.SessionID()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Execute(ctx, "echo late", 0)
	require.ErrorIs(t, err, context.Canceled)

	out, err := c.Execute(context.Background(), "echo ok", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	assert.Equal(t, id, c.SessionID())
}

func TestSessionCloseGivesUpOnUnkillableShell(t *testing.T) {
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	defer inR.Close()
	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	defer outW.Close()

	// No process handle and an exit that never arrives, like a setuid su
	// that ignores exit and cannot be signalled.
	s := &session{
		cmd:    &exec.Cmd{},
		stdin:  inW,
		stdout: outR,
		chunks: make(chan []byte),
		exited: make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		s.close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(exitWait + killWait + 2*time.Second):
		t.Fatal("close blocked on a shell that never exits")
	}
}

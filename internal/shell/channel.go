// Package shell runs OS commands through one long-lived elevated shell.
//
// A shell is an opaque text pipe, so every command is followed by an echo of
// a unique marker; everything read before the marker is the command's output.
// At most one command is in flight at a time.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrElevationDenied means no elevated shell could be obtained.
	ErrElevationDenied = errors.New("shell: elevation denied")

	// ErrTimeout means the marker did not arrive before the deadline.
	ErrTimeout = errors.New("shell: command timed out")

	// ErrBrokenPipe means the shell died or its pipes failed mid-command.
	ErrBrokenPipe = errors.New("shell: broken pipe")
)

const (
	DefaultMarker           = "___END___"
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
)

var shellLog = logrus.WithField("source", "shell")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	shellLog = entry.WithField("source", "shell")
}

// Executor runs one command line and returns its standard output.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// Observer receives channel events, e.g. for metrics.
type Observer interface {
	CommandDone(d time.Duration, err error)
	SessionOpened()
	SessionClosed(reason string)
}

type nullObserver struct{}

func (nullObserver) CommandDone(time.Duration, error) {}
func (nullObserver) SessionOpened()                   {}
func (nullObserver) SessionClosed(string)             {}

// Config controls how the elevated shell is started and supervised.
type Config struct {
	// Command is the argv used to start the shell. Defaults to DefaultCommand().
	Command []string

	// VerifyRoot runs "id" right after start and rejects the shell unless
	// it reports uid=0.
	VerifyRoot bool

	DefaultTimeout   time.Duration
	FailureThreshold int
	Marker           string
	Observer         Observer
}

func (c *Config) applyDefaults() {
	if len(c.Command) == 0 {
		c.Command = DefaultCommand()
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Marker == "" {
		c.Marker = DefaultMarker
	}
	if c.Observer == nil {
		c.Observer = nullObserver{}
	}
}

// Channel owns the single elevated shell session.
type Channel struct {
	cfg Config

	mu       sync.Mutex
	sess     *session
	failures int

	lastToken   int64
	lastSuccess atomic.Int64
	epoch       time.Time
}

// NewChannel returns a channel; the shell starts lazily on first use.
func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{cfg: cfg, epoch: time.Now()}
}

// EnsureOpen starts the shell if none is alive. It returns false when the
// platform refuses elevation.
func (c *Channel) EnsureOpen(ctx context.Context) bool {
	return c.Open(ctx) == nil
}

// Open is EnsureOpen reporting why elevation failed; the error wraps
// ErrElevationDenied.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ctx)
}

// Execute runs command and returns everything it printed before the marker.
// On timeout the partial output is returned together with ErrTimeout.
func (c *Channel) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A caller that already gave up must not start a shell or write to one.
	// This is not a channel failure.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if c.failures >= c.cfg.FailureThreshold {
		shellLog.WithField("failures", c.failures).Warn("too many consecutive failures, restarting shell")
		c.closeLocked("failure threshold")
	}
	if err := c.openLocked(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	out, err := c.executeLocked(ctx, command, timeout)
	c.cfg.Observer.CommandDone(time.Since(start), err)
	return out, err
}

// IsHealthy reports whether a shell is alive and under the failure threshold.
func (c *Channel) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.alive() && c.failures < c.cfg.FailureThreshold
}

// LastSuccess returns when a command last completed, or the zero time.
func (c *Channel) LastSuccess() time.Time {
	ns := c.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SessionID identifies the current shell process; it changes on every restart.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Failures returns the consecutive failure count.
func (c *Channel) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Close sends exit, closes both pipes and kills the shell. It is idempotent,
// and a later Execute starts a new shell.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked("shutdown")
}

func (c *Channel) openLocked(ctx context.Context) error {
	if c.sess != nil {
		if c.sess.alive() {
			return nil
		}
		c.closeLocked("shell exited")
	}

	s, err := startSession(c.cfg.Command)
	if err != nil {
		shellLog.WithError(err).WithField("command", strings.Join(c.cfg.Command, " ")).Error("failed to start shell")
		return fmt.Errorf("%w: %v", ErrElevationDenied, err)
	}
	c.sess = s
	c.failures = 0
	c.lastSuccess.Store(time.Now().UnixNano())
	c.cfg.Observer.SessionOpened()
	shellLog.WithFields(logrus.Fields{
		"session": s.id,
		"pid":     s.pid(),
	}).Info("shell started")

	if c.cfg.VerifyRoot {
		out, err := c.executeLocked(ctx, "id", c.cfg.DefaultTimeout)
		if err != nil || !strings.Contains(out, "uid=0") {
			shellLog.WithField("output", strings.TrimSpace(out)).Error("shell is not privileged")
			c.closeLocked("not privileged")
			return ErrElevationDenied
		}
	}
	return nil
}

func (c *Channel) closeLocked(reason string) {
	if c.sess == nil {
		return
	}
	c.sess.close()
	shellLog.WithFields(logrus.Fields{
		"session": c.sess.id,
		"reason":  reason,
	}).Info("shell closed")
	c.sess = nil
	c.failures = 0
	c.cfg.Observer.SessionClosed(reason)
}

// nextMarker returns a marker carrying a strictly increasing token.
func (c *Channel) nextMarker() string {
	token := time.Since(c.epoch).Nanoseconds()
	if token <= c.lastToken {
		token = c.lastToken + 1
	}
	c.lastToken = token
	return c.cfg.Marker + strconv.FormatInt(token, 10)
}

func (c *Channel) executeLocked(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s := c.sess
	marker := c.nextMarker()
	s.discardPending(c.cfg.Marker)

	if err := s.write(command + "\necho '" + marker + "'\n"); err != nil {
		c.failures++
		shellLog.WithError(err).Warn("write failed, closing shell")
		c.closeLocked("write failed")
		return "", fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	want := []byte(marker)
	for {
		if out, ok := s.takeUntil(want, c.cfg.Marker); ok {
			c.failures = 0
			c.lastSuccess.Store(time.Now().UnixNano())
			return out, nil
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				c.failures++
				err := s.readError()
				shellLog.WithError(err).Warn("read failed, closing shell")
				c.closeLocked("read failed")
				return "", fmt.Errorf("%w: %v", ErrBrokenPipe, err)
			}
			s.pending.Write(chunk)
		case <-timer.C:
			return c.abandon(command, s, ErrTimeout)
		case <-ctx.Done():
			return c.abandon(command, s, ctx.Err())
		}
	}
}

// abandon gives up waiting for the marker. The command may still be running
// inside the shell, which is why the failure counts toward a restart.
func (c *Channel) abandon(command string, s *session, cause error) (string, error) {
	c.failures++
	partial := s.pending.String()
	shellLog.WithFields(logrus.Fields{
		"command":  truncate(command, 80),
		"partial":  len(partial),
		"failures": c.failures,
	}).WithError(cause).Warn("command abandoned")
	if c.failures >= c.cfg.FailureThreshold {
		c.closeLocked("failure threshold")
	}
	return partial, cause
}

// takeUntil consumes pending output up to marker. Stale output from an
// earlier timed-out command, which ends with an older marker, is dropped.
func (s *session) takeUntil(marker []byte, sentinel string) (string, bool) {
	buf := s.pending.Bytes()
	idx := bytes.Index(buf, marker)
	if idx < 0 {
		return "", false
	}
	out := buf[:idx]
	if stale := bytes.LastIndex(out, []byte(sentinel)); stale >= 0 {
		if nl := bytes.IndexByte(out[stale:], '\n'); nl >= 0 {
			out = out[stale+nl+1:]
		} else {
			out = nil
		}
	}
	result := string(out)

	rest := buf[idx+len(marker):]
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = nil
	}
	remaining := append([]byte(nil), rest...)
	s.pending.Reset()
	s.pending.Write(remaining)
	return result, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package frames estimates a target's frame rate from SurfaceFlinger layer
// latency dumps.
package frames

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/shell"
)

const (
	// MinTimestamps is the fewest valid present times worth evaluating.
	MinTimestamps = 10
	// MinContinuous is the shortest run of frames that yields a rate.
	MinContinuous = 5
	// MaxGap breaks a run of frames.
	MaxGap = 100 * time.Millisecond
	// MaxFPS bounds plausible results.
	MaxFPS = 240

	listTimeout    = 2 * time.Second
	latencyTimeout = 2 * time.Second

	// timestamps at or above this are SurfaceFlinger's "pending" marker.
	pendingFence = int64(9_000_000_000_000_000_000)
)

var framesLog = logrus.WithField("source", "frames")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	framesLog = entry.WithField("source", "frames")
}

// Sampler reports the frame rate of one identity's visible layer. When a
// dump yields nothing usable the last good rate is returned.
type Sampler struct {
	exec shell.Executor

	mu       sync.Mutex
	identity string
	last     int
}

// NewSampler returns a sampler that runs dumpsys on ex.
func NewSampler(ex shell.Executor) *Sampler {
	return &Sampler{exec: ex}
}

// Sample returns the current frame rate of identity, or the last good one.
func (s *Sampler) Sample(ctx context.Context, identity string) (int, error) {
	s.mu.Lock()
	if identity != s.identity {
		s.identity, s.last = identity, 0
	}
	s.mu.Unlock()

	fps, err := s.measure(ctx, identity)

	s.mu.Lock()
	defer s.mu.Unlock()
	if identity != s.identity {
		return 0, err
	}
	if fps > 0 {
		s.last = fps
	}
	return s.last, err
}

// Last returns the last good rate.
func (s *Sampler) Last() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sampler) measure(ctx context.Context, identity string) (int, error) {
	if identity == "" {
		return 0, nil
	}
	list, err := s.exec.Execute(ctx, "dumpsys SurfaceFlinger --list 2>/dev/null", listTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "list layers")
	}
	layer := SelectLayer(list, identity)
	if layer == "" {
		framesLog.WithField("identity", identity).Trace("no layer found")
		return 0, nil
	}
	out, err := s.exec.Execute(ctx, "dumpsys SurfaceFlinger --latency "+shell.Quote(layer)+" 2>/dev/null", latencyTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "latency of %s", layer)
	}
	fps, ok := FPS(ParseLatency(out))
	if !ok {
		return 0, nil
	}
	return fps, nil
}

// SelectLayer picks identity's layer from a --list dump: a BLAST surface
// first, then any SurfaceView, then a window layer that is not a
// background, bounds, task or activity record container.
func SelectLayer(list, identity string) string {
	lines := strings.Split(list, "\n")
	pick := func(keep func(string) bool) string {
		for _, l := range lines {
			if strings.Contains(l, identity) && keep(l) {
				return LayerName(l)
			}
		}
		return ""
	}
	if name := pick(func(l string) bool { return strings.Contains(l, "BLAST") }); name != "" {
		return name
	}
	if name := pick(func(l string) bool { return strings.Contains(l, "SurfaceView[") }); name != "" {
		return name
	}
	return pick(func(l string) bool {
		for _, skip := range []string{"Background", "Bounds", "Task", "ActivityRecord"} {
			if strings.Contains(l, skip) {
				return false
			}
		}
		return true
	})
}

// LayerName extracts the layer name from a --list line. Newer builds print
// "RequestedLayerState{Name#12 parentId=...}", older ones the bare name.
func LayerName(line string) string {
	start := strings.IndexByte(line, '{')
	if start < 0 {
		return strings.TrimSpace(line)
	}
	rest := line[start+1:]
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		end = strings.IndexByte(rest, '}')
	}
	if end < 0 {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(rest[:end])
}

// ParseLatency returns the desired-present timestamps of a --latency dump.
// The first line holds the refresh period and is skipped.
func ParseLatency(out string) []int64 {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil
	}
	ts := make([]int64, 0, len(lines)-1)
	for _, l := range lines[1:] {
		fields := strings.Fields(l)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || v <= 0 || v >= pendingFence {
			continue
		}
		ts = append(ts, v)
	}
	return ts
}

// FPS measures the newest continuous run of frames in ts (nanoseconds,
// ascending). A run ends at the first gap that is not positive or is at
// least MaxGap.
func FPS(ts []int64) (int, bool) {
	if len(ts) < MinTimestamps {
		return 0, false
	}
	end := ts[len(ts)-1]
	start := end
	count := 1
	for i := len(ts) - 2; i >= 0; i-- {
		gap := ts[i+1] - ts[i]
		if gap <= 0 || gap >= int64(MaxGap) {
			break
		}
		count++
		start = ts[i]
	}
	if count < MinContinuous || end <= start {
		return 0, false
	}
	fps := float64(count-1) * float64(time.Second) / float64(end-start)
	if fps <= 0 || fps > MaxFPS {
		return 0, false
	}
	return int(math.Round(fps)), true
}

// Rating buckets a frame rate for display.
func Rating(fps int) string {
	switch {
	case fps <= 0:
		return "none"
	case fps >= 55:
		return "smooth"
	case fps >= 40:
		return "fair"
	default:
		return "poor"
	}
}

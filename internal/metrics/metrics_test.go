package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/threadpin/internal/enforcer"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/shell"
)

func init() {
	l := logrus.New()
	l.Out = io.Discard
	SetLogger(logrus.NewEntry(l))
}

func TestChannelMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelHealthy))

	m.CommandDone(10*time.Millisecond, nil)
	m.CommandDone(5*time.Second, errors.Wrap(shell.ErrTimeout, "sleep"))
	m.CommandDone(time.Millisecond, shell.ErrBrokenPipe)
	m.CommandDone(time.Millisecond, context.Canceled)
	m.CommandDone(time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("broken_pipe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commandLatency))

	m.SessionClosed("failure threshold")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.channelHealthy))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionResets.WithLabelValues("failure threshold")))
}

func TestCycleMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CycleDone(enforcer.CycleReport{Applied: 3, Failed: 1, TuningFailed: 2, TargetPID: 4242, Duration: 20 * time.Millisecond})
	m.CycleDone(enforcer.CycleReport{Applied: 1, TargetSkipped: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushes.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tuningFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.targetPID))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.targetSkipped))
}

func TestSnapshotMetrics(t *testing.T) {
	m := New(nil)
	m.SnapshotTaken(model.Snapshot{FPS: 60, OverallCPU: 42.5, PerCoreFreq: []int{1800, 2400}})

	assert.Equal(t, 60.0, testutil.ToFloat64(m.fps))
	assert.Equal(t, 42.5, testutil.ToFloat64(m.overallCPU))
	assert.Equal(t, 2400.0, testutil.ToFloat64(m.coreFreq.WithLabelValues("1")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CycleDone(enforcer.CycleReport{Applied: 2})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `threadpin_affinity_pushes_total{result="ok"} 2`), body)
	assert.Contains(t, body, "threadpin_enforcement_cycles_total 1")
}

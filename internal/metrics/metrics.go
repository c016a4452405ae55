// Package metrics exposes channel and enforcement counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/enforcer"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/shell"
)

const namespace = "threadpin"

var metricsLog = logrus.WithField("source", "metrics")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	metricsLog = entry.WithField("source", "metrics")
}

// Metrics implements shell.Observer and enforcer.Observer.
type Metrics struct {
	commands       *prometheus.CounterVec
	commandLatency prometheus.Histogram
	sessionsOpened prometheus.Counter
	sessionResets  *prometheus.CounterVec
	channelHealthy prometheus.Gauge
	cycles         prometheus.Counter
	cycleDuration  prometheus.Histogram
	pushes         *prometheus.CounterVec
	tuningFailures prometheus.Counter
	targetPID      prometheus.Gauge
	targetSkipped  prometheus.Counter
	fps            prometheus.Gauge
	overallCPU     prometheus.Gauge
	coreFreq       *prometheus.GaugeVec
	gatherer       prometheus.Gatherer
}

var (
	_ shell.Observer    = (*Metrics)(nil)
	_ enforcer.Observer = (*Metrics)(nil)
)

// New registers every collector on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_commands_total",
			Help:      "Commands run on the privileged channel by result.",
		}, []string{"result"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_command_seconds",
			Help:      "Privileged command latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_sessions_opened_total",
			Help:      "Privileged shell sessions started.",
		}),
		sessionResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_sessions_closed_total",
			Help:      "Privileged shell sessions torn down by reason.",
		}, []string{"reason"}),
		channelHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_healthy",
			Help:      "1 while a privileged shell session is open.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_cycles_total",
			Help:      "Enforcement cycles run.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enforcement_cycle_seconds",
			Help:      "Enforcement cycle duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affinity_pushes_total",
			Help:      "Per-thread mask pushes by result.",
		}, []string{"result"}),
		tuningFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tuning_failures_total",
			Help:      "Scheduler tuning commands that failed.",
		}),
		targetPID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_pid",
			Help:      "Pid of the monitored target, 0 when not running.",
		}),
		targetSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_skipped_total",
			Help:      "Cycles that found the target not running.",
		}),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_fps",
			Help:      "Last measured frame rate of the target.",
		}),
		overallCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_load_percent",
			Help:      "Overall CPU load.",
		}),
		coreFreq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "core_frequency_mhz",
			Help:      "Current frequency per core.",
		}, []string{"core"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.commands, m.commandLatency, m.sessionsOpened, m.sessionResets,
		m.channelHealthy, m.cycles, m.cycleDuration, m.pushes,
		m.tuningFailures, m.targetPID, m.targetSkipped, m.fps,
		m.overallCPU, m.coreFreq,
	)
	return m
}

// CommandDone records one privileged command.
func (m *Metrics) CommandDone(d time.Duration, err error) {
	m.commandLatency.Observe(d.Seconds())
	m.commands.WithLabelValues(resultLabel(err)).Inc()
}

// SessionOpened records a new shell session.
func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Inc()
	m.channelHealthy.Set(1)
}

// SessionClosed records a session teardown.
func (m *Metrics) SessionClosed(reason string) {
	m.sessionResets.WithLabelValues(reason).Inc()
	m.channelHealthy.Set(0)
}

// CycleDone records an enforcement cycle.
func (m *Metrics) CycleDone(r enforcer.CycleReport) {
	m.cycles.Inc()
	m.cycleDuration.Observe(r.Duration.Seconds())
	m.pushes.WithLabelValues("ok").Add(float64(r.Applied))
	m.pushes.WithLabelValues("failed").Add(float64(r.Failed))
	m.tuningFailures.Add(float64(r.TuningFailed))
	m.targetPID.Set(float64(r.TargetPID))
	if r.TargetSkipped {
		m.targetSkipped.Inc()
	}
}

// SnapshotTaken mirrors the latest monitoring snapshot into gauges.
func (m *Metrics) SnapshotTaken(s model.Snapshot) {
	m.fps.Set(float64(s.FPS))
	m.overallCPU.Set(s.OverallCPU)
	for core, mhz := range s.PerCoreFreq {
		m.coreFreq.WithLabelValues(coreLabel(core)).Set(float64(mhz))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	metricsLog.WithField("addr", addr).Info("serving metrics")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, shell.ErrTimeout):
		return "timeout"
	case errors.Is(err, shell.ErrBrokenPipe):
		return "broken_pipe"
	case errors.Is(err, shell.ErrElevationDenied):
		return "denied"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func coreLabel(core int) string {
	return strconv.Itoa(core)
}

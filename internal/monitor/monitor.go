// Package monitor is the pollable facade over sampling and enforcement: it
// runs the periodic samplers for one target, publishes the latest snapshot
// and edits rules on behalf of a front end.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/schedule"
	"github.com/rcliao/threadpin/internal/shell"
	"github.com/rcliao/threadpin/internal/store"
)

// ErrNoTarget is returned when monitoring is started without a target.
var ErrNoTarget = errors.New("no target selected")

var monLog = logrus.WithField("source", "monitor")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	monLog = entry.WithField("source", "monitor")
}

// Channel is the privileged shell as the monitor sees it.
type Channel interface {
	shell.Executor
	Open(ctx context.Context) error
	Close()
}

// ThreadReader produces ranked thread views.
type ThreadReader interface {
	SamplePID(ctx context.Context, pid, limit int) ([]model.ThreadRecord, error)
	SampleSystemPID(ctx context.Context, excludePID, limit int) ([]model.ThreadRecord, error)
	Reset()
}

// PidResolver maps a process name to a pid, 0 when not running.
type PidResolver interface {
	PidOf(ctx context.Context, name string) (int, error)
}

// LoadReader reports CPU utilisation since its previous call.
type LoadReader interface {
	Sample() (cpu.Load, bool, error)
}

// FrameReader reports a target's frame rate.
type FrameReader interface {
	Sample(ctx context.Context, identity string) (int, error)
}

// Enforcer is the enforcement schedule the monitor drives.
type Enforcer interface {
	SelectTarget(identity string)
	Start(ctx context.Context, identity string) error
	Stop()
}

// SnapshotObserver is told about every published snapshot.
type SnapshotObserver interface {
	SnapshotTaken(s model.Snapshot)
}

// Config holds the task schedule. Zero fields take DefaultConfig values.
type Config struct {
	LoadPeriod   time.Duration
	LoadOffset   time.Duration
	FPSPeriod    time.Duration
	FPSOffset    time.Duration
	ThreadPeriod time.Duration
	ThreadOffset time.Duration
	SystemPeriod time.Duration
	SystemOffset time.Duration
	StopWait     time.Duration
	ThreadLimit  int
	SystemLimit  int
}

// DefaultConfig staggers the tasks so they rarely contend for the channel.
func DefaultConfig() Config {
	return Config{
		LoadPeriod:   1800 * time.Millisecond,
		FPSPeriod:    1200 * time.Millisecond,
		FPSOffset:    300 * time.Millisecond,
		ThreadPeriod: 1800 * time.Millisecond,
		ThreadOffset: 600 * time.Millisecond,
		SystemPeriod: 1800 * time.Millisecond,
		SystemOffset: 1200 * time.Millisecond,
		StopWait:     schedule.DefaultStopWait,
		ThreadLimit:  30,
		SystemLimit:  20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	durations := []struct{ v, def *time.Duration }{
		{&c.LoadPeriod, &d.LoadPeriod},
		{&c.FPSPeriod, &d.FPSPeriod},
		{&c.ThreadPeriod, &d.ThreadPeriod},
		{&c.SystemPeriod, &d.SystemPeriod},
		{&c.StopWait, &d.StopWait},
	}
	for _, p := range durations {
		if *p.v <= 0 {
			*p.v = *p.def
		}
	}
	if c.ThreadLimit <= 0 {
		c.ThreadLimit = d.ThreadLimit
	}
	if c.SystemLimit <= 0 {
		c.SystemLimit = d.SystemLimit
	}
}

// Options wire a Monitor. Channel, Store, Threads and Pids are required;
// the rest disable their task when nil.
type Options struct {
	Channel  Channel
	Store    store.Store
	Threads  ThreadReader
	Pids     PidResolver
	Load     LoadReader
	Freqs    cpu.FreqReader
	Topology *cpu.Topology
	Frames   FrameReader
	Enforcer Enforcer
	Observer SnapshotObserver
	Config   Config
}

// Monitor runs the sampling tasks for one target at a time.
type Monitor struct {
	opts Options

	mu     sync.Mutex
	target string
	runner *schedule.Runner

	snapMu sync.RWMutex
	snap   model.Snapshot
}

// New returns an idle monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Channel == nil || opts.Store == nil || opts.Threads == nil || opts.Pids == nil {
		return nil, errors.New("monitor: channel, store, threads and pids are required")
	}
	if opts.Topology == nil {
		opts.Topology = cpu.Detect(opts.Freqs, 0)
	}
	opts.Config.applyDefaults()
	return &Monitor{opts: opts}, nil
}

// Topology returns the detected core layout.
func (m *Monitor) Topology() *cpu.Topology { return m.opts.Topology }

// SelectTarget makes identity the subject of the next StartMonitoring. A
// running monitor switches to it at once.
func (m *Monitor) SelectTarget(identity string) {
	identity = strings.TrimSpace(identity)
	m.mu.Lock()
	changed := identity != m.target
	m.target = identity
	running := m.runner != nil
	m.mu.Unlock()

	if m.opts.Enforcer != nil {
		m.opts.Enforcer.SelectTarget(identity)
	}
	if !changed {
		return
	}
	m.opts.Threads.Reset()
	m.update(func(s *model.Snapshot) {
		s.Target, s.TargetPID, s.Threads, s.FPS = identity, 0, nil, 0
	})
	if running && m.opts.Enforcer != nil && identity != "" {
		if err := m.opts.Enforcer.Start(context.Background(), identity); err != nil {
			monLog.WithError(err).Warn("cannot move enforcement to new target")
		}
	}
}

// Target returns the selected identity.
func (m *Monitor) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Active reports whether monitoring is running.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runner != nil
}

// StartMonitoring opens the channel and starts every task for identity,
// or for the selected target when identity is empty. A refused elevation
// is returned as shell.ErrElevationDenied and nothing is started.
func (m *Monitor) StartMonitoring(ctx context.Context, identity string) error {
	if identity = strings.TrimSpace(identity); identity != "" {
		m.SelectTarget(identity)
	}
	identity = m.Target()
	if identity == "" {
		return ErrNoTarget
	}
	if err := m.opts.Channel.Open(ctx); err != nil {
		return errors.Wrap(err, "open privileged channel")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runner != nil {
		return nil
	}

	r := schedule.NewRunner(m.tasks()...)
	if err := r.Start(ctx); err != nil {
		return err
	}
	if m.opts.Enforcer != nil {
		if err := m.opts.Enforcer.Start(ctx, identity); err != nil {
			r.Stop(m.opts.Config.StopWait)
			return errors.Wrap(err, "start enforcement")
		}
	}
	m.runner = r
	monLog.WithField("target", identity).Info("monitoring started")
	return nil
}

// StopMonitoring stops every task, waits briefly for in-flight runs and
// closes the channel. Calling it while idle is a no-op.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	r := m.runner
	m.runner = nil
	m.mu.Unlock()
	if r == nil {
		return
	}

	if m.opts.Enforcer != nil {
		m.opts.Enforcer.Stop()
	}
	r.Stop(m.opts.Config.StopWait)
	m.opts.Channel.Close()
	monLog.Info("monitoring stopped")
}

// Snapshot returns a copy of the latest published state.
func (m *Monitor) Snapshot() model.Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return copySnapshot(m.snap)
}

func copySnapshot(s model.Snapshot) model.Snapshot {
	out := s
	out.PerCoreLoad = append([]float64(nil), s.PerCoreLoad...)
	out.PerCoreFreq = append([]int(nil), s.PerCoreFreq...)
	out.Threads = append([]model.ThreadRecord(nil), s.Threads...)
	out.System = append([]model.ThreadRecord(nil), s.System...)
	return out
}

// update applies fn to the snapshot under the write lock and publishes it.
func (m *Monitor) update(fn func(s *model.Snapshot)) {
	m.snapMu.Lock()
	fn(&m.snap)
	m.snap.TakenAt = time.Now()
	published := copySnapshot(m.snap)
	m.snapMu.Unlock()

	if m.opts.Observer != nil {
		m.opts.Observer.SnapshotTaken(published)
	}
}

// SetRule stores thread -> mask for identity. A zero mask is stored as the
// full mask.
func (m *Monitor) SetRule(ctx context.Context, identity, thread string, mask model.Mask) error {
	_, err := m.opts.Store.SetRule(ctx, identity, thread, mask.Normalize(m.opts.Topology.Cores))
	return err
}

// GetRule returns the mask stored for thread, and false when there is none.
func (m *Monitor) GetRule(ctx context.Context, identity, thread string) (model.Mask, bool, error) {
	mask, err := m.opts.Store.GetRule(ctx, identity, thread)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return mask, true, nil
}

// DeleteRuleSet removes every rule of identity. A missing rule set is not
// an error.
func (m *Monitor) DeleteRuleSet(ctx context.Context, identity string) error {
	err := m.opts.Store.Delete(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

package monitor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/shell"
	"github.com/rcliao/threadpin/internal/store"
)

func init() {
	l := logrus.New()
	l.Out = io.Discard
	entry := logrus.NewEntry(l)
	SetLogger(entry)
	cpu.SetLogger(entry)
	store.SetLogger(entry)
}

const game = "com.example.game"

type fakeChannel struct {
	openErr error
	closes  atomic.Int32
}

func (f *fakeChannel) Execute(context.Context, string, time.Duration) (string, error) {
	return "", nil
}
func (f *fakeChannel) Open(context.Context) error { return f.openErr }
func (f *fakeChannel) Close()                     { f.closes.Add(1) }

type fakeThreads struct {
	resets atomic.Int32
}

func (f *fakeThreads) SamplePID(_ context.Context, pid, limit int) ([]model.ThreadRecord, error) {
	return []model.ThreadRecord{{TID: pid + 1, PID: pid, Name: "RenderThread", Usage: 12.5, Core: 7, Merged: 1}}, nil
}

func (f *fakeThreads) SampleSystemPID(_ context.Context, exclude, limit int) ([]model.ThreadRecord, error) {
	return []model.ThreadRecord{{TID: 10, PID: 10, Name: "surfaceflinger", Usage: 4, Core: 0, Merged: 1}}, nil
}

func (f *fakeThreads) Reset() { f.resets.Add(1) }

type fakePids struct {
	mu   sync.Mutex
	pids map[string]int
}

func (f *fakePids) PidOf(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids[name], nil
}

type fakeLoad struct{}

func (fakeLoad) Sample() (cpu.Load, bool, error) {
	return cpu.Load{Overall: 37.5, PerCore: []float64{50, 25}}, true, nil
}

type fakeFreqs struct{}

func (fakeFreqs) MaxFreqKHz() (map[int]uint64, error) {
	return map[int]uint64{0: 1800000, 1: 1800000, 2: 2400000, 3: 2400000}, nil
}

func (fakeFreqs) CurFreqKHz() (map[int]uint64, error) {
	return map[int]uint64{0: 1200000, 1: 1300000, 2: 2000000, 3: 2400000}, nil
}

type fakeFrames struct{}

func (fakeFrames) Sample(_ context.Context, identity string) (int, error) {
	if identity == game {
		return 60, nil
	}
	return 0, nil
}

type fakeEnforcer struct {
	mu       sync.Mutex
	selected []string
	started  []string
	stops    int
	startErr error
}

func (f *fakeEnforcer) SelectTarget(identity string) {
	f.mu.Lock()
	f.selected = append(f.selected, identity)
	f.mu.Unlock()
}

func (f *fakeEnforcer) Start(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, identity)
	return nil
}

func (f *fakeEnforcer) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeEnforcer) startedWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type snapshots struct {
	n atomic.Int32
}

func (s *snapshots) SnapshotTaken(model.Snapshot) { s.n.Add(1) }

type fixture struct {
	ch      *fakeChannel
	threads *fakeThreads
	pids    *fakePids
	enf     *fakeEnforcer
	obs     *snapshots
	store   *store.SQLiteStore
	mon     *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		ch:      &fakeChannel{},
		threads: &fakeThreads{},
		pids:    &fakePids{pids: map[string]int{game: 200}},
		enf:     &fakeEnforcer{},
		obs:     &snapshots{},
		store:   s,
	}
	fast := 5 * time.Millisecond
	mon, err := New(Options{
		Channel:  f.ch,
		Store:    s,
		Threads:  f.threads,
		Pids:     f.pids,
		Load:     fakeLoad{},
		Freqs:    fakeFreqs{},
		Topology: cpu.Detect(fakeFreqs{}, 4),
		Frames:   fakeFrames{},
		Enforcer: f.enf,
		Observer: f.obs,
		Config: Config{
			LoadPeriod:   fast,
			FPSPeriod:    fast,
			ThreadPeriod: fast,
			SystemPeriod: fast,
			StopWait:     time.Second,
		},
	})
	require.NoError(t, err)
	f.mon = mon
	t.Cleanup(mon.StopMonitoring)
	return f
}

func TestStartMonitoringNeedsTarget(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.mon.StartMonitoring(context.Background(), ""), ErrNoTarget)
	assert.False(t, f.mon.Active())
}

func TestStartMonitoringSurfacesElevationDenied(t *testing.T) {
	f := newFixture(t)
	f.ch.openErr = fmt.Errorf("%w: exec: \"su\": not found", shell.ErrElevationDenied)

	err := f.mon.StartMonitoring(context.Background(), game)
	assert.ErrorIs(t, err, shell.ErrElevationDenied)
	assert.False(t, f.mon.Active())
	assert.Empty(t, f.enf.startedWith())
}

func TestMonitoringPublishesSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.StartMonitoring(context.Background(), game))
	assert.True(t, f.mon.Active())
	assert.Equal(t, []string{game}, f.enf.startedWith())

	require.Eventually(t, func() bool {
		s := f.mon.Snapshot()
		return s.FPS == 60 && len(s.Threads) == 1 && len(s.System) == 1 && s.OverallCPU > 0 && len(s.PerCoreFreq) == 4
	}, 2*time.Second, 5*time.Millisecond)

	s := f.mon.Snapshot()
	assert.Equal(t, game, s.Target)
	assert.Equal(t, 200, s.TargetPID)
	assert.Equal(t, "RenderThread", s.Threads[0].Name)
	assert.Equal(t, []int{1200, 1300, 2000, 2400}, s.PerCoreFreq)
	assert.Equal(t, []float64{50, 25}, s.PerCoreLoad)
	assert.False(t, s.TakenAt.IsZero())
	assert.Positive(t, f.obs.n.Load())

	f.mon.StopMonitoring()
	assert.False(t, f.mon.Active())
	assert.Equal(t, int32(1), f.ch.closes.Load())
	assert.Equal(t, 1, f.enf.stops)

	f.mon.StopMonitoring()
	assert.Equal(t, int32(1), f.ch.closes.Load(), "stopping twice closes once")
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.StartMonitoring(context.Background(), game))
	require.Eventually(t, func() bool { return len(f.mon.Snapshot().Threads) == 1 }, 2*time.Second, 5*time.Millisecond)
	f.mon.StopMonitoring()

	s := f.mon.Snapshot()
	s.Threads[0].Name = "changed"
	assert.Equal(t, "RenderThread", f.mon.Snapshot().Threads[0].Name)
}

func TestTargetNotRunningClearsThreads(t *testing.T) {
	f := newFixture(t)
	f.pids.pids[game] = 0
	require.NoError(t, f.mon.StartMonitoring(context.Background(), game))

	require.Eventually(t, func() bool { return len(f.mon.Snapshot().System) == 1 }, 2*time.Second, 5*time.Millisecond)
	s := f.mon.Snapshot()
	assert.Zero(t, s.TargetPID)
	assert.Empty(t, s.Threads)
}

func TestSelectTargetWhileRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.StartMonitoring(context.Background(), game))
	resets := f.threads.resets.Load()

	f.mon.SelectTarget("org.other")

	assert.Equal(t, "org.other", f.mon.Target())
	assert.Equal(t, []string{game, "org.other"}, f.enf.startedWith())
	assert.Equal(t, resets+1, f.threads.resets.Load())

	f.mon.SelectTarget("org.other")
	assert.Equal(t, resets+1, f.threads.resets.Load(), "reselecting is a no-op")
}

func TestEnforcerStartFailureStopsTasks(t *testing.T) {
	f := newFixture(t)
	f.enf.startErr = fmt.Errorf("boom")
	assert.Error(t, f.mon.StartMonitoring(context.Background(), game))
	assert.False(t, f.mon.Active())
}

func TestRuleAccessors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok, err := f.mon.GetRule(ctx, game, "RenderThread")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.mon.SetRule(ctx, game, "RenderThread", 0xC))
	require.NoError(t, f.mon.SetRule(ctx, game, "GameThread", 0))

	mask, ok, err := f.mon.GetRule(ctx, game, "renderthread")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Mask(0xC), mask)

	mask, _, _ = f.mon.GetRule(ctx, game, "GameThread")
	assert.Equal(t, model.Mask(0xF), mask, "zero is stored as every core")

	require.NoError(t, f.mon.DeleteRuleSet(ctx, game))
	_, ok, err = f.mon.GetRule(ctx, game, "RenderThread")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, f.mon.DeleteRuleSet(ctx, game), "deleting a missing rule set is fine")
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// Package sampler ranks the busiest threads of a process from successive
// /proc tick readings.
package sampler

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/model"
)

var samplerLog = logrus.WithField("source", "sampler")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	samplerLog = entry.WithField("source", "sampler")
}

// minElapsed bounds the divisor of the usage formula.
const minElapsed = 100 * time.Millisecond

// Config tunes a Sampler. Zero fields take the defaults below.
type Config struct {
	// ClkTck is the kernel's USER_HZ.
	ClkTck int
	// UsageScale is K in usage = deltaTicks * K / elapsedMs. Defaults to
	// 10000 / ClkTck.
	UsageScale float64
	// NoiseThreshold drops system threads below this usage. A negative
	// value keeps everything.
	NoiseThreshold float64
	// SystemProcesses are sampled by SampleSystem; ThreadCaps limits how
	// many task entries are read per process name.
	SystemProcesses []string
	ThreadCaps      map[string]int
	// SelfPID and the Self* names fold housekeeping threads into one record.
	SelfPID        int
	SelfNames      []string
	SelfSubstrings []string
	// HistorySize bounds the per-view tick history.
	HistorySize int
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		ClkTck:          100,
		NoiseThreshold:  0.5,
		SystemProcesses: []string{"surfaceflinger", "system_server"},
		ThreadCaps:      map[string]int{"system_server": 20},
		SelfPID:         os.Getpid(),
		SelfNames:       []string{"top", "sh", "awk"},
		SelfSubstrings:  []string{"ffinity", "threadpin"},
		HistorySize:     4096,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ClkTck <= 0 {
		c.ClkTck = d.ClkTck
	}
	if c.UsageScale <= 0 {
		c.UsageScale = 10000 / float64(c.ClkTck)
	}
	if c.NoiseThreshold == 0 {
		c.NoiseThreshold = d.NoiseThreshold
	}
	if c.SystemProcesses == nil {
		c.SystemProcesses = d.SystemProcesses
	}
	if c.ThreadCaps == nil {
		c.ThreadCaps = d.ThreadCaps
	}
	if c.SelfPID <= 0 {
		c.SelfPID = d.SelfPID
	}
	if c.SelfNames == nil {
		c.SelfNames = d.SelfNames
	}
	if c.SelfSubstrings == nil {
		c.SelfSubstrings = d.SelfSubstrings
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
}

// history remembers each thread's ticks from the previous sample of one view.
type history struct {
	ticks *lru.Cache[int, uint64]
	last  time.Time
	scope string
}

func newHistory(size int) *history {
	c, _ := lru.New[int, uint64](size)
	return &history{ticks: c}
}

// Sampler produces ranked thread views. The target view and the system view
// keep separate histories, so they may run on different schedules.
type Sampler struct {
	src Source
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	target *history
	system *history
}

// New returns a sampler reading from src.
func New(src Source, cfg Config) *Sampler {
	cfg.applyDefaults()
	return &Sampler{
		src:    src,
		cfg:    cfg,
		now:    time.Now,
		target: newHistory(cfg.HistorySize),
		system: newHistory(cfg.HistorySize),
	}
}

// Sample resolves identity to a pid and samples its threads. It returns nil
// while the process is not running or no baseline exists yet.
func (s *Sampler) Sample(ctx context.Context, identity string, limit int) ([]model.ThreadRecord, error) {
	pid, err := s.src.PidOf(ctx, identity)
	if err != nil {
		return nil, err
	}
	if pid <= 0 {
		return nil, nil
	}
	return s.SamplePID(ctx, pid, limit)
}

// SamplePID samples the threads of pid. A pid change resets the baseline.
func (s *Sampler) SamplePID(ctx context.Context, pid, limit int) ([]model.ThreadRecord, error) {
	stats, err := s.src.Scan(ctx, Query{Procs: []ProcSpec{{PID: pid}}})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usages, ok := s.delta(s.target, scopeOf(pid), stats)
	if !ok {
		return nil, nil
	}

	m := newMerger()
	for i, st := range stats {
		if st.Comm == "" {
			continue
		}
		m.add(st.Comm, st, usages[i], usages[i] > 0)
	}
	return m.ranked(limit), nil
}

// SampleSystem samples the platform processes plus this process, leaving out
// excludeIdentity's threads so the monitored target is not counted twice.
func (s *Sampler) SampleSystem(ctx context.Context, excludeIdentity string, limit int) ([]model.ThreadRecord, error) {
	exclude := 0
	if excludeIdentity != "" {
		pid, err := s.src.PidOf(ctx, excludeIdentity)
		if err != nil {
			return nil, err
		}
		exclude = pid
	}
	return s.SampleSystemPID(ctx, exclude, limit)
}

// SampleSystemPID is SampleSystem with the excluded pid already resolved.
func (s *Sampler) SampleSystemPID(ctx context.Context, excludePID, limit int) ([]model.ThreadRecord, error) {
	q, err := s.SystemQuery(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.src.Scan(ctx, q)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usages, ok := s.delta(s.system, "system", stats)
	if !ok {
		return nil, nil
	}

	m := newMerger()
	for i, st := range stats {
		if st.PID == excludePID && excludePID > 0 {
			continue
		}
		if usages[i] < s.cfg.NoiseThreshold {
			continue
		}
		name := st.Comm
		if s.isSelf(st) {
			name = model.SelfThreadKey
		}
		m.add(name, st, usages[i], true)
	}
	return m.ranked(limit), nil
}

// SystemQuery resolves the platform processes and this process into a scan.
func (s *Sampler) SystemQuery(ctx context.Context) (Query, error) {
	var q Query
	for _, name := range s.cfg.SystemProcesses {
		pid, err := s.src.PidOf(ctx, name)
		if err != nil {
			samplerLog.WithError(err).WithField("process", name).Debug("cannot resolve system process")
			continue
		}
		if pid > 0 {
			q.Procs = append(q.Procs, ProcSpec{PID: pid, MaxThreads: s.cfg.ThreadCaps[name]})
		}
	}
	q.Procs = append(q.Procs, ProcSpec{PID: s.cfg.SelfPID})
	return q, nil
}

// Reset forgets both baselines.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = newHistory(s.cfg.HistorySize)
	s.system = newHistory(s.cfg.HistorySize)
}

// delta converts ticks into usage and records the new baseline. It reports
// false when h had no baseline for scope.
func (s *Sampler) delta(h *history, scope string, stats []ThreadStat) ([]float64, bool) {
	now := s.now()
	primed := !h.last.IsZero() && h.scope == scope
	if h.scope != scope {
		h.ticks.Purge()
		h.scope = scope
	}
	elapsed := now.Sub(h.last)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	ms := float64(elapsed) / float64(time.Millisecond)

	usages := make([]float64, len(stats))
	for i, st := range stats {
		if primed {
			if prev, ok := h.ticks.Get(st.TID); ok && st.Ticks >= prev {
				usages[i] = float64(st.Ticks-prev) * s.cfg.UsageScale / ms
			}
		}
		h.ticks.Add(st.TID, st.Ticks)
	}
	h.last = now
	return usages, primed
}

func (s *Sampler) isSelf(st ThreadStat) bool {
	if st.PID == s.cfg.SelfPID {
		return true
	}
	for _, n := range s.cfg.SelfNames {
		if st.Comm == n {
			return true
		}
	}
	for _, sub := range s.cfg.SelfSubstrings {
		if strings.Contains(st.Comm, sub) {
			return true
		}
	}
	return false
}

func scopeOf(pid int) string {
	return "pid:" + strconv.Itoa(pid)
}

// merger folds threads sharing a display name, keeping discovery order.
type merger struct {
	order []string
	byKey map[string]*model.ThreadRecord
}

func newMerger() *merger {
	return &merger{byKey: make(map[string]*model.ThreadRecord)}
}

// add folds st into the record for name. The latest observed core wins when
// takeCore is set.
func (m *merger) add(name string, st ThreadStat, usage float64, takeCore bool) {
	rec, ok := m.byKey[name]
	if !ok {
		m.byKey[name] = &model.ThreadRecord{
			TID:    st.TID,
			PID:    st.PID,
			Name:   name,
			Usage:  usage,
			Core:   st.Core,
			Merged: 1,
		}
		m.order = append(m.order, name)
		return
	}
	rec.Usage += usage
	rec.Merged++
	if takeCore && st.Core >= 0 {
		rec.Core = st.Core
	}
}

// ranked sorts by usage, descending, ties in discovery order.
func (m *merger) ranked(limit int) []model.ThreadRecord {
	out := make([]model.ThreadRecord, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, *m.byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Usage > out[j].Usage })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

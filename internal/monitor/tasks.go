package monitor

import (
	"context"

	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/schedule"
)

func (m *Monitor) tasks() []schedule.Task {
	c := m.opts.Config
	tasks := []schedule.Task{
		{Name: "threads", Offset: c.ThreadOffset, Period: c.ThreadPeriod, Run: m.updateThreads},
		{Name: "system", Offset: c.SystemOffset, Period: c.SystemPeriod, Run: m.updateSystem},
	}
	if m.opts.Load != nil || m.opts.Freqs != nil {
		tasks = append(tasks, schedule.Task{Name: "load", Offset: c.LoadOffset, Period: c.LoadPeriod, Run: m.updateLoad})
	}
	if m.opts.Frames != nil {
		tasks = append(tasks, schedule.Task{Name: "fps", Offset: c.FPSOffset, Period: c.FPSPeriod, Run: m.updateFPS})
	}
	return tasks
}

func (m *Monitor) updateLoad(context.Context) {
	var (
		load   []float64
		freqs  []int
		total  float64
		loaded bool
	)
	if m.opts.Load != nil {
		l, ok, err := m.opts.Load.Sample()
		if err != nil {
			monLog.WithError(err).Debug("load sample failed")
		}
		if ok {
			load, total, loaded = l.PerCore, l.Overall, true
		}
	}
	if m.opts.Freqs != nil {
		freqs = m.opts.Topology.CurrentFreqs(m.opts.Freqs)
	}
	m.update(func(s *model.Snapshot) {
		if loaded {
			s.OverallCPU, s.PerCoreLoad = total, load
		}
		if freqs != nil {
			s.PerCoreFreq = freqs
		}
	})
}

func (m *Monitor) updateFPS(ctx context.Context) {
	target := m.Target()
	fps, err := m.opts.Frames.Sample(ctx, target)
	if err != nil {
		monLog.WithError(err).Debug("fps sample failed")
	}
	m.update(func(s *model.Snapshot) {
		if s.Target == target {
			s.FPS = fps
		}
	})
}

// updateThreads re-resolves the target every run, since it may restart.
func (m *Monitor) updateThreads(ctx context.Context) {
	target := m.Target()
	if target == "" {
		return
	}
	pid, err := m.opts.Pids.PidOf(ctx, target)
	if err != nil {
		monLog.WithError(err).Debug("cannot resolve target")
		return
	}
	var threads []model.ThreadRecord
	if pid > 0 {
		threads, err = m.opts.Threads.SamplePID(ctx, pid, m.opts.Config.ThreadLimit)
		if err != nil {
			monLog.WithError(err).Debug("thread sample failed")
			return
		}
	}
	m.update(func(s *model.Snapshot) {
		if s.Target != target {
			return
		}
		s.TargetPID = pid
		// An unprimed sample returns nil; keep the previous view until the
		// next one unless the target went away.
		if threads != nil || pid == 0 {
			s.Threads = threads
		}
	})
}

func (m *Monitor) updateSystem(ctx context.Context) {
	m.snapMu.RLock()
	exclude := m.snap.TargetPID
	m.snapMu.RUnlock()

	threads, err := m.opts.Threads.SampleSystemPID(ctx, exclude, m.opts.Config.SystemLimit)
	if err != nil {
		monLog.WithError(err).Debug("system sample failed")
		return
	}
	if threads == nil {
		return
	}
	m.update(func(s *model.Snapshot) { s.System = threads })
}

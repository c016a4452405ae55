// Package schedule runs a fixed set of periodic tasks, each on its own
// goroutine. A task never overlaps itself; ticks missed while a run is in
// flight are dropped rather than queued.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultStopWait bounds how long Stop waits for in-flight runs.
const DefaultStopWait = 50 * time.Millisecond

// ErrRunning is returned by Start on a runner that is already started.
var ErrRunning = errors.New("runner already started")

var schedLog = logrus.WithField("source", "schedule")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	schedLog = entry.WithField("source", "schedule")
}

// Task is one periodic job. Run receives a context that is cancelled when
// the runner stops.
type Task struct {
	Name   string
	Offset time.Duration
	Period time.Duration
	Run    func(ctx context.Context)
}

// Runner owns the goroutines of its tasks.
type Runner struct {
	tasks []Task

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRunner returns a stopped runner for tasks. Tasks with a non-positive
// period or no Run func are ignored.
func NewRunner(tasks ...Task) *Runner {
	r := &Runner{}
	for _, t := range tasks {
		if t.Period <= 0 || t.Run == nil {
			schedLog.WithField("task", t.Name).Warn("ignoring task without period or run func")
			continue
		}
		r.tasks = append(r.tasks, t)
	}
	return r
}

// Tasks returns the accepted tasks.
func (r *Runner) Tasks() []Task {
	out := make([]Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

// Start launches every task. The runner stops on its own when ctx ends.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, t := range r.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			loop(ctx, t)
		}(t)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	r.cancel = cancel
	r.done = done
	r.running = true
	schedLog.WithField("tasks", len(r.tasks)).Debug("runner started")
	return nil
}

// Running reports whether Start was called without a matching Stop.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop cancels every task and waits up to wait for in-flight runs to
// return. It reports whether they all did; runs still in flight after the
// wait are abandoned. A non-positive wait uses DefaultStopWait.
func (r *Runner) Stop(wait time.Duration) bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return true
	}
	cancel, done := r.cancel, r.done
	r.cancel, r.done, r.running = nil, nil, false
	r.mu.Unlock()

	if wait <= 0 {
		wait = DefaultStopWait
	}
	cancel()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
		schedLog.Debug("runner stopped")
		return true
	case <-timer.C:
		schedLog.WithField("wait", wait).Warn("abandoning in-flight task runs")
		return false
	}
}

func loop(ctx context.Context, t Task) {
	log := schedLog.WithField("task", t.Name)

	if t.Offset > 0 {
		timer := time.NewTimer(t.Offset)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(t.Period)
	defer ticker.Stop()
	for {
		run(ctx, t, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func run(ctx context.Context, t Task, log *logrus.Entry) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("task panicked")
		}
	}()
	start := time.Now()
	t.Run(ctx)
	log.WithField("elapsed", time.Since(start)).Trace("task run finished")
}

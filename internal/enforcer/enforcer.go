// Package enforcer periodically re-applies stored affinity rules to live
// threads. Each cycle applies the global rule set to platform processes
// first, then the target's rule set, so target rules win on overlap.
package enforcer

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/sampler"
	"github.com/rcliao/threadpin/internal/schedule"
	"github.com/rcliao/threadpin/internal/shell"
	"github.com/rcliao/threadpin/internal/store"
)

const (
	DefaultPeriod        = 10 * time.Second
	DefaultOffset        = 2 * time.Second
	DefaultReportHistory = 32

	// DefaultMask is given to target threads that have no rule yet when a
	// rule is added interactively: cores 3-5.
	DefaultMask model.Mask = 0x38
)

var (
	// ErrTargetNotRunning means the target has no live process. Cycles only
	// flag it in their report.
	ErrTargetNotRunning = errors.New("target not running")

	// ErrNoTarget is returned when an operation needs a selected target.
	ErrNoTarget = errors.New("no target selected")
)

var enfLog = logrus.WithField("source", "enforcer")

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	enfLog = entry.WithField("source", "enforcer")
}

// State is the enforcer lifecycle state.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// SystemProcess is a platform process covered by the global rule set.
// MaxThreads > 0 limits how many of its threads are scanned.
type SystemProcess struct {
	Name       string
	MaxThreads int
}

// DefaultSystemProcesses are the processes the global rule set reaches,
// besides the enforcing process itself.
var DefaultSystemProcesses = []SystemProcess{
	{Name: "surfaceflinger"},
	{Name: "system_server", MaxThreads: 50},
}

// Pusher sets one thread's CPU mask.
type Pusher interface {
	Push(ctx context.Context, tid int, mask model.Mask) error
}

// PushFunc adapts a function to Pusher.
type PushFunc func(ctx context.Context, tid int, mask model.Mask) error

// Push calls f.
func (f PushFunc) Push(ctx context.Context, tid int, mask model.Mask) error {
	return f(ctx, tid, mask)
}

// ShellPusher pushes masks with taskset through the privileged channel.
func ShellPusher(ex shell.Executor) Pusher {
	return PushFunc(func(ctx context.Context, tid int, mask model.Mask) error {
		return shell.SetAffinity(ctx, ex, tid, mask)
	})
}

// LocalPusher sets masks with sched_setaffinity. It only works for threads
// this process may modify, such as its own.
func LocalPusher() Pusher {
	return PushFunc(func(_ context.Context, tid int, mask model.Mask) error {
		return shell.SetLocalAffinity(tid, mask)
	})
}

// RuleStore is the part of store.Store the enforcer needs.
type RuleStore interface {
	Load(ctx context.Context, identity string) (*model.RuleSet, error)
	Save(ctx context.Context, rs *model.RuleSet) error
}

// Observer is told about every finished cycle.
type Observer interface {
	CycleDone(r CycleReport)
}

// Options configure an Enforcer. Store, Source and either Exec or Pusher
// are required.
type Options struct {
	Store  RuleStore
	Source sampler.Source
	Exec   shell.Executor

	// Pusher defaults to ShellPusher(Exec). SelfPusher handles threads of
	// SelfPID and defaults to Pusher.
	Pusher     Pusher
	SelfPusher Pusher

	Cores           int
	SelfPID         int
	Period          time.Duration
	Offset          time.Duration
	StopWait        time.Duration
	DefaultMask     model.Mask
	ReportHistory   int
	Tuning          Tuning
	SystemProcesses []SystemProcess
	Observer        Observer
}

func (o *Options) applyDefaults() {
	if o.Pusher == nil && o.Exec != nil {
		o.Pusher = ShellPusher(o.Exec)
	}
	if o.SelfPusher == nil {
		o.SelfPusher = o.Pusher
	}
	if o.Cores <= 0 {
		o.Cores = cpu.OnlineCores()
	}
	if o.SelfPID <= 0 {
		o.SelfPID = os.Getpid()
	}
	if o.Period <= 0 {
		o.Period = DefaultPeriod
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.StopWait <= 0 {
		o.StopWait = schedule.DefaultStopWait
	}
	if o.DefaultMask == 0 {
		o.DefaultMask = DefaultMask
	}
	if o.ReportHistory <= 0 {
		o.ReportHistory = DefaultReportHistory
	}
	if o.SystemProcesses == nil {
		o.SystemProcesses = DefaultSystemProcesses
	}
}

// CycleReport summarizes one enforcement cycle.
type CycleReport struct {
	ID            string        `json:"id"`
	Target        string        `json:"target,omitempty"`
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`
	Applied       int           `json:"applied"`
	Failed        int           `json:"failed"`
	TuningFailed  int           `json:"tuning_failed,omitempty"`
	TargetPID     int           `json:"target_pid,omitempty"`
	TargetSkipped bool          `json:"target_skipped,omitempty"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
}

// Enforcer owns the enforcement schedule for one target at a time.
type Enforcer struct {
	opts Options

	mu     sync.Mutex
	target string
	runner *schedule.Runner

	// cycleMu keeps cycles and interactive applies from interleaving pushes.
	cycleMu sync.Mutex

	repMu   sync.Mutex
	reports *queue.Queue
}

// New returns an idle enforcer.
func New(opts Options) (*Enforcer, error) {
	opts.applyDefaults()
	if opts.Store == nil || opts.Source == nil || opts.Pusher == nil {
		return nil, errors.New("enforcer: store, source and pusher are required")
	}
	return &Enforcer{opts: opts, reports: queue.New()}, nil
}

// SelectTarget sets the identity whose rules follow the global ones. It
// does not start the schedule.
func (e *Enforcer) SelectTarget(identity string) {
	e.mu.Lock()
	e.target = strings.TrimSpace(identity)
	e.mu.Unlock()
}

// Target returns the selected identity.
func (e *Enforcer) Target() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

// State reports whether the schedule is running.
func (e *Enforcer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner != nil {
		return Active
	}
	return Idle
}

// Start selects identity and runs a cycle every Period after Offset. A
// running schedule for another target is replaced.
func (e *Enforcer) Start(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrNoTarget
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner != nil {
		if e.target == identity {
			return nil
		}
		e.runner.Stop(e.opts.StopWait)
		e.runner = nil
	}
	e.target = identity

	r := schedule.NewRunner(schedule.Task{
		Name:   "enforce",
		Offset: e.opts.Offset,
		Period: e.opts.Period,
		Run:    func(ctx context.Context) { e.RunCycle(ctx) },
	})
	if err := r.Start(ctx); err != nil {
		return err
	}
	e.runner = r
	enfLog.WithFields(logrus.Fields{"target": identity, "period": e.opts.Period}).Info("enforcement started")
	return nil
}

// Stop halts the schedule. An in-flight cycle gets StopWait to finish and
// is otherwise abandoned; its pushes so far stay applied.
func (e *Enforcer) Stop() {
	e.mu.Lock()
	r := e.runner
	e.runner = nil
	e.mu.Unlock()
	if r == nil {
		return
	}
	if !r.Stop(e.opts.StopWait) {
		enfLog.Debug("abandoned in-flight cycle")
	}
	enfLog.Info("enforcement stopped")
}

// Reports returns the retained cycle reports, oldest first.
func (e *Enforcer) Reports() []CycleReport {
	e.repMu.Lock()
	defer e.repMu.Unlock()
	out := make([]CycleReport, 0, e.reports.Length())
	for i := 0; i < e.reports.Length(); i++ {
		out = append(out, e.reports.Get(i).(CycleReport))
	}
	return out
}

func (e *Enforcer) record(r CycleReport) {
	e.repMu.Lock()
	e.reports.Add(r)
	for e.reports.Length() > e.opts.ReportHistory {
		e.reports.Remove()
	}
	e.repMu.Unlock()
	if e.opts.Observer != nil {
		e.opts.Observer.CycleDone(r)
	}
}

// tally accumulates push outcomes.
type tally struct {
	applied int
	failed  int
	errs    *multierror.Error
}

func (t *tally) fail(err error) {
	t.failed++
	t.errs = multierror.Append(t.errs, err)
}

// RunCycle applies tuning, the global rules and then the selected target's
// rules once. Failures are counted in the report, never returned.
func (e *Enforcer) RunCycle(ctx context.Context) CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	rep := CycleReport{ID: ulid.Make().String(), Target: e.Target(), Started: time.Now()}
	log := enfLog.WithFields(logrus.Fields{"cycle": rep.ID, "target": rep.Target})

	// A cycle abandoned by Stop keeps running with a dead context; it must
	// not push anything more.
	if err := ctx.Err(); err != nil {
		rep.Err, rep.Error = err, err.Error()
		rep.Duration = time.Since(rep.Started)
		log.Debug("cycle cancelled before start")
		e.record(rep)
		return rep
	}
	if e.opts.Tuning.Enabled {
		rep.TuningFailed = e.tune(ctx)
	}

	var t tally
	var errs *multierror.Error
	if err := e.applyGlobal(ctx, &t); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := ctx.Err(); err != nil {
		errs = multierror.Append(errs, err)
	} else if rep.Target != "" && rep.Target != model.GlobalIdentity {
		pid, err := e.applyTarget(ctx, rep.Target, &t)
		switch {
		case errors.Is(err, ErrTargetNotRunning):
			rep.TargetSkipped = true
			log.Debug("target not running, skipping target rules")
		case err != nil:
			rep.TargetSkipped = pid <= 0
			errs = multierror.Append(errs, err)
		}
		rep.TargetPID = pid
	}

	if t.errs != nil {
		errs = multierror.Append(errs, t.errs.Errors...)
	}
	rep.Applied, rep.Failed = t.applied, t.failed
	rep.Duration = time.Since(rep.Started)
	if err := errs.ErrorOrNil(); err != nil {
		rep.Err = err
		rep.Error = err.Error()
		log.WithError(err).WithField("failed", rep.Failed).Warn("cycle finished with failures")
	}
	log.WithFields(logrus.Fields{
		"applied":  rep.Applied,
		"duration": rep.Duration,
	}).Debug("cycle finished")

	e.record(rep)
	return rep
}

// loadRules returns nil without error when identity has no rules.
func (e *Enforcer) loadRules(ctx context.Context, identity string) (*model.RuleSet, error) {
	rs, err := e.opts.Store.Load(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load rules for %s", identity)
	}
	return rs, nil
}

// systemQuery lists the platform processes that are running plus the
// enforcing process.
func (e *Enforcer) systemQuery(ctx context.Context) sampler.Query {
	var q sampler.Query
	for _, sp := range e.opts.SystemProcesses {
		pid, err := e.opts.Source.PidOf(ctx, sp.Name)
		if err != nil {
			enfLog.WithError(err).WithField("process", sp.Name).Debug("pidof failed")
			continue
		}
		if pid > 0 && pid != e.opts.SelfPID {
			q.Procs = append(q.Procs, sampler.ProcSpec{PID: pid, MaxThreads: sp.MaxThreads})
		}
	}
	q.Procs = append(q.Procs, sampler.ProcSpec{PID: e.opts.SelfPID})
	return q
}

func (e *Enforcer) applyGlobal(ctx context.Context, t *tally) error {
	rs, err := e.loadRules(ctx, model.GlobalIdentity)
	if err != nil || rs == nil || rs.Rules.Len() == 0 {
		return err
	}
	stats, err := e.opts.Source.Scan(ctx, e.systemQuery(ctx))
	if err != nil {
		return errors.Wrap(err, "scan platform threads")
	}
	e.applyMatches(ctx, newMatcher(rs, e.opts.SelfPID), stats, t)
	return nil
}

// applyTarget returns the target's pid, or ErrTargetNotRunning.
func (e *Enforcer) applyTarget(ctx context.Context, identity string, t *tally) (int, error) {
	pid, err := e.opts.Source.PidOf(ctx, identity)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve %s", identity)
	}
	if pid <= 0 {
		return 0, ErrTargetNotRunning
	}
	rs, err := e.loadRules(ctx, identity)
	if err != nil || rs == nil || rs.Rules.Len() == 0 {
		return pid, err
	}
	stats, err := e.opts.Source.Scan(ctx, sampler.Query{Procs: []sampler.ProcSpec{{PID: pid}}})
	if err != nil {
		return pid, errors.Wrapf(err, "scan %s threads", identity)
	}
	e.applyMatches(ctx, newMatcher(rs, e.opts.SelfPID), stats, t)
	return pid, nil
}

func (e *Enforcer) applyMatches(ctx context.Context, m matcher, stats []sampler.ThreadStat, t *tally) {
	seen := make(map[int]bool, len(stats))
	for _, st := range stats {
		if ctx.Err() != nil {
			return
		}
		if seen[st.TID] {
			continue
		}
		seen[st.TID] = true
		if mask, ok := m.match(st); ok {
			e.push(ctx, st, mask, t)
		}
	}
}

// push applies one mask. A zero mask is widened to every core first.
func (e *Enforcer) push(ctx context.Context, st sampler.ThreadStat, mask model.Mask, t *tally) {
	mask = mask.Normalize(e.opts.Cores)
	p := e.opts.Pusher
	if st.PID == e.opts.SelfPID {
		p = e.opts.SelfPusher
	}
	if err := p.Push(ctx, st.TID, mask); err != nil {
		enfLog.WithError(err).WithFields(logrus.Fields{
			"tid":    st.TID,
			"thread": st.Comm,
			"mask":   mask,
		}).Debug("push failed")
		t.fail(errors.Wrapf(err, "thread %d (%s)", st.TID, st.Comm))
		return
	}
	t.applied++
}

// matcher resolves the mask for a live thread. An exact name rule beats
// the self key.
type matcher struct {
	rules   *model.Rules
	selfPID int
	self    model.Mask
	hasSelf bool
}

func newMatcher(rs *model.RuleSet, selfPID int) matcher {
	m := matcher{rules: &rs.Rules, selfPID: selfPID}
	for _, r := range rs.Rules.Entries() {
		if model.ResolveKey(r.Thread) == model.SelfKey {
			m.self, m.hasSelf = r.Mask, true
		}
	}
	return m
}

func (m matcher) match(st sampler.ThreadStat) (model.Mask, bool) {
	if model.ResolveKey(st.Comm) == model.NormalName {
		if mask, ok := m.rules.Get(st.Comm); ok {
			return mask, true
		}
	}
	if m.hasSelf && st.PID == m.selfPID {
		return m.self, true
	}
	return 0, false
}

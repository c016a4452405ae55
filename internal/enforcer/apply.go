package enforcer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/sampler"
)

// ApplyResult counts the pushes made by an interactive apply.
type ApplyResult struct {
	Applied int   `json:"applied"`
	Failed  int   `json:"failed"`
	PID     int   `json:"pid,omitempty"`
	Err     error `json:"-"`
}

func (t *tally) result(pid int) ApplyResult {
	return ApplyResult{Applied: t.applied, Failed: t.failed, PID: pid, Err: t.errs.ErrorOrNil()}
}

// ApplyNow stores thread -> mask for identity and pushes it right away
// instead of waiting for the next cycle.
//
// For the self key every thread name of the enforcing process is stored
// with the mask as well. For a target identity, thread names of the running
// target that have no rule yet are stored with DefaultMask so the whole
// process ends up pinned. The rule is saved even when the target is not
// running; ErrTargetNotRunning is returned in that case.
func (e *Enforcer) ApplyNow(ctx context.Context, identity, thread string, mask model.Mask) (ApplyResult, error) {
	identity, thread = strings.TrimSpace(identity), strings.TrimSpace(thread)
	if identity == "" {
		return ApplyResult{}, ErrNoTarget
	}
	if thread == "" {
		return ApplyResult{}, errors.New("thread name is empty")
	}
	mask = mask.Normalize(e.opts.Cores)

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	rs, err := e.loadRules(ctx, identity)
	if err != nil {
		return ApplyResult{}, err
	}
	if rs == nil {
		rs = model.NewRuleSet(identity, "")
	}
	log := enfLog.WithFields(logrus.Fields{"identity": identity, "thread": thread, "mask": mask})

	switch {
	case model.ResolveKey(thread) == model.SelfKey:
		return e.applySelf(ctx, rs, mask, log)
	case rs.IsGlobal():
		return e.applyGlobalNow(ctx, rs, thread, mask, log)
	default:
		return e.applyTargetNow(ctx, rs, thread, mask, log)
	}
}

func (e *Enforcer) applySelf(ctx context.Context, rs *model.RuleSet, mask model.Mask, log *logrus.Entry) (ApplyResult, error) {
	stats, err := e.opts.Source.Scan(ctx, sampler.Query{Procs: []sampler.ProcSpec{{PID: e.opts.SelfPID}}})
	if err != nil {
		return ApplyResult{}, errors.Wrap(err, "scan own threads")
	}
	for _, st := range stats {
		if st.Comm != "" {
			rs.Rules.Set(st.Comm, mask)
		}
	}
	rs.Rules.Set(model.SelfThreadKey, mask)
	if err := e.opts.Store.Save(ctx, rs); err != nil {
		return ApplyResult{}, errors.Wrap(err, "save rules")
	}

	var t tally
	for _, st := range stats {
		if ctx.Err() != nil {
			break
		}
		e.push(ctx, st, mask, &t)
	}
	log.WithField("applied", t.applied).Info("applied to own threads")
	return t.result(e.opts.SelfPID), nil
}

func (e *Enforcer) applyGlobalNow(ctx context.Context, rs *model.RuleSet, thread string, mask model.Mask, log *logrus.Entry) (ApplyResult, error) {
	rs.Rules.Set(thread, mask)
	if err := e.opts.Store.Save(ctx, rs); err != nil {
		return ApplyResult{}, errors.Wrap(err, "save rules")
	}
	stats, err := e.opts.Source.Scan(ctx, e.systemQuery(ctx))
	if err != nil {
		return ApplyResult{}, errors.Wrap(err, "scan platform threads")
	}
	var t tally
	e.pushNamed(ctx, stats, thread, mask, &t)
	log.WithField("applied", t.applied).Info("applied global rule")
	return t.result(0), nil
}

func (e *Enforcer) applyTargetNow(ctx context.Context, rs *model.RuleSet, thread string, mask model.Mask, log *logrus.Entry) (ApplyResult, error) {
	rs.Rules.Set(thread, mask)

	pid, err := e.opts.Source.PidOf(ctx, rs.Identity)
	if err != nil {
		log.WithError(err).Debug("pidof failed")
		pid = 0
	}
	var stats []sampler.ThreadStat
	if pid > 0 {
		stats, err = e.opts.Source.Scan(ctx, sampler.Query{Procs: []sampler.ProcSpec{{PID: pid}}})
		if err != nil {
			return ApplyResult{}, errors.Wrapf(err, "scan %s threads", rs.Identity)
		}
		for _, st := range stats {
			if st.Comm == "" || model.ResolveKey(st.Comm) == model.SelfKey {
				continue
			}
			if _, ok := rs.Rules.Get(st.Comm); !ok {
				rs.Rules.Set(st.Comm, e.opts.DefaultMask)
			}
		}
	}
	if err := e.opts.Store.Save(ctx, rs); err != nil {
		return ApplyResult{}, errors.Wrap(err, "save rules")
	}
	if pid <= 0 {
		log.Info("rule saved, target not running")
		return ApplyResult{}, ErrTargetNotRunning
	}

	var t tally
	e.pushNamed(ctx, stats, thread, mask, &t)
	log.WithFields(logrus.Fields{"pid": pid, "applied": t.applied}).Info("applied target rule")
	return t.result(pid), nil
}

func (e *Enforcer) pushNamed(ctx context.Context, stats []sampler.ThreadStat, thread string, mask model.Mask, t *tally) {
	for _, st := range stats {
		if ctx.Err() != nil {
			return
		}
		if strings.EqualFold(strings.TrimSpace(st.Comm), thread) {
			e.push(ctx, st, mask, t)
		}
	}
}

// ApplyProcess pushes mask onto every thread of pid without storing a rule.
func (e *Enforcer) ApplyProcess(ctx context.Context, pid int, mask model.Mask) (ApplyResult, error) {
	if pid <= 0 {
		return ApplyResult{}, errors.Errorf("invalid pid %d", pid)
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	stats, err := e.opts.Source.Scan(ctx, sampler.Query{Procs: []sampler.ProcSpec{{PID: pid}}})
	if err != nil {
		return ApplyResult{}, errors.Wrapf(err, "scan pid %d", pid)
	}
	if len(stats) == 0 {
		return ApplyResult{}, errors.Wrapf(ErrTargetNotRunning, "pid %d", pid)
	}
	var t tally
	for _, st := range stats {
		if err := ctx.Err(); err != nil {
			return t.result(pid), err
		}
		e.push(ctx, st, mask, &t)
	}
	enfLog.WithFields(logrus.Fields{"pid": pid, "mask": mask.Normalize(e.opts.Cores), "applied": t.applied}).Info("applied process mask")
	return t.result(pid), nil
}

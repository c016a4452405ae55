package enforcer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rcliao/threadpin/internal/shell"
)

const tuningTimeout = 3 * time.Second

// DefaultTuning disables kernel features that migrate pinned threads back
// (energy aware scheduling, forced load balancing, big task rotation,
// cpuset balancing, core_ctl) and lets the governor ramp to boost quickly.
// The paths are vendor specific; missing ones fail silently.
var DefaultTuning = []string{
	"sysctl -w kernel.sched_energy_aware=0",
	"sysctl -w kernel.sched_force_lb_enable=0",
	"sysctl -w kernel.sched_walt_rotate_big_tasks=0",
	"sysctl -w kernel.sched_nr_migrate=0",
	"echo 0 > /dev/cpuset/sched_load_balance",
	"echo 0 > /sys/devices/system/cpu/cpu0/core_ctl/enable",
	"chmod 644 /sys/devices/system/cpu/cpufreq/boost",
	"echo 1 > /sys/devices/system/cpu/cpufreq/boost",
	"echo 0 > /sys/devices/system/cpu/cpu0/cpufreq/walt/cpufreq_ctrl",
	"echo 0 > /sys/devices/system/cpu/cpu3/cpufreq/walt/cpufreq_ctrl",
	"echo 0 > /sys/devices/system/cpu/cpu7/cpufreq/walt/cpufreq_ctrl",
	"echo 0 > /sys/devices/system/cpu/cpu0/cpufreq/walt/up_rate_limit_us",
	"echo 0 > /sys/devices/system/cpu/cpu3/cpufreq/walt/up_rate_limit_us",
	"echo 0 > /sys/devices/system/cpu/cpu7/cpufreq/walt/up_rate_limit_us",
	"echo 40 > /sys/devices/system/cpu/cpu0/cpufreq/walt/hispeed_load",
	"echo 40 > /sys/devices/system/cpu/cpu3/cpufreq/walt/hispeed_load",
	"echo 40 > /sys/devices/system/cpu/cpu7/cpufreq/walt/hispeed_load",
	"echo 4 > /sys/devices/system/cpu/cpu3/core_ctl/min_cpus",
	"echo 1 > /sys/devices/system/cpu/cpu7/core_ctl/min_cpus",
}

// Tuning configures the advisory first step of every cycle.
type Tuning struct {
	Enabled  bool
	Commands []string // nil means DefaultTuning
	Extra    []string
}

func (t Tuning) commands() []string {
	base := t.Commands
	if base == nil {
		base = DefaultTuning
	}
	out := make([]string, 0, len(base)+len(t.Extra))
	for _, c := range append(append([]string(nil), base...), t.Extra...) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// TuningBatch joins commands into one shell line in which every command is
// silenced and runs regardless of the previous one's status.
func TuningBatch(commands []string) string {
	parts := make([]string, len(commands))
	for i, c := range commands {
		parts[i] = c + " 2>/dev/null"
	}
	return strings.Join(parts, "; ")
}

// tune runs the batch once and returns how many commands failed. If the
// channel fails the whole batch, each command is retried on its own so one
// bad entry cannot starve the rest. The result never affects the rule
// pushes that follow.
func (e *Enforcer) tune(ctx context.Context) int {
	cmds := e.opts.Tuning.commands()
	if len(cmds) == 0 || e.opts.Exec == nil {
		return 0
	}
	_, err := e.opts.Exec.Execute(ctx, TuningBatch(cmds), tuningTimeout)
	if err == nil {
		return 0
	}
	if errors.Is(err, shell.ErrElevationDenied) {
		return len(cmds)
	}
	enfLog.WithError(err).Debug("tuning batch failed, retrying per command")

	failed := 0
	for i, c := range cmds {
		if ctx.Err() != nil {
			return failed + len(cmds) - i
		}
		if _, err := e.opts.Exec.Execute(ctx, TuningBatch([]string{c}), tuningTimeout); err != nil {
			failed++
		}
	}
	enfLog.WithField("failed", failed).Debug("tuning commands retried")
	return failed
}

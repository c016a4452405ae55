package shell

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rcliao/threadpin/internal/model"
)

const (
	// TopAppCpuset is the cpuset group that may use every core.
	TopAppCpuset = "/dev/cpuset/top-app/tasks"

	cpusetTimeout  = time.Second
	tasksetTimeout = 3 * time.Second
	queryTimeout   = 2 * time.Second
)

var failureWords = []string{"failed", "Invalid", "error", "No such"}

// ErrPushRejected means taskset refused the mask.
var ErrPushRejected = errors.New("affinity push rejected")

// MoveToTopApp puts tid into the top-app cpuset so a mask outside the
// default cpuset is accepted. Failure is ignored by callers.
func MoveToTopApp(ctx context.Context, ex Executor, tid int) error {
	_, err := ex.Execute(ctx, fmt.Sprintf("echo %d > %s 2>&1", tid, TopAppCpuset), cpusetTimeout)
	return err
}

// SetAffinity pushes mask onto tid. The thread is first moved to the top-app
// cpuset, then taskset is run with the uppercase hex mask.
func SetAffinity(ctx context.Context, ex Executor, tid int, mask model.Mask) error {
	if err := MoveToTopApp(ctx, ex, tid); err != nil {
		shellLog.WithError(err).WithField("tid", tid).Debug("cpuset move failed")
	}
	out, err := ex.Execute(ctx, TasksetCommand(tid, mask), tasksetTimeout)
	if err != nil {
		return errors.Wrapf(err, "taskset %d", tid)
	}
	if rejected(out) {
		return errors.Wrapf(ErrPushRejected, "taskset %d: %s", tid, strings.TrimSpace(out))
	}
	return nil
}

// TasksetCommand returns the command line that sets tid's mask.
func TasksetCommand(tid int, mask model.Mask) string {
	return fmt.Sprintf("taskset -p %s %d 2>&1", strings.TrimPrefix(mask.Hex(), model.MaskPrefix), tid)
}

// GetAffinity reads tid's current mask from taskset output such as
// "pid 123's current affinity mask: ff".
func GetAffinity(ctx context.Context, ex Executor, tid int) (model.Mask, error) {
	out, err := ex.Execute(ctx, fmt.Sprintf("taskset -p %d 2>&1", tid), queryTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "taskset %d", tid)
	}
	return ParseTasksetMask(out)
}

// ParseTasksetMask extracts the hex mask after "mask:".
func ParseTasksetMask(out string) (model.Mask, error) {
	i := strings.Index(out, "mask:")
	if i < 0 {
		return 0, errors.Errorf("no mask in taskset output %q", strings.TrimSpace(out))
	}
	field := strings.Fields(out[i+len("mask:"):])
	if len(field) == 0 {
		return 0, errors.Errorf("empty mask in taskset output %q", strings.TrimSpace(out))
	}
	v, err := strconv.ParseUint(field[0], 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse mask %q", field[0])
	}
	return model.Mask(v), nil
}

// PidOf returns the first pid of the named process, or 0 when none runs.
func PidOf(ctx context.Context, ex Executor, name string) (int, error) {
	out, err := ex.Execute(ctx, "pidof "+Quote(name), queryTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "pidof %s", name)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, errors.Wrapf(err, "pidof %s", name)
	}
	return pid, nil
}

// ListTIDs returns the thread ids under /proc/<pid>/task.
func ListTIDs(ctx context.Context, ex Executor, pid int) ([]int, error) {
	out, err := ex.Execute(ctx, fmt.Sprintf("ls /proc/%d/task 2>/dev/null", pid), queryTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "list tasks of %d", pid)
	}
	var tids []int
	for _, f := range strings.Fields(out) {
		if tid, err := strconv.Atoi(f); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// HasRoot reports whether the shell runs as uid 0.
func HasRoot(ctx context.Context, ex Executor) bool {
	out, err := ex.Execute(ctx, "id", queryTimeout)
	return err == nil && strings.Contains(out, "uid=0")
}

// Quote wraps s in single quotes for the shell, escaping embedded quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func rejected(out string) bool {
	for _, w := range failureWords {
		if strings.Contains(out, w) {
			return true
		}
	}
	return false
}

package sampler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ProcSpec selects the threads of one process. MaxThreads > 0 keeps only
// the first MaxThreads task entries.
type ProcSpec struct {
	PID        int
	MaxThreads int
}

// Query is a declarative batch scan: for every listed process, read each
// thread's name, accumulated CPU ticks and last core.
type Query struct {
	Procs []ProcSpec
}

// Key identifies the query for caching its compiled form.
func (q Query) Key() string {
	var b strings.Builder
	for _, p := range q.Procs {
		fmt.Fprintf(&b, "%d/%d;", p.PID, p.MaxThreads)
	}
	return b.String()
}

// awkScan reads /proc/<pid>/task/<tid>/stat for one process. comm is the
// text between the first "(" and the last ")"; fields after ")" are counted
// from state, so utime and stime are f[12] and f[13] and processor is f[37].
const awkScan = `function scan(pid, cap,  cmd, tid, file, line, s, e, i, n, f) {` +
	`cmd = "ls /proc/" pid "/task 2>/dev/null"; if (cap > 0) cmd = cmd " | head -" cap; ` +
	`while ((cmd | getline tid) > 0) { file = "/proc/" pid "/task/" tid "/stat"; ` +
	`if ((getline line < file) > 0) { s = index(line, "("); e = 0; ` +
	`for (i = length(line); i > s && e == 0; i--) if (substr(line, i, 1) == ")") e = i; ` +
	`if (s > 0 && e > s) { n = split(substr(line, e + 2), f, " "); ` +
	`print tid "|" substr(line, s + 1, e - s - 1) "|" (f[12] + f[13]) "|" f[37] "|" pid } } ` +
	`close(file) } close(cmd) }`

// Compile renders the query as a single awk invocation.
func (q Query) Compile() string {
	var calls strings.Builder
	for _, p := range q.Procs {
		if p.PID <= 0 {
			continue
		}
		fmt.Fprintf(&calls, "scan(%d, %d); ", p.PID, p.MaxThreads)
	}
	return "awk '" + awkScan + " BEGIN { " + calls.String() + "}' 2>/dev/null"
}

// ThreadStat is one thread as read from /proc.
type ThreadStat struct {
	TID   int
	PID   int
	Comm  string
	Ticks uint64
	Core  int
}

// ParseOutput reads the lines printed by a compiled query:
// tid|comm|ticks|core|pid. comm may itself contain "|", so the numeric
// fields are taken from both ends. Malformed lines are skipped and counted.
func ParseOutput(out string) ([]ThreadStat, int) {
	var stats []ThreadStat
	bad := 0
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		st, err := parseLine(line)
		if err != nil {
			samplerLog.WithError(err).Debug("skipping malformed scan line")
			bad++
			continue
		}
		stats = append(stats, st)
	}
	return stats, bad
}

func parseLine(line string) (ThreadStat, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 5 {
		return ThreadStat{}, errors.Errorf("want 5 fields, got %d in %q", len(parts), line)
	}
	n := len(parts)
	var st ThreadStat
	var err error
	if st.TID, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return st, errors.Wrapf(err, "tid in %q", line)
	}
	if st.PID, err = strconv.Atoi(strings.TrimSpace(parts[n-1])); err != nil {
		return st, errors.Wrapf(err, "pid in %q", line)
	}
	st.Core = -1
	if c := strings.TrimSpace(parts[n-2]); c != "" {
		if st.Core, err = strconv.Atoi(c); err != nil {
			return st, errors.Wrapf(err, "core in %q", line)
		}
	}
	ticks, err := strconv.ParseFloat(strings.TrimSpace(parts[n-3]), 64)
	if err != nil || ticks < 0 {
		return st, errors.Errorf("bad ticks in %q", line)
	}
	st.Ticks = uint64(ticks)
	st.Comm = strings.TrimSpace(strings.Join(parts[1:n-3], "|"))
	return st, nil
}

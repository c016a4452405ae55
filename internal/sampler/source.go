package sampler

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/rcliao/threadpin/internal/shell"
)

// Source runs batch thread scans and resolves process names to pids.
type Source interface {
	Scan(ctx context.Context, q Query) ([]ThreadStat, error)
	PidOf(ctx context.Context, name string) (int, error)
}

const scanTimeout = 5 * time.Second

// ShellSource scans through the elevated shell, which can read other
// processes' /proc entries.
type ShellSource struct {
	exec shell.Executor

	mu       sync.Mutex
	lastKey  string
	compiled string
}

// NewShellSource returns a source that runs compiled queries on ex.
func NewShellSource(ex shell.Executor) *ShellSource {
	return &ShellSource{exec: ex}
}

// Scan runs q in a single privileged call. The compiled text is reused while
// the query does not change.
func (s *ShellSource) Scan(ctx context.Context, q Query) ([]ThreadStat, error) {
	out, err := s.exec.Execute(ctx, s.compile(q), scanTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "thread scan")
	}
	stats, _ := ParseOutput(out)
	return stats, nil
}

func (s *ShellSource) compile(q Query) string {
	key := q.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != s.lastKey || s.compiled == "" {
		s.lastKey = key
		s.compiled = q.Compile()
	}
	return s.compiled
}

// PidOf resolves name with pidof.
func (s *ShellSource) PidOf(ctx context.Context, name string) (int, error) {
	return shell.PidOf(ctx, s.exec, name)
}

// ProcfsSource reads /proc directly. It only sees processes this process may
// inspect, so it suits running as root or sampling our own threads.
type ProcfsSource struct {
	fs procfs.FS
}

// NewProcfsSource opens the proc filesystem at mount, usually "/proc".
func NewProcfsSource(mount string) (*ProcfsSource, error) {
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, errors.Wrapf(err, "open procfs at %s", mount)
	}
	return &ProcfsSource{fs: fs}, nil
}

// Scan reads every thread's stat file. Threads that exit mid-scan are skipped.
func (s *ProcfsSource) Scan(ctx context.Context, q Query) ([]ThreadStat, error) {
	var stats []ThreadStat
	for _, spec := range q.Procs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if spec.PID <= 0 {
			continue
		}
		threads, err := s.fs.AllThreads(spec.PID)
		if err != nil {
			samplerLog.WithError(err).WithField("pid", spec.PID).Debug("cannot list threads")
			continue
		}
		sort.Slice(threads, func(i, j int) bool { return threads[i].PID < threads[j].PID })
		if spec.MaxThreads > 0 && len(threads) > spec.MaxThreads {
			threads = threads[:spec.MaxThreads]
		}
		for _, t := range threads {
			st, err := t.Stat()
			if err != nil {
				continue
			}
			stats = append(stats, ThreadStat{
				TID:   t.PID,
				PID:   spec.PID,
				Comm:  st.Comm,
				Ticks: uint64(st.UTime + st.STime),
				Core:  int(st.Processor),
			})
		}
	}
	return stats, nil
}

// PidOf returns the lowest pid whose comm or argv[0] equals name.
func (s *ProcfsSource) PidOf(ctx context.Context, name string) (int, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return 0, errors.Wrap(err, "list processes")
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	for _, p := range procs {
		if comm, err := p.Comm(); err == nil && comm == name {
			return p.PID, nil
		}
		if argv, err := p.CmdLine(); err == nil && len(argv) > 0 {
			if argv[0] == name || filepath.Base(argv[0]) == name {
				return p.PID, nil
			}
		}
	}
	return 0, nil
}

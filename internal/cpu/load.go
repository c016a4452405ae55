package cpu

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Load is CPU utilisation in percent between two /proc/stat readings.
type Load struct {
	Overall float64   `json:"overall"`
	PerCore []float64 `json:"per_core"`
}

// LoadSampler turns successive /proc/stat readings into utilisation.
// The first call has nothing to compare with and reports ok=false.
type LoadSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevTotal procfs.CPUStat
	prevCores map[int64]procfs.CPUStat
	primed    bool
}

// NewLoadSampler reads from the proc filesystem at mount, usually "/proc".
func NewLoadSampler(mount string) (*LoadSampler, error) {
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, errors.Wrapf(err, "open procfs at %s", mount)
	}
	return &LoadSampler{fs: fs}, nil
}

// Sample reads /proc/stat and returns the load since the previous call.
func (s *LoadSampler) Sample() (Load, bool, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return Load{}, false, errors.Wrap(err, "read /proc/stat")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevTotal, prevCores, primed := s.prevTotal, s.prevCores, s.primed
	s.prevTotal, s.prevCores, s.primed = stat.CPUTotal, stat.CPU, true
	if !primed {
		return Load{}, false, nil
	}

	load := Load{Overall: busyPercent(prevTotal, stat.CPUTotal)}
	var highest int64 = -1
	for id := range stat.CPU {
		if id > highest {
			highest = id
		}
	}
	load.PerCore = make([]float64, highest+1)
	for id, cur := range stat.CPU {
		if prev, ok := prevCores[id]; ok {
			load.PerCore[id] = busyPercent(prev, cur)
		}
	}
	return load, true, nil
}

func busyPercent(prev, cur procfs.CPUStat) float64 {
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total := sum(cur) - sum(prev)
	if total <= 0 {
		return 0
	}
	busy := (total - idle) / total * 100
	if busy < 0 {
		return 0
	}
	return busy
}

func sum(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

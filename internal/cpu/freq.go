package cpu

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs/sysfs"
)

// SysfsReader reads cpufreq values from a sysfs mount.
type SysfsReader struct {
	fs sysfs.FS
}

// NewSysfsReader opens the sysfs tree at mount, usually "/sys".
func NewSysfsReader(mount string) (*SysfsReader, error) {
	fs, err := sysfs.NewFS(mount)
	if err != nil {
		return nil, errors.Wrapf(err, "open sysfs at %s", mount)
	}
	return &SysfsReader{fs: fs}, nil
}

func (r *SysfsReader) read(pick func(sysfs.SystemCPUCpufreqStats) *uint64) (map[int]uint64, error) {
	stats, err := r.fs.SystemCpufreq()
	if err != nil {
		return nil, errors.Wrap(err, "read cpufreq")
	}
	out := make(map[int]uint64, len(stats))
	for _, s := range stats {
		core, err := strconv.Atoi(s.Name)
		if err != nil {
			continue
		}
		if v := pick(s); v != nil {
			out[core] = *v
		}
	}
	return out, nil
}

// MaxFreqKHz reads cpuinfo_max_freq for every core that exposes it.
func (r *SysfsReader) MaxFreqKHz() (map[int]uint64, error) {
	return r.read(func(s sysfs.SystemCPUCpufreqStats) *uint64 {
		return s.CpuinfoMaximumFrequency
	})
}

// CurFreqKHz reads scaling_cur_freq, falling back to cpuinfo_cur_freq.
func (r *SysfsReader) CurFreqKHz() (map[int]uint64, error) {
	return r.read(func(s sysfs.SystemCPUCpufreqStats) *uint64 {
		if s.ScalingCurrentFrequency != nil {
			return s.ScalingCurrentFrequency
		}
		return s.CpuinfoCurrentFrequency
	})
}

// CurrentFreqs returns each core's current frequency in MHz; unreadable
// cores report 0.
func (t *Topology) CurrentFreqs(r FreqReader) []int {
	out := make([]int, t.Cores)
	if r == nil {
		return out
	}
	khz, err := r.CurFreqKHz()
	if err != nil {
		cpuLog.WithError(err).Debug("cannot read current frequencies")
		return out
	}
	for c := range out {
		out[c] = int(khz[c] / 1000)
	}
	return out
}

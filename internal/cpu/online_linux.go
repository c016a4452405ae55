//go:build linux

package cpu

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/rcliao/threadpin/internal/model"
)

// OnlineCores counts the cores masks must address. A restricted cpuset can
// hide cores from runtime.NumCPU, so the highest allowed index also counts.
func OnlineCores() int {
	n := runtime.NumCPU()
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return n
	}
	cores := model.MaskFromCPUSet(&set).Cores()
	if len(cores) == 0 {
		return n
	}
	if highest := cores[len(cores)-1] + 1; highest > n {
		return highest
	}
	return n
}

//go:build linux

package shell

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/rcliao/threadpin/internal/model"
)

// SetLocalAffinity pins a thread of this process without going through the
// shell; no privilege is needed for our own threads.
func SetLocalAffinity(tid int, mask model.Mask) error {
	set := mask.CPUSet()
	if err := unix.SchedSetaffinity(tid, &set); err != nil {
		return errors.Wrapf(err, "sched_setaffinity %d", tid)
	}
	return nil
}

// LocalAffinity reads the mask of a thread visible to this process.
func LocalAffinity(tid int) (model.Mask, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(tid, &set); err != nil {
		return 0, errors.Wrapf(err, "sched_getaffinity %d", tid)
	}
	return model.MaskFromCPUSet(&set), nil
}

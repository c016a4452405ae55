//go:build !linux

package shell

import (
	"github.com/pkg/errors"

	"github.com/rcliao/threadpin/internal/model"
)

var errUnsupported = errors.New("thread affinity is not supported on this platform")

// SetLocalAffinity is unavailable off Linux.
func SetLocalAffinity(tid int, mask model.Mask) error {
	return errUnsupported
}

// LocalAffinity is unavailable off Linux.
func LocalAffinity(tid int) (model.Mask, error) {
	return 0, errUnsupported
}

//go:build linux

package shell

import (
	"os"

	"github.com/syndtr/gocapability/capability"
)

// DefaultCommand returns "sh" when this process can already change other
// threads' affinity, and "su" otherwise.
func DefaultCommand() []string {
	if privileged() {
		return []string{"sh"}
	}
	return []string{"su"}
}

func privileged() bool {
	if os.Geteuid() == 0 {
		return true
	}
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false
	}
	if err := caps.Load(); err != nil {
		return false
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_NICE) &&
		caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN)
}

//go:build !linux

package cpu

import "runtime"

// OnlineCores counts the logical cores.
func OnlineCores() int {
	return runtime.NumCPU()
}

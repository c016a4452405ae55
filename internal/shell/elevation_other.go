//go:build !linux

package shell

// DefaultCommand returns the elevation command for platforms without
// capability support.
func DefaultCommand() []string {
	return []string{"su"}
}

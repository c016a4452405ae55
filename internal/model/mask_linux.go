//go:build linux

package model

import "golang.org/x/sys/unix"

// CPUSet converts the mask into the kernel's cpu_set_t form.
func (m Mask) CPUSet() unix.CPUSet {
	var set unix.CPUSet
	set.Zero()
	for _, c := range m.Cores() {
		set.Set(c)
	}
	return set
}

// MaskFromCPUSet collects the first 64 cores of set.
func MaskFromCPUSet(set *unix.CPUSet) Mask {
	var m Mask
	for i := 0; i < 64; i++ {
		if set.IsSet(i) {
			m |= 1 << uint(i)
		}
	}
	return m
}

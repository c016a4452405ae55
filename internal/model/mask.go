// Package model defines the core affinity data types.
package model

import (
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

// MaskPrefix precedes the uppercase hex digits of a persisted mask.
const MaskPrefix = "0x"

// Mask is a CPU affinity bitset: bit i set means core i is allowed.
type Mask uint64

// FullMask returns the mask with every one of the given cores set.
func FullMask(cores int) Mask {
	if cores <= 0 {
		return 0
	}
	if cores >= 64 {
		return ^Mask(0)
	}
	return Mask(1)<<uint(cores) - 1
}

// RangeMask returns the bits for cores first..last inclusive.
func RangeMask(first, last int) Mask {
	var m Mask
	for i := first; i <= last && i < 64; i++ {
		if i >= 0 {
			m |= 1 << uint(i)
		}
	}
	return m
}

// MaskOf builds a mask from core indexes.
func MaskOf(cores ...int) Mask {
	var m Mask
	for _, c := range cores {
		if c >= 0 && c < 64 {
			m |= 1 << uint(c)
		}
	}
	return m
}

// Hex renders the wire form, e.g. "0xF0".
func (m Mask) Hex() string {
	return MaskPrefix + strings.ToUpper(strconv.FormatUint(uint64(m), 16))
}

func (m Mask) String() string { return m.Hex() }

// Normalize never lets a zero mask through: zero becomes every core.
func (m Mask) Normalize(cores int) Mask {
	if m == 0 {
		return FullMask(cores)
	}
	return m
}

// Has reports whether core is part of the mask.
func (m Mask) Has(core int) bool {
	return core >= 0 && core < 64 && m&(1<<uint(core)) != 0
}

// Count returns the number of cores in the mask.
func (m Mask) Count() int { return bits.OnesCount64(uint64(m)) }

// Cores lists the set core indexes in ascending order.
func (m Mask) Cores() []int {
	var out []int
	for i := 0; i < 64; i++ {
		if m.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// ParseMask accepts "0x"-prefixed hex or a plain decimal number.
// Plain digits are decimal to stay compatible with the numeric form
// older records used.
func ParseMask(s string) (Mask, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty mask")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hex mask %q: %w", s, err)
		}
		return Mask(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid mask %q: %w", s, err)
	}
	return Mask(v), nil
}

// ParseCoreList parses "0-2,5,7" into a mask.
func ParseCoreList(s string) (Mask, error) {
	var m Mask
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return 0, fmt.Errorf("invalid core %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return 0, fmt.Errorf("invalid core range %q", part)
			}
		}
		if first < 0 || last < first || last > 63 {
			return 0, fmt.Errorf("core range %q out of bounds", part)
		}
		m |= RangeMask(first, last)
	}
	if m == 0 {
		return 0, fmt.Errorf("no cores in %q", s)
	}
	return m, nil
}

// CoreList renders set cores as "0,1,2".
func (m Mask) CoreList() string {
	cores := m.Cores()
	parts := make([]string, len(cores))
	for i, c := range cores {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// Ranges renders set cores compactly, e.g. "0-2,5".
func (m Mask) Ranges() string {
	cores := m.Cores()
	sort.Ints(cores)
	var parts []string
	for i := 0; i < len(cores); {
		j := i
		for j+1 < len(cores) && cores[j+1] == cores[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, strconv.Itoa(cores[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", cores[i], cores[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// Package cpu detects the heterogeneous core layout of the device and
// renders affinity masks in terms of it.
package cpu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/threadpin/internal/model"
)

// DefaultCores is assumed when the core count cannot be determined.
const DefaultCores = 8

var (
	cpuLog = logrus.WithField("source", "cpu")

	groupColors = []string{"#7BA3B5", "#D4B445", "#C45C5C", "#AA44AA"}

	groupLabels = map[int][]string{
		1: {"All"},
		2: {"Small", "Large"},
		3: {"Small", "Medium", "Large"},
		4: {"Small", "Medium", "Large", "Prime"},
	}
)

// SetLogger replaces the package logger.
func SetLogger(entry *logrus.Entry) {
	cpuLog = entry.WithField("source", "cpu")
}

// FreqReader reads per-core frequencies in kHz, keyed by core index.
// Cores missing from the result are treated as unreadable.
type FreqReader interface {
	MaxFreqKHz() (map[int]uint64, error)
	CurFreqKHz() (map[int]uint64, error)
}

// Topology is the detected core layout. It is computed once and then
// only read.
type Topology struct {
	Cores      int               `json:"cores"`
	MaxFreqMHz []int             `json:"max_freq_mhz"`
	Estimated  bool              `json:"estimated,omitempty"`
	Groups     []model.CoreGroup `json:"groups"`
}

// HeuristicFreqMHz is the fallback maximum frequency for an unreadable core.
func HeuristicFreqMHz(core int) int {
	switch {
	case core < 3:
		return 2000
	case core < 7:
		return 2800
	default:
		return 3200
	}
}

// Detect builds the topology for the given core count. A non-positive count
// falls back to the online cores, then to DefaultCores. A nil reader or a
// read error uses the frequency heuristic for every core.
func Detect(r FreqReader, cores int) *Topology {
	if cores <= 0 {
		cores = OnlineCores()
	}
	if cores <= 0 {
		cores = DefaultCores
	}
	if cores > 64 {
		cores = 64
	}

	var readings map[int]uint64
	if r != nil {
		var err error
		if readings, err = r.MaxFreqKHz(); err != nil {
			cpuLog.WithError(err).Warn("cannot read max frequencies, using heuristic")
		}
	}

	t := &Topology{Cores: cores, MaxFreqMHz: make([]int, cores)}
	for c := 0; c < cores; c++ {
		if khz, ok := readings[c]; ok && khz > 0 {
			t.MaxFreqMHz[c] = int(khz / 1000)
			continue
		}
		t.MaxFreqMHz[c] = HeuristicFreqMHz(c)
		t.Estimated = true
	}
	t.Groups = groupCores(t.MaxFreqMHz)

	cpuLog.WithFields(logrus.Fields{
		"cores":     cores,
		"groups":    len(t.Groups),
		"estimated": t.Estimated,
	}).Info(t.Description())
	return t
}

// groupCores buckets cores by distinct frequency, ascending. Classes beyond
// the fourth collapse into the last one. The result always partitions
// [0, len(freqs)) into contiguous runs.
func groupCores(freqs []int) []model.CoreGroup {
	if len(freqs) == 0 {
		return nil
	}

	distinct := uniqueSorted(freqs)
	classes := len(distinct)
	if classes > len(groupColors) {
		classes = len(groupColors)
	}
	rank := make(map[int]int, len(distinct))
	classFreq := make([]int, classes)
	for i, f := range distinct {
		if i >= classes {
			i = classes - 1
		}
		rank[f] = i
		classFreq[i] = f
	}

	class := make([]int, len(freqs))
	monotonic := true
	for c, f := range freqs {
		class[c] = rank[f]
		if c > 0 && class[c] < class[c-1] {
			monotonic = false
		}
	}
	if !monotonic {
		// Frequencies are not ordered by core index. Keep each class's size
		// but lay the classes out as consecutive index ranges.
		sizes := make([]int, classes)
		for _, k := range class {
			sizes[k]++
		}
		c := 0
		for k, n := range sizes {
			for i := 0; i < n; i++ {
				class[c] = k
				c++
			}
		}
	}

	labels := groupLabels[classes]
	groups := make([]model.CoreGroup, 0, classes)
	for c := 0; c < len(freqs); {
		k := class[c]
		last := c
		for last+1 < len(freqs) && class[last+1] == k {
			last++
		}
		groups = append(groups, model.CoreGroup{
			Label:      labels[k],
			First:      c,
			Last:       last,
			Mask:       model.RangeMask(c, last),
			MaxFreqMHz: classFreq[k],
			Color:      groupColors[k],
		})
		c = last + 1
	}
	return groups
}

func uniqueSorted(values []int) []int {
	seen := make(map[int]bool, len(values))
	var out []int
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// Full is the mask of every core.
func (t *Topology) Full() model.Mask {
	return model.FullMask(t.Cores)
}

// QuickMasks returns [clear, group masks..., all].
func (t *Topology) QuickMasks() []model.Mask {
	masks := make([]model.Mask, 0, len(t.Groups)+2)
	masks = append(masks, 0)
	for _, g := range t.Groups {
		masks = append(masks, g.Mask)
	}
	return append(masks, t.Full())
}

// QuickLabels returns the button labels matching QuickMasks.
func (t *Topology) QuickLabels() []string {
	labels := make([]string, 0, len(t.Groups)+2)
	labels = append(labels, "Clr")
	for _, g := range t.Groups {
		labels = append(labels, g.Label[:1])
	}
	return append(labels, "All")
}

// MaskToLabel names a mask: "All" for every core, a group label for an exact
// group mask, otherwise the comma-separated core indexes.
func (t *Topology) MaskToLabel(m model.Mask) string {
	if m == t.Full() {
		return "All"
	}
	for _, g := range t.Groups {
		if m == g.Mask {
			return g.Label
		}
	}
	return m.CoreList()
}

// LabelToMask inverts MaskToLabel. It also accepts core ranges like "0-2,5".
func (t *Topology) LabelToMask(label string) (model.Mask, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return 0, nil
	}
	if strings.EqualFold(label, "All") {
		return t.Full(), nil
	}
	for _, g := range t.Groups {
		if strings.EqualFold(label, g.Label) {
			return g.Mask, nil
		}
	}
	m, err := model.ParseCoreList(label)
	if err != nil {
		return 0, err
	}
	if m&^t.Full() != 0 {
		return 0, fmt.Errorf("label %q names cores beyond %d", label, t.Cores-1)
	}
	return m, nil
}

// ShortLabel is the compact form used in thread listings: "All", a group's
// initial, or the core digits run together.
func (t *Topology) ShortLabel(m model.Mask) string {
	if m == t.Full() {
		return "All"
	}
	for _, g := range t.Groups {
		if m == g.Mask {
			return g.Label[:1]
		}
	}
	return strings.ReplaceAll(m.CoreList(), ",", "")
}

// MaskToRange renders the mask as core ranges, e.g. "0-2,5".
func (t *Topology) MaskToRange(m model.Mask) string {
	return m.Ranges()
}

// GroupForCore returns the group containing core.
func (t *Topology) GroupForCore(core int) (model.CoreGroup, bool) {
	for _, g := range t.Groups {
		if core >= g.First && core <= g.Last {
			return g, true
		}
	}
	return model.CoreGroup{}, false
}

// Description summarises the layout, e.g. "CPU: 8 cores (Small 0-2 | Large 3-7)".
func (t *Topology) Description() string {
	parts := make([]string, len(t.Groups))
	for i, g := range t.Groups {
		parts[i] = g.Label + " " + g.Range()
	}
	return fmt.Sprintf("CPU: %d cores (%s)", t.Cores, strings.Join(parts, " | "))
}

package cpu

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/threadpin/internal/model"
)

func init() {
	l := logrus.New()
	l.Out = io.Discard
	SetLogger(logrus.NewEntry(l))
}

type fakeFreqs struct {
	max map[int]uint64
	cur map[int]uint64
	err error
}

func (f fakeFreqs) MaxFreqKHz() (map[int]uint64, error) { return f.max, f.err }
func (f fakeFreqs) CurFreqKHz() (map[int]uint64, error) { return f.cur, f.err }

func khz(mhz ...int) map[int]uint64 {
	out := make(map[int]uint64, len(mhz))
	for i, f := range mhz {
		out[i] = uint64(f) * 1000
	}
	return out
}

func assertPartition(t *testing.T, topo *Topology) {
	t.Helper()
	next := 0
	var covered model.Mask
	for i, g := range topo.Groups {
		assert.Equal(t, next, g.First, "group %d starts where the previous ended", i)
		assert.Equal(t, model.RangeMask(g.First, g.Last), g.Mask)
		assert.Zero(t, covered&g.Mask, "group %d overlaps", i)
		covered |= g.Mask
		if i > 0 {
			assert.Less(t, topo.Groups[i-1].MaxFreqMHz, g.MaxFreqMHz)
		}
		next = g.Last + 1
	}
	assert.Equal(t, topo.Cores, next)
	assert.Equal(t, topo.Full(), covered)
}

func TestDetectThreeClusters(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(2016, 2016, 2016, 2803, 2803, 2803, 2803, 3187)}, 8)

	require.Len(t, topo.Groups, 3)
	assert.False(t, topo.Estimated)
	assert.Equal(t, []string{"Small", "Medium", "Large"}, []string{topo.Groups[0].Label, topo.Groups[1].Label, topo.Groups[2].Label})
	assert.Equal(t, model.Mask(0x07), topo.Groups[0].Mask)
	assert.Equal(t, model.Mask(0x78), topo.Groups[1].Mask)
	assert.Equal(t, model.Mask(0x80), topo.Groups[2].Mask)
	assert.Equal(t, "#7BA3B5", topo.Groups[0].Color)
	assert.Equal(t, 3187, topo.Groups[2].MaxFreqMHz)
	assert.Equal(t, "CPU: 8 cores (Small 0-2 | Medium 3-6 | Large 7)", topo.Description())
	assertPartition(t, topo)
}

func TestDetectTwoClusters(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(3532, 3532, 3532, 3532, 3532, 3532, 4320, 4320)}, 8)

	require.Len(t, topo.Groups, 2)
	assert.Equal(t, "Small", topo.Groups[0].Label)
	assert.Equal(t, "Large", topo.Groups[1].Label)
	assertPartition(t, topo)
}

func TestDetectCollapsesExtraClassesIntoPrime(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(1000, 1100, 1200, 1300, 1400, 1500)}, 6)

	require.Len(t, topo.Groups, 4)
	prime := topo.Groups[3]
	assert.Equal(t, "Prime", prime.Label)
	assert.Equal(t, 3, prime.First)
	assert.Equal(t, 5, prime.Last)
	assert.Equal(t, 1500, prime.MaxFreqMHz)
	assertPartition(t, topo)
}

func TestDetectDegenerateIsSingleGroup(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(1800, 1800, 1800, 1800)}, 4)

	require.Len(t, topo.Groups, 1)
	assert.Equal(t, "All", topo.Groups[0].Label)
	assert.Equal(t, model.Mask(0x0F), topo.Groups[0].Mask)
	assertPartition(t, topo)
}

func TestDetectNonContiguousFrequencies(t *testing.T) {
	// Big cores enumerated first.
	topo := Detect(fakeFreqs{max: khz(3000, 3000, 1800, 1800, 1800, 1800)}, 6)

	require.Len(t, topo.Groups, 2)
	assert.Equal(t, model.Mask(0x0F), topo.Groups[0].Mask)
	assert.Equal(t, model.Mask(0x30), topo.Groups[1].Mask)
	assertPartition(t, topo)
}

func TestDetectFallsBackToHeuristic(t *testing.T) {
	topo := Detect(fakeFreqs{err: errors.New("no sysfs")}, 8)

	assert.True(t, topo.Estimated)
	assert.Equal(t, []int{2000, 2000, 2000, 2800, 2800, 2800, 2800, 3200}, topo.MaxFreqMHz)
	require.Len(t, topo.Groups, 3)
	assertPartition(t, topo)

	partial := Detect(fakeFreqs{max: map[int]uint64{0: 1800000}}, 2)
	assert.True(t, partial.Estimated)
	assert.Equal(t, []int{1800, 2000}, partial.MaxFreqMHz)
}

func TestQuickMasksAndLabels(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(2016, 2016, 2016, 2803, 2803, 2803, 2803, 3187)}, 8)

	assert.Equal(t, []model.Mask{0, 0x07, 0x78, 0x80, 0xFF}, topo.QuickMasks())
	assert.Equal(t, []string{"Clr", "S", "M", "L", "All"}, topo.QuickLabels())
}

func TestMaskToLabel(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(2016, 2016, 2016, 2803, 2803, 2803, 2803, 3187)}, 8)

	assert.Equal(t, "All", topo.MaskToLabel(0xFF))
	assert.Equal(t, "Medium", topo.MaskToLabel(0x78))
	assert.Equal(t, "0,1,7", topo.MaskToLabel(0x83))
	assert.Equal(t, "M", topo.ShortLabel(0x78))
	assert.Equal(t, "017", topo.ShortLabel(0x83))
	assert.Equal(t, "0-1,7", topo.MaskToRange(0x83))
}

func TestMaskToLabelRoundTrips(t *testing.T) {
	layouts := [][]int{
		{2016, 2016, 2016, 2803, 2803, 2803, 2803, 3187},
		{1800, 1800, 1800, 1800},
		{1000, 1100, 1200, 1300, 1400, 1500},
	}
	for _, freqs := range layouts {
		topo := Detect(fakeFreqs{max: khz(freqs...)}, len(freqs))
		for m := model.Mask(0); m <= topo.Full(); m++ {
			back, err := topo.LabelToMask(topo.MaskToLabel(m))
			require.NoError(t, err, "mask %s", m)
			require.Equal(t, m, back, "label %q", topo.MaskToLabel(m))
		}
	}
}

func TestLabelToMaskRejectsUnknownCores(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(1800, 1800, 1800, 1800)}, 4)

	_, err := topo.LabelToMask("0,9")
	assert.Error(t, err)
	_, err = topo.LabelToMask("bogus")
	assert.Error(t, err)
}

func TestGroupForCore(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(2016, 2016, 2016, 2803, 2803, 2803, 2803, 3187)}, 8)

	g, ok := topo.GroupForCore(5)
	require.True(t, ok)
	assert.Equal(t, "Medium", g.Label)
	_, ok = topo.GroupForCore(12)
	assert.False(t, ok)
}

func TestCurrentFreqs(t *testing.T) {
	topo := Detect(fakeFreqs{max: khz(1800, 1800)}, 2)

	freqs := topo.CurrentFreqs(fakeFreqs{cur: map[int]uint64{0: 1200000}})
	assert.Equal(t, []int{1200, 0}, freqs)
	assert.Equal(t, []int{0, 0}, topo.CurrentFreqs(nil))
}

package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/rcliao/threadpin/internal/config"
	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/model"
)

// Without a frequency reader 8 cores split into Small 0-2, Medium 3-6 and
// Large 7.
func testTopology() *cpu.Topology {
	return cpu.Detect(nil, 8)
}

func TestParseMask(t *testing.T) {
	topo := testTopology()
	cases := map[string]model.Mask{
		"0xF0":   0xF0,
		"240":    0xF0,
		"Medium": 0x78,
		"large":  0x80,
		"All":    0xFF,
		"4-7":    0xF0,
		"0,2":    0x5,
	}
	for in, want := range cases {
		got, err := parseMask(topo, in)
		if err != nil {
			t.Fatalf("parseMask(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseMask(%q) = %s, want %s", in, got, want)
		}
	}

	for _, bad := range []string{"", "Huge", "0xZZ", "9-12"} {
		if _, err := parseMask(topo, bad); err == nil {
			t.Fatalf("parseMask(%q) should fail", bad)
		}
	}
}

func TestParsePairs(t *testing.T) {
	topo := testTopology()
	rules, err := parsePairs(topo, "UnityMain:0xF0, RenderThread:Large\nWorker:1:0x7,,")
	if err != nil {
		t.Fatalf("parsePairs: %v", err)
	}
	want := []model.Rule{
		{Thread: "UnityMain", Mask: 0xF0},
		{Thread: "RenderThread", Mask: 0x80},
		{Thread: "Worker:1", Mask: 0x7},
	}
	if len(rules) != len(want) {
		t.Fatalf("expected %d rules, got %+v", len(want), rules)
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Fatalf("rule %d = %+v, want %+v", i, rules[i], want[i])
		}
	}

	if _, err := parsePairs(topo, "NoMask"); err == nil {
		t.Fatal("expected error for entry without a mask")
	}
	if _, err := parsePairs(topo, ":0xF"); err == nil {
		t.Fatal("expected error for entry without a thread")
	}
	if rules, _ := parsePairs(topo, "  "); len(rules) != 0 {
		t.Fatalf("expected no rules, got %+v", rules)
	}
}

func TestRenderSnapshot(t *testing.T) {
	topo := testTopology()
	out := renderSnapshot(topo, model.Snapshot{
		Target:      "com.example.game",
		TargetPID:   4242,
		OverallCPU:  41.5,
		PerCoreLoad: []float64{10, 20, 30, 40, 50, 60, 70, 80},
		PerCoreFreq: []int{1200, 1200, 1200, 2000, 2000, 2000, 2000, 3000},
		FPS:         58,
		Threads:     []model.ThreadRecord{{TID: 4300, PID: 4242, Name: "UnityMain", Usage: 87.5, Core: 7, Merged: 1}},
		System:      []model.ThreadRecord{{TID: 700, PID: 700, Name: "binder", Usage: 3, Core: 1, Merged: 4}},
		TakenAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	for _, want := range []string{
		"== com.example.game (pid 4242)",
		"fps 58 smooth",
		"cpu7  Large",
		"3000 MHz",
		"-- threads",
		"UnityMain",
		"-- system",
		"binder x4",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}

	idle := renderSnapshot(topo, model.Snapshot{Target: "com.example.game"})
	if !strings.Contains(idle, "(not running)") || strings.Contains(idle, "-- threads") {
		t.Fatalf("unexpected idle rendering:\n%s", idle)
	}
}

func TestGetDBPath(t *testing.T) {
	cfg := config.Default()
	t.Setenv("THREADPIN_DB", "")

	dbPath = "/tmp/flag.db"
	if got := getDBPath(cfg); got != "/tmp/flag.db" {
		t.Fatalf("flag should win, got %s", got)
	}
	dbPath = ""

	t.Setenv("THREADPIN_DB", "/tmp/env.db")
	if got := getDBPath(cfg); got != "/tmp/env.db" {
		t.Fatalf("env should win over config, got %s", got)
	}

	t.Setenv("THREADPIN_DB", "")
	cfg.Store.Path = "/tmp/config.db"
	if got := getDBPath(cfg); got != "/tmp/config.db" {
		t.Fatalf("expected config path, got %s", got)
	}

	cfg.Store.Path = ""
	if got := getDBPath(cfg); !strings.HasSuffix(got, ".threadpin/rules.db") {
		t.Fatalf("unexpected default path %s", got)
	}
}

func TestTasksetCommandQuotesArgs(t *testing.T) {
	got := tasksetCommand([]string{"-p", "0xF0", "4242; reboot"})
	want := `taskset '-p' '0xF0' '4242; reboot'`
	if got != want {
		t.Fatalf("tasksetCommand = %s, want %s", got, want)
	}
}

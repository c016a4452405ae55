package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/frames"
	"github.com/rcliao/threadpin/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch a target's threads, CPU load and frame rate",
		Long:  "Starts monitoring and enforcement for the target and prints a snapshot every interval until interrupted.",
		Run:   runTop,
	}

	cmd.Flags().StringP("id", "i", "", "Target process name (required)")
	cmd.Flags().Duration("interval", 2*time.Second, "Print interval")
	cmd.Flags().IntP("count", "n", 0, "Stop after this many snapshots (0 runs until interrupted)")
	cmd.MarkFlagRequired("id")

	RootCmd.AddCommand(cmd)
}

func runTop(cmd *cobra.Command, args []string) {
	identity, _ := cmd.Flags().GetString("id")
	interval, _ := cmd.Flags().GetDuration("interval")
	count, _ := cmd.Flags().GetInt("count")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		exitErr("init", err)
	}
	defer a.Close()

	mon, err := a.newMonitor()
	if err != nil {
		exitErr("init monitor", err)
	}
	if err := mon.StartMonitoring(ctx, identity); err != nil {
		exitErr("start monitoring", err)
	}
	defer mon.StopMonitoring()

	enc := json.NewEncoder(os.Stdout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for printed := 0; count == 0 || printed < count; printed++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := mon.Snapshot()
		if formatFlag == "text" {
			fmt.Print(renderSnapshot(a.topo, snap))
			continue
		}
		if err := enc.Encode(snap); err != nil {
			exitErr("write", err)
		}
	}
}

// renderSnapshot formats a snapshot as a short report: a header with load
// and frame rate, per-core lines, then the target's and the platform's
// busiest threads.
func renderSnapshot(topo *cpu.Topology, s model.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s", s.Target)
	if s.TargetPID > 0 {
		fmt.Fprintf(&b, " (pid %d)", s.TargetPID)
	} else {
		b.WriteString(" (not running)")
	}
	fmt.Fprintf(&b, "  cpu %.1f%%  fps %d %s  %s\n", s.OverallCPU, s.FPS, frames.Rating(s.FPS), s.TakenAt.Format("15:04:05"))

	for c := 0; c < topo.Cores; c++ {
		label := ""
		if g, ok := topo.GroupForCore(c); ok {
			label = g.Label
		}
		fmt.Fprintf(&b, "cpu%-2d %-6s", c, label)
		if c < len(s.PerCoreLoad) {
			fmt.Fprintf(&b, " %5.1f%%", s.PerCoreLoad[c])
		}
		if c < len(s.PerCoreFreq) && s.PerCoreFreq[c] > 0 {
			fmt.Fprintf(&b, " %4d MHz", s.PerCoreFreq[c])
		}
		b.WriteByte('\n')
	}

	writeThreads(&b, "threads", s.Threads)
	writeThreads(&b, "system", s.System)
	return b.String()
}

func writeThreads(b *strings.Builder, title string, threads []model.ThreadRecord) {
	if len(threads) == 0 {
		return
	}
	fmt.Fprintf(b, "-- %s\n", title)
	for _, t := range threads {
		name := t.Name
		if t.Merged > 1 {
			name = fmt.Sprintf("%s x%d", name, t.Merged)
		}
		fmt.Fprintf(b, "%7d  %-24s %6.1f%%  cpu%d\n", t.TID, name, t.Usage, t.Core)
	}
}

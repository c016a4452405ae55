package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/enforcer"
	"github.com/rcliao/threadpin/internal/sampler"
	"github.com/rcliao/threadpin/internal/shell"
)

type threadRow struct {
	TID   int    `json:"tid"`
	Name  string `json:"name"`
	Core  int    `json:"core"`
	Mask  string `json:"mask,omitempty"`
	Cores string `json:"cores,omitempty"`
	Error string `json:"error,omitempty"`
}

func init() {
	threadsCmd := &cobra.Command{
		Use:   "threads",
		Short: "List a process's threads with their current masks",
		Run:   runThreads,
	}
	threadsCmd.Flags().IntP("pid", "p", 0, "Process id")
	threadsCmd.Flags().StringP("package", "P", "", "Process name, resolved with pidof")

	procCmd := &cobra.Command{
		Use:   "set-process-affinity",
		Short: "Push one mask onto every thread of a process without storing a rule",
		Run:   runSetProcessAffinity,
	}
	procCmd.Flags().IntP("pid", "p", 0, "Process id")
	procCmd.Flags().StringP("package", "P", "", "Process name, resolved with pidof")
	procCmd.Flags().StringP("mask", "m", "", "Mask: hex, decimal, group label or core list (required)")
	procCmd.MarkFlagRequired("mask")

	RootCmd.AddCommand(threadsCmd, procCmd)
}

// resolvePID reads --pid or resolves --package on the running system.
func resolvePID(ctx context.Context, cmd *cobra.Command, a *app) int {
	pid, _ := cmd.Flags().GetInt("pid")
	if pid > 0 {
		return pid
	}
	name, _ := cmd.Flags().GetString("package")
	if name == "" {
		exitErr("process", fmt.Errorf("--pid or --package is required"))
	}
	pid, err := a.source.PidOf(ctx, name)
	if err != nil {
		exitErr("pidof", err)
	}
	if pid <= 0 {
		exitErr("pidof", fmt.Errorf("%w: %s", enforcer.ErrTargetNotRunning, name))
	}
	return pid
}

func runThreads(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		exitErr("init", err)
	}
	defer a.Close()

	if err := a.open(ctx); err != nil {
		exitErr("open shell", err)
	}
	pid := resolvePID(ctx, cmd, a)
	stats, err := a.source.Scan(ctx, sampler.Query{Procs: []sampler.ProcSpec{{PID: pid}}})
	if err != nil {
		exitErr("scan threads", err)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TID < stats[j].TID })

	rows := make([]threadRow, 0, len(stats))
	for _, st := range stats {
		row := threadRow{TID: st.TID, Name: st.Comm, Core: st.Core}
		if mask, err := shell.GetAffinity(ctx, a.channel, st.TID); err != nil {
			row.Error = err.Error()
		} else {
			row.Mask, row.Cores = mask.Hex(), a.topo.MaskToLabel(mask)
		}
		rows = append(rows, row)
	}

	if formatFlag == "text" {
		fmt.Printf("pid %d: %d threads\n", pid, len(rows))
		for _, r := range rows {
			fmt.Printf("%7d  %-16s  cpu%-2d  %-6s %s\n", r.TID, r.Name, r.Core, r.Mask, r.Cores)
		}
		return
	}
	printJSON(rows)
}

func runSetProcessAffinity(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	maskStr, _ := cmd.Flags().GetString("mask")

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		exitErr("init", err)
	}
	defer a.Close()

	mask, err := parseMask(a.topo, maskStr)
	if err != nil {
		exitErr("mask", err)
	}
	if err := a.open(ctx); err != nil {
		exitErr("open shell", err)
	}
	pid := resolvePID(ctx, cmd, a)

	res, err := a.enforcer.ApplyProcess(ctx, pid, mask)
	if err != nil {
		exitErr("apply", err)
	}
	printJSON(map[string]interface{}{
		"pid":     pid,
		"mask":    mask.Normalize(a.topo.Cores).Hex(),
		"applied": res.Applied,
		"failed":  res.Failed,
	})
}

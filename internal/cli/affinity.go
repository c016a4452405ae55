package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/shell"
)

func init() {
	setCmd := &cobra.Command{
		Use:   "set-affinity",
		Short: "Push a mask onto one thread",
		Run:   runSetAffinity,
	}
	setCmd.Flags().Int("tid", 0, "Thread id (required)")
	setCmd.Flags().StringP("mask", "m", "", "Mask: hex, decimal, group label or core list (required)")
	setCmd.MarkFlagRequired("tid")
	setCmd.MarkFlagRequired("mask")

	getCmd := &cobra.Command{
		Use:   "get-affinity",
		Short: "Read one thread's current mask",
		Run:   runGetAffinity,
	}
	getCmd.Flags().Int("tid", 0, "Thread id (required)")
	getCmd.MarkFlagRequired("tid")

	tasksetCmd := &cobra.Command{
		Use:                "taskset [args...]",
		Short:              "Run taskset with the given arguments in the elevated shell",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		Run:                runTaskset,
	}

	RootCmd.AddCommand(setCmd, getCmd, tasksetCmd)
}

func runSetAffinity(cmd *cobra.Command, args []string) {
	tid, _ := cmd.Flags().GetInt("tid")
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
	mask = mask.Normalize(a.topo.Cores)
	if err := a.open(cmd.Context()); err != nil {
		exitErr("open shell", err)
	}
	if err := shell.SetAffinity(cmd.Context(), a.channel, tid, mask); err != nil {
		exitErr("set affinity", err)
	}

	fmt.Printf(`{"ok":true,"tid":%d,"mask":%q,"cores":%q}`+"\n", tid, mask.Hex(), a.topo.MaskToLabel(mask))
}

func runGetAffinity(cmd *cobra.Command, args []string) {
	tid, _ := cmd.Flags().GetInt("tid")

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		exitErr("init", err)
	}
	defer a.Close()

	if err := a.open(cmd.Context()); err != nil {
		exitErr("open shell", err)
	}
	mask, err := shell.GetAffinity(cmd.Context(), a.channel, tid)
	if err != nil {
		exitErr("get affinity", err)
	}

	fmt.Printf(`{"tid":%d,"mask":%q,"cores":%q}`+"\n", tid, mask.Hex(), a.topo.MaskToLabel(mask))
}

func runTaskset(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		exitErr("init", err)
	}
	defer a.Close()

	if err := a.open(cmd.Context()); err != nil {
		exitErr("open shell", err)
	}
	out, err := a.channel.Execute(cmd.Context(), tasksetCommand(args), 0)
	if err != nil {
		exitErr("taskset", err)
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") && out != "" {
		fmt.Println()
	}
}

// tasksetCommand quotes every argument so the shell sees them verbatim.
func tasksetCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shell.Quote(a)
	}
	return "taskset " + strings.Join(quoted, " ")
}

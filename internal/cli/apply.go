package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run one enforcement cycle for a target",
		Long:  "Applies the platform-wide rules and the target's rules once and prints the cycle report.",
		Run:   runApply,
	}

	addIdentityFlags(cmd)
	cmd.Flags().Bool("no-tuning", false, "Skip the scheduler tuning batch")

	RootCmd.AddCommand(cmd)
}

func runApply(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	identity := identityFlag(cmd)
	noTuning, _ := cmd.Flags().GetBool("no-tuning")

	cfg := loadConfig()
	var opts []appOption
	if noTuning {
		opts = append(opts, withoutTuning())
	}
	a, err := newApp(cfg, opts...)
	if err != nil {
		exitErr("init", err)
	}
	defer a.Close()

	if err := a.open(ctx); err != nil {
		exitErr("open shell", err)
	}
	a.enforcer.SelectTarget(identity)
	report := a.enforcer.RunCycle(ctx)

	if formatFlag == "text" {
		fmt.Printf("%s: applied %d, failed %d", identity, report.Applied, report.Failed)
		if report.TargetSkipped {
			fmt.Print(" (target not running)")
		}
		fmt.Println()
		if report.Error != "" {
			fmt.Println(report.Error)
		}
		return
	}
	printJSON(report)
}

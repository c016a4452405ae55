package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor and enforce a target until interrupted",
		Long: "Runs monitoring and periodic enforcement for the target and serves Prometheus metrics.\n" +
			"On exit the retained cycle reports are printed.",
		Run: runRun,
	}

	cmd.Flags().StringP("id", "i", "", "Target process name (required)")
	cmd.Flags().String("metrics-addr", "", "Metrics listen address (default: metrics.addr from config; \"off\" disables)")
	cmd.MarkFlagRequired("id")

	RootCmd.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) {
	identity, _ := cmd.Flags().GetString("id")
	addr, _ := cmd.Flags().GetString("metrics-addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
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

	if addr != "off" {
		go func() {
			if err := a.metrics.Serve(ctx, addr); err != nil {
				cliLog.WithError(err).Error("metrics server stopped")
			}
		}()
	}
	cliLog.WithField("target", identity).Info("running, interrupt to stop")

	<-ctx.Done()
	mon.StopMonitoring()
	printJSON(a.enforcer.Reports())
}

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one processing cycle",
	Long: `Executes a single batch cycle: sweep the inbox, release elapsed
cooldowns, classify and route pending tasks, observe the approval pools,
execute released actions through the escalation ladder, reconcile split
tasks, and regenerate the dashboard.

Exits 0 on a completed cycle and non-zero when the vault cannot be read
or written or the run lock is held by a live process.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	eng, err := v.newEngine(metrics.Default())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return eng.RunCycle(ctx)
}

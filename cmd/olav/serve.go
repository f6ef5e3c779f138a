package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the approval sweeper and the metrics/health endpoints until interrupted",
	Long: `Run background housekeeping: pending approvals past their TTL are expired and
resolved ones older than twice the TTL are deleted on approval.sweep_schedule.
When observability.metrics.addr is set, /metrics, /healthz and /readyz are served.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(0)
		defer cancel()
		sc, err := initShared(ctx)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		startMetricsServer(ctx, sc)
		sc.Sweeper.Sweep(ctx)
		stop := sc.Sweeper.Start(ctx)
		defer stop()

		sc.Logger.Info("olav serve started", slog.String("sweep_schedule", sc.Config.Approval.Schedule()))
		<-ctx.Done()
		sc.Logger.Info("olav serve stopping")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"tidalsched/pkg/models"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run the job once now and exit",
	Long:  `Run every configured task once, in order, without waiting for the schedule. Exits non-zero if any task failed.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		a.logBanner()
		a.warnTimezone()
		summary := a.job.Run(ctx, models.TriggerManual)
		if !summary.AllSucceeded() {
			return errors.Newf("%d of %d tasks failed", summary.Failed(), summary.Total)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
}

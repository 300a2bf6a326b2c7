package cmd

import (
	"github.com/spf13/cobra"

	config "tidalsched/configs"
)

// v holds configuration from the environment and the persistent flags.
var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "tidalsched",
	Short: "Runs the download script for each configured input file on a cron schedule",
	Long: `tidalsched runs a download script once per configured input file, in order,
every time a cron schedule fires. Failures are written to an append-only error
log and each script invocation leaves a run log under the config directory.

Common workflows:

  Start the scheduler (the default command):
    tidalsched run

  Run the job once right now:
    tidalsched once

  Show the next fire times of the configured schedule:
    tidalsched next -n 10

  Mint a token for POST /api/v1/runs:
    tidalsched token --role operator --subject ops

Configuration is read from the environment:
  CRON_SCHEDULE    five-field cron expression (default "0 15 * * *")
  TZ               IANA timezone of the schedule (default UTC)
  CONFIG_DIR       input files, run logs and error log (default /app/config)
  APP_DIR          working directory of the download script (default /app)
  DOWNLOAD_FILES   comma-separated input files, run in this order`,
	SilenceUsage: true,
	RunE:         runScheduler,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("schedule", "", "cron expression, overrides CRON_SCHEDULE")
	_ = v.BindPFlag("cron_schedule", rootCmd.PersistentFlags().Lookup("schedule"))

	rootCmd.PersistentFlags().String("config-dir", "", "config directory, overrides CONFIG_DIR")
	_ = v.BindPFlag("config_dir", rootCmd.PersistentFlags().Lookup("config-dir"))
}

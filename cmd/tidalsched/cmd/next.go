package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tidalsched/pkg/scheduler"
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the next fire times of the configured schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, _ := cmd.Flags().GetInt("count")
		expr := v.GetString("cron_schedule")

		loc, err := scheduler.ResolveLocation(v.GetString("tz"))
		if err != nil {
			cmd.PrintErrf("Warning: %v, using UTC\n", err)
		}
		sched, err := scheduler.ParseSchedule(expr, loc)
		if err != nil {
			return err
		}

		t := time.Now().In(loc)
		for i := 0; i < n; i++ {
			t = sched.Next(t)
			if t.IsZero() {
				break
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Format("Mon 2006-01-02 15:04:05 MST"))
		}
		return nil
	},
}

func init() {
	nextCmd.Flags().IntP("count", "n", 5, "number of fire times to print")
	rootCmd.AddCommand(nextCmd)
}

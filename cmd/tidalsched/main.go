// Command tidalsched runs the download job on a cron schedule.
package main

import (
	"os"

	"tidalsched/cmd/tidalsched/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

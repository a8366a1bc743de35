package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blnkfinance/relay"
)

// runJobCommands defines "run <job>", which runs one scheduled job immediately under
// its lock and prints the job's report.
func runJobCommands(r *relayInstance) *cobra.Command {
	jobs := []string{relay.JobWatchdog, relay.JobForwarding, relay.JobPruner, relay.JobHealth, relay.JobCleanup}

	cmd := &cobra.Command{
		Use:       "run [job]",
		Short:     "run a scheduled job once: " + strings.Join(jobs, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobs,
		Run: func(cmd *cobra.Command, args []string) {
			report, err := r.relay.RunJob(context.Background(), args[0])
			if err != nil {
				log.Fatalf("Error running %s: %v", args[0], err)
			}

			data, err := json.MarshalIndent(report, "", "    ")
			if err != nil {
				log.Fatalf("Error printing report: %v", err)
			}
			fmt.Println(string(data))
		},
	}
	return cmd
}

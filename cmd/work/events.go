package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jclem/work/internal/eventbus"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream entity-changed events from the daemon",
	Long: `Stream entity-changed events from the daemon until interrupted.
The stream is lossy: it tells you something changed, not everything
that happened. Re-read with list/show commands for full state.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.Events(cmd.Context(), func(ev eventbus.Event) {
			if outputFormat == "json" {
				_ = printJSON(ev)
				return
			}
			fmt.Printf("%s  %-12s %s\n", ev.Time.Local().Format("15:04:05"), ev.Kind, ev.ID)
		})
	},
}

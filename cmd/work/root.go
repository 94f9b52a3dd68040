package main

import (
	"github.com/spf13/cobra"

	"github.com/jclem/work/internal/config"
	"github.com/jclem/work/internal/rpc"
)

var (
	cfgPath      string
	outputFormat string
	cfg          *config.Config
	client       *rpc.Client
)

var rootCmd = &cobra.Command{
	Use:           "work",
	Short:         "Run AI coding tasks in isolated per-task workspaces",
	Long: `work orchestrates AI-assisted coding tasks. A background daemon
prepares isolated workspaces through providers, runs task commands in
them, and tracks everything in a local database. The CLI stages
operations and returns immediately; progress is visible via status,
logs, and events.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		client = rpc.NewClient(cfg.SocketPath())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: $XDG_CONFIG_HOME/work/config.toml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "human", "output format: human|plain|json")

	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(eventsCmd)
}

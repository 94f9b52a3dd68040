package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jclem/work/internal/rpc"
)

var (
	envProject  string
	envProvider string
	envFollow   bool
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage pooled environments",
}

var envCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Stage preparation of a pool environment",
	Long: `Stage preparation of a pool environment. The environment becomes
claimable once it reaches the pool state; use 'work env claim' (or
claim-next) as a separate step.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		staged, err := client.CreateEnv(cmd.Context(), rpc.CreateEnvRequest{
			Project:  envProject,
			Provider: envProvider,
		})
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(staged)
		}
		printStaged("environment", staged.Environment.ID, string(staged.Environment.Status))
		return nil
	},
}

var envClaimCmd = &cobra.Command{
	Use:   "claim [id]",
	Short: "Stage a claim of a pool environment",
	Long: `Stage a claim of a pool environment. With an id, claims that
environment; without one, claims the oldest pool environment matching
--project and --provider.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var staged *rpc.EnvStaged
		var err error
		if len(args) == 1 {
			staged, err = client.ClaimEnv(cmd.Context(), args[0])
		} else {
			staged, err = client.ClaimNextEnv(cmd.Context(), rpc.ClaimNextRequest{
				Project:  envProject,
				Provider: envProvider,
			})
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(staged)
		}
		printStaged("environment", staged.Environment.ID, string(staged.Environment.Status))
		return nil
	},
}

var envUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Stage a refresh of a pool environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		staged, err := client.UpdateEnv(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(staged)
		}
		printStaged("environment", staged.Environment.ID, string(staged.Environment.Status))
		return nil
	},
}

var envRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Stage removal of an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		staged, err := client.RemoveEnv(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(staged)
		}
		printStaged("environment", staged.Environment.ID, string(staged.Environment.Status))
		return nil
	},
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		envs, err := client.ListEnvs(cmd.Context(), envProject)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(envs)
		}
		rows := make([][]string, 0, len(envs))
		for _, e := range envs {
			rows = append(rows, []string{
				shortID(e.ID),
				string(e.Status),
				e.Provider,
				e.CreatedAt.Local().Format(time.DateTime),
			})
		}
		printTable([]string{"ID", "STATUS", "PROVIDER", "CREATED"}, rows)
		return nil
	},
}

var envShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := client.GetEnv(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(env)
	},
}

var envLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Read an environment's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.StreamLogs(cmd.Context(), "environments", args[0], envFollow, os.Stdout)
	},
}

func init() {
	for _, c := range []*cobra.Command{envCreateCmd, envClaimCmd, envListCmd} {
		c.Flags().StringVarP(&envProject, "project", "p", "", "project name")
		c.Flags().StringVar(&envProvider, "provider", "git-worktree", "environment provider")
	}
	_ = envCreateCmd.MarkFlagRequired("project")
	envLogsCmd.Flags().BoolVarP(&envFollow, "follow", "f", false, "keep streaming as the log grows")

	envCmd.AddCommand(envCreateCmd)
	envCmd.AddCommand(envClaimCmd)
	envCmd.AddCommand(envUpdateCmd)
	envCmd.AddCommand(envRemoveCmd)
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envShowCmd)
	envCmd.AddCommand(envLogsCmd)
}

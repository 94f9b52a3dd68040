package main

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		project, err := client.CreateProject(cmd.Context(), args[0], path)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(project)
		}
		printTable([]string{"NAME", "PATH"}, [][]string{{project.Name, project.Path}})
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		projects, err := client.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(projects)
		}
		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			rows = append(rows, []string{p.Name, p.Path, p.CreatedAt.Local().Format(time.DateTime)})
		}
		printTable([]string{"NAME", "PATH", "CREATED"}, rows)
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := client.GetProject(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(project)
		}
		printTable([]string{"NAME", "PATH", "ID"}, [][]string{{project.Name, project.Path, project.ID}})
		return nil
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a project (must have no environments or tasks)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.DeleteProject(cmd.Context(), args[0])
	},
}

func init() {
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectRemoveCmd)
}

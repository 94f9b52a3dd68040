package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jclem/work/internal/rpc"
)

var (
	taskProject      string
	taskProviderFlag string
	taskEnvProvider  string
	taskAttach       bool
	taskFollow       bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskNewCmd = &cobra.Command{
	Use:   "new <description>",
	Short: "Stage a new task",
	Long: `Stage a new task. The daemon prepares a dedicated environment and
runs the task provider's command in it. The command returns as soon as
the task is staged; use --attach to stream the task log instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		staged, err := client.CreateTask(cmd.Context(), rpc.CreateTaskRequest{
			Project:      taskProject,
			Description:  strings.Join(args, " "),
			EnvProvider:  taskEnvProvider,
			TaskProvider: taskProviderFlag,
		})
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			if err := printJSON(staged); err != nil {
				return err
			}
		} else {
			printStaged("task", staged.Task.ID, string(staged.Task.Status))
		}
		if !taskAttach {
			return nil
		}
		return client.StreamLogs(cmd.Context(), "tasks", staged.Task.ID, true, os.Stdout)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := client.ListTasks(cmd.Context(), taskProject)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(tasks)
		}
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				shortID(t.ID),
				string(t.Status),
				t.Provider,
				truncate(t.Description, 60),
				t.CreatedAt.Local().Format(time.DateTime),
			})
		}
		printTable([]string{"ID", "STATUS", "PROVIDER", "DESCRIPTION", "CREATED"}, rows)
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := client.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(task)
		}
		rows := [][]string{
			{"id", task.ID},
			{"status", string(task.Status)},
			{"provider", task.Provider},
			{"environment", task.EnvironmentID},
			{"description", task.Description},
		}
		if task.LastError != "" {
			rows = append(rows, []string{"last error", task.LastError})
		}
		for _, row := range rows {
			fmt.Printf("%-12s %s\n", row[0], row[1])
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Stage cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		staged, err := client.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(staged)
		}
		printStaged("task", staged.Task.ID, string(staged.Task.Status))
		return nil
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Read a task's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.StreamLogs(cmd.Context(), "tasks", args[0], taskFollow, os.Stdout)
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	taskNewCmd.Flags().StringVarP(&taskProject, "project", "p", "", "project name (required)")
	taskNewCmd.Flags().StringVar(&taskProviderFlag, "provider", "", "task provider (required)")
	taskNewCmd.Flags().StringVar(&taskEnvProvider, "env-provider", "git-worktree", "environment provider")
	taskNewCmd.Flags().BoolVar(&taskAttach, "attach", false, "follow the task log after staging")
	_ = taskNewCmd.MarkFlagRequired("project")
	_ = taskNewCmd.MarkFlagRequired("provider")

	taskListCmd.Flags().StringVarP(&taskProject, "project", "p", "", "filter by project name")
	taskLogsCmd.Flags().BoolVarP(&taskFollow, "follow", "f", false, "keep streaming as the log grows")

	taskCmd.AddCommand(taskNewCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskLogsCmd)
}

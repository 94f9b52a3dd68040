package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jclem/work/internal/daemon"
	"github.com/jclem/work/internal/lockfile"
	"github.com/jclem/work/internal/metrics"
)

var (
	daemonLogPath string
	daemonDebug   bool
	daemonMetrics bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the work daemon",
	Long: `Manage the work daemon. The daemon owns the database, executes
queued provider operations in its worker pool, and serves the CLI over
a unix socket.

  work daemon run     Run in the foreground (for systemd or debugging)
  work daemon start   Start in the background
  work daemon stop    Stop the running daemon
  work daemon status  Show daemon status`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := daemon.NewLogger(daemonLogPath, daemonDebug)
		defer func() { _ = log.Sync() }()

		if daemonMetrics {
			shutdown, err := metrics.Init(cmd.Context(), 30*time.Second)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(ctx)
			}()
		}

		return daemon.New(cfg, log).Run(cmd.Context())
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid := lockfile.ReadPID(cfg.PIDPath()); pid != 0 {
			fmt.Printf("daemon already running (pid %d)\n", pid)
			return nil
		}
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}

		exe, err := os.Executable()
		if err != nil {
			return err
		}
		childArgs := []string{"daemon", "run", "--log", cfg.DaemonLogPath()}
		if cfgPath != "" {
			childArgs = append(childArgs, "--config", cfgPath)
		}
		if daemonMetrics {
			childArgs = append(childArgs, "--metrics")
		}
		child := exec.Command(exe, childArgs...)
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		child.Stdin = nil
		child.Stdout = nil
		child.Stderr = nil
		if daemonMetrics {
			// The metrics exporter writes to stdout; append it to the daemon log.
			logf, err := os.OpenFile(cfg.DaemonLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			defer logf.Close()
			child.Stdout = logf
		}
		if err := child.Start(); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		_ = child.Process.Release()

		// Wait briefly for the socket to come up.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := client.Health(cmd.Context()); err == nil {
				fmt.Printf("daemon started (pid %d)\n", lockfile.ReadPID(cfg.PIDPath()))
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("daemon did not become healthy; see %s", cfg.DaemonLogPath())
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := lockfile.ReadPID(cfg.PIDPath())
		if pid == 0 {
			fmt.Println("daemon not running")
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal daemon: %w", err)
		}
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if lockfile.ReadPID(cfg.PIDPath()) == 0 {
				fmt.Println("daemon stopped")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("daemon (pid %d) did not stop in time", pid)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := client.Health(cmd.Context())
		if err != nil {
			if outputFormat == "json" {
				return printJSON(map[string]any{"running": false})
			}
			fmt.Println("daemon not running")
			return nil
		}
		if outputFormat == "json" {
			return printJSON(map[string]any{"running": true, "pid": health.PID})
		}
		fmt.Printf("daemon running (pid %d, socket %s)\n", health.PID, cfg.SocketPath())
		return nil
	},
}

func init() {
	daemonRunCmd.Flags().StringVar(&daemonLogPath, "log", "", "write the daemon log to this file (default: stderr)")
	daemonRunCmd.Flags().BoolVar(&daemonDebug, "debug", false, "enable debug logging")
	daemonRunCmd.Flags().BoolVar(&daemonMetrics, "metrics", false, "periodically dump metrics to stdout")
	daemonStartCmd.Flags().BoolVar(&daemonMetrics, "metrics", false, "periodically dump metrics to the daemon log")

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

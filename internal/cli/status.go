package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolrelay/internal/config"
	"github.com/harun/toolrelay/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay and worker process status",
	Long:  `Show whether a relay or worker started from this data directory is running.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var roles = []string{"relay", "worker"}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, role := range roles {
		pidFile := daemon.PIDFilePath(cfg.DataDir, role)
		if !daemon.IsRunning(pidFile) {
			fmt.Fprintf(out, "%s: stopped\n", role)
			continue
		}

		pid, err := daemon.ReadPID(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}

		// PID file modification time approximates the start time.
		if fileInfo, err := os.Stat(pidFile); err == nil {
			uptime := time.Since(fileInfo.ModTime())
			fmt.Fprintf(out, "%s: running (PID %d, uptime %s)\n", role, pid, formatDuration(uptime))
		} else {
			fmt.Fprintf(out, "%s: running (PID %d)\n", role, pid)
		}
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

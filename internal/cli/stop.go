package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolrelay/internal/config"
	"github.com/harun/toolrelay/internal/daemon"
)

var (
	stopTimeout int
	stopRole    string
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running relay or worker",
	Long: `Stop a running relay or worker gracefully.
Sends SIGTERM to the process and waits for it to shut down.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the process to stop")
	stopCmd.Flags().StringVar(&stopRole, "role", "relay", "process to stop: relay or worker")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	if stopRole != "relay" && stopRole != "worker" {
		return fmt.Errorf("invalid role %q (must be relay or worker)", stopRole)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir, stopRole)
	out := cmd.OutOrStdout()

	process, err := signalProcess(pidFile, syscall.SIGTERM)
	if err != nil {
		return err
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.IsRunning(pidFile) {
			fmt.Fprintf(out, "%s stopped successfully\n", stopRole)
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Force kill if timeout
	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	os.Remove(pidFile)
	fmt.Fprintf(out, "%s killed\n", stopRole)
	return nil
}

func signalProcess(pidFile string, sig syscall.Signal) (*os.Process, error) {
	if !daemon.IsRunning(pidFile) {
		return nil, fmt.Errorf("not running (PID file: %s)", pidFile)
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read PID file: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", sig, err)
	}
	return process, nil
}

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// LifecycleManager owns the PID file of a running relay or worker so the
// status and stop commands can find it.
type LifecycleManager struct {
	pidFile   string
	logger    zerolog.Logger
	startedAt time.Time
}

// PIDFilePath returns the PID file for role ("relay" or "worker") under
// dataDir.
func PIDFilePath(dataDir, role string) string {
	return filepath.Join(dataDir, "toolrelay-"+role+".pid")
}

// NewLifecycleManager creates a lifecycle manager for pidFile.
func NewLifecycleManager(pidFile string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		pidFile: pidFile,
		logger:  logger,
	}
}

// Start writes the PID file. It fails if another live process owns it.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if pid, err := ReadPID(l.pidFile); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("already running with PID %d (PID file: %s)", pid, l.pidFile)
	}

	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	l.startedAt = time.Now()

	l.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")
	return nil
}

// Stop removes the PID file.
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	l.logger.Info().Msg("Lifecycle manager stopped")
	return nil
}

// PIDFile returns the managed path.
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// Uptime is zero before Start.
func (l *LifecycleManager) Uptime() time.Duration {
	if l.startedAt.IsZero() {
		return 0
	}
	return time.Since(l.startedAt)
}

// ReadPID parses the PID stored in pidFile.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", pidFile, err)
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so probe with signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(pidFile string) bool {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return false
	}
	return ProcessAlive(pid)
}

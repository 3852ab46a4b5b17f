package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "toolrelay-relay.pid"), PIDFilePath("/data", "relay"))
	assert.Equal(t, filepath.Join("/data", "toolrelay-worker.pid"), PIDFilePath("/data", "worker"))
}

func TestLifecycleManager(t *testing.T) {
	t.Run("should write and remove the PID file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "nested", "relay.pid")
		l := NewLifecycleManager(pidFile, zerolog.Nop())
		assert.Zero(t, l.Uptime())

		require.NoError(t, l.Start())
		pid, err := ReadPID(pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		assert.True(t, IsRunning(pidFile))
		assert.Equal(t, pidFile, l.PIDFile())

		require.NoError(t, l.Stop())
		_, err = os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
		assert.False(t, IsRunning(pidFile))
	})

	t.Run("should replace a stale PID file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "relay.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0644))

		l := NewLifecycleManager(pidFile, zerolog.Nop())
		require.NoError(t, l.Start())
		defer l.Stop()

		pid, err := ReadPID(pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("should tolerate a missing PID file on stop", func(t *testing.T) {
		l := NewLifecycleManager(filepath.Join(t.TempDir(), "relay.pid"), zerolog.Nop())
		assert.NoError(t, l.Stop())
	})
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("no pid file", func(t *testing.T) {
		_, err := ReadPID(filepath.Join(dir, "missing.pid"))
		assert.Error(t, err)
		assert.False(t, IsRunning(filepath.Join(dir, "missing.pid")))
	})

	t.Run("invalid pid file", func(t *testing.T) {
		pidFile := filepath.Join(dir, "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0644))

		_, err := ReadPID(pidFile)
		assert.Error(t, err)
		assert.False(t, IsRunning(pidFile))
	})

	t.Run("trailing newline", func(t *testing.T) {
		pidFile := filepath.Join(dir, "newline.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))

		pid, err := ReadPID(pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}

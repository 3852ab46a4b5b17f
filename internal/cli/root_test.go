package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns everything it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "toolrelay version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Toolrelay")
		assert.Contains(t, output, "session code")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		// Check config flag exists
		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		// Check log-level flag exists
		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "worker", "session", "call", "tools", "status", "stop", "config"} {
			assert.True(t, names[want], "%s command should exist", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ABCDEFGH", normalizeCode(" abcdefgh\n"))
}

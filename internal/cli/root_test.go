package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "dashpi", cmd.Use)
	assert.Contains(t, cmd.Long, "uploads")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "upload", "reconcile", "status"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	sessionFlag := runCmd.Flags().Lookup("session")
	require.NotNil(t, sessionFlag)
	assert.Equal(t, "", sessionFlag.DefValue)
}

func TestUploadCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	uploadCmd, _, err := cmd.Find([]string{"upload"})
	require.NoError(t, err)

	statusFlag := uploadCmd.Flags().Lookup("status")
	require.NotNil(t, statusFlag)
	assert.Equal(t, "s", statusFlag.Shorthand)
}

func TestStatusCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	statusCmd, _, err := cmd.Find([]string{"status"})
	require.NoError(t, err)

	require.NotNil(t, statusCmd.Flags().Lookup("session"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "invalid", "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}

	newLogger(false, buf).Debug("hidden")
	assert.Empty(t, buf.String())

	newLogger(true, buf).Debug("shown", "session", "S1")
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "session=S1")
}

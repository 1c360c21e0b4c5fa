package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "v2.0.0-rc1", formatVersion("2.0.0-rc1"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestScanCommand_RejectsInvalidFormat(t *testing.T) {
	scanFormat = "xml"
	defer func() { scanFormat = "table" }()

	err := runScan(scanCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestScanCommand_RejectsInvalidServiceUUID(t *testing.T) {
	scanFormat = "table"
	scanServices = []string{"not-a-uuid"}
	defer func() { scanServices = nil }()

	err := runScan(scanCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid service UUID")
}

func TestConfigureLogger_Levels(t *testing.T) {
	newCmd := func(level string) *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().String("log-level", level, "")
		return cmd
	}

	logger, err := configureLogger(newCmd("debug"))
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	// Silent by default.
	logger, err = configureLogger(newCmd(""))
	require.NoError(t, err)
	assert.Equal(t, logrus.PanicLevel, logger.GetLevel())

	_, err = configureLogger(newCmd("noisy"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

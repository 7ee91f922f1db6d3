package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuttlefish-host/cvdd/internal/cvdconfig"
)

// newTestCommand builds a standalone *cobra.Command carrying the same
// persistent flags as rootCmd, so each test gets its own Changed()
// state instead of sharing the package-level singleton.
func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "cvdd"}
	cmd.Flags().String("run-dir", cvdconfig.Default().RunDir, "")
	cmd.Flags().Int("max-instances", cvdconfig.DefaultMaxSlots, "")
	cmd.Flags().String("log-level", string(cvdconfig.Default().LogLevel), "")
	cmd.Flags().Bool("log-json", false, "")
	cmd.Flags().String("config-file", "", "")
	cmd.Flags().String("socket-path", cvdconfig.Default().SocketPath, "")
	cmd.Flags().String("metrics-addr", "", "")
	return cmd
}

func TestConfigFromFlags_DefaultsWhenNothingSet(t *testing.T) {
	cmd := newTestCommand()

	cfg, err := configFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "/run/cvdd", cfg.RunDir)
	assert.Equal(t, 10, cfg.MaxInstances)
}

func TestConfigFromFlags_FileOverlaysDefaults(t *testing.T) {
	cmd := newTestCommand()

	path := filepath.Join(t.TempDir(), "cvdd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_instances: 25\n"), 0o644))
	require.NoError(t, cmd.Flags().Set("config-file", path))

	cfg, err := configFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.MaxInstances)
}

func TestConfigFromFlags_ExplicitFlagWinsOverFile(t *testing.T) {
	cmd := newTestCommand()

	path := filepath.Join(t.TempDir(), "cvdd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_instances: 25\n"), 0o644))
	require.NoError(t, cmd.Flags().Set("config-file", path))
	require.NoError(t, cmd.Flags().Set("max-instances", "40"))

	cfg, err := configFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.MaxInstances)
}

func TestConfigFromFlags_RejectsInvalidMaxInstances(t *testing.T) {
	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("max-instances", "0"))

	_, err := configFromFlags(cmd)
	assert.Error(t, err)
}

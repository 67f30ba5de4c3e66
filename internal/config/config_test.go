package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsAndResolve(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	v := New("")
	require.NoError(t, BindFlags(cmd, v))

	require.NoError(t, cmd.Flags().Set("schema-path", "schema.yaml"))
	require.NoError(t, cmd.Flags().Set("upstream-url", "https://example.shotgunstudio.com"))

	cfg, err := Resolve(v)
	require.NoError(t, err)
	require.Equal(t, "schema.yaml", cfg.SchemaPath)
	require.Equal(t, "https://example.shotgunstudio.com", cfg.UpstreamURL)
	require.Equal(t, "sqlite3", cfg.DBDriver)
	require.True(t, cfg.FollowerEnabled)
}

func TestResolveRequiresSchemaPath(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	v := New("")
	require.NoError(t, BindFlags(cmd, v))
	require.NoError(t, cmd.Flags().Set("upstream-url", "https://example.shotgunstudio.com"))

	_, err := Resolve(v)
	require.Error(t, err)
}

func TestResolveRequiresUpstreamURL(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	v := New("")
	require.NoError(t, BindFlags(cmd, v))
	require.NoError(t, cmd.Flags().Set("schema-path", "schema.yaml"))

	_, err := Resolve(v)
	require.Error(t, err)
}

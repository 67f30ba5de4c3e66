package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vfxetc/sgcache/internal/config"
)

// TestDaemonLifecycle constructs a Daemon against a temp sqlite store and
// a schema with one entity type, runs it briefly with the follower and
// scanner disabled (no real upstream is reachable in this test), and
// confirms it shuts down cleanly on context cancellation.
func TestDaemonLifecycle(t *testing.T) {
	dir := t.TempDir()

	schemaPath := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte("task:\n  status: text\n  title: text\n"), 0o644))

	cfg := config.Config{
		DBDriver:        "sqlite3",
		DBDSN:           filepath.Join(dir, "sgcache.db"),
		SchemaPath:      schemaPath,
		UpstreamURL:     "http://upstream.invalid",
		UpstreamTimeout: 5 * time.Second,
		FollowerEnabled: false,
		ScannerEnabled:  false,
		ControlSocket:   filepath.Join(dir, "control.sock"),
		HTTPAddr:        "127.0.0.1:0",
		LogLevel:        "error",
		LockPath:        filepath.Join(dir, "sgcache.lock"),
	}

	d, err := New(cfg, zerolog.Nop(), Version{0, 1, 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}

	require.NoError(t, d.Close())
}

// TestDaemonLockRefusesSecondOwner confirms the owner lock (spec.md §3.4)
// prevents a second Daemon from opening the same store concurrently.
func TestDaemonLockRefusesSecondOwner(t *testing.T) {
	dir := t.TempDir()

	schemaPath := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte("task:\n  status: text\n"), 0o644))

	cfg := config.Config{
		DBDriver:        "sqlite3",
		DBDSN:           filepath.Join(dir, "sgcache.db"),
		SchemaPath:      schemaPath,
		UpstreamURL:     "http://upstream.invalid",
		UpstreamTimeout: 5 * time.Second,
		ControlSocket:   filepath.Join(dir, "control.sock"),
		HTTPAddr:        "127.0.0.1:0",
		LockPath:        filepath.Join(dir, "sgcache.lock"),
	}

	d1, err := New(cfg, zerolog.Nop(), Version{0, 1, 0})
	require.NoError(t, err)
	defer d1.Close()

	cfg.ControlSocket = filepath.Join(dir, "control2.sock")
	_, err = New(cfg, zerolog.Nop(), Version{0, 1, 0})
	require.Error(t, err)
}

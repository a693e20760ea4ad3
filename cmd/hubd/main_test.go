package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetConfigPath_Default(t *testing.T) {
	originalEnv, had := os.LookupEnv("HUBD_CONFIG")
	defer restoreEnv(t, "HUBD_CONFIG", originalEnv, had)
	os.Unsetenv("HUBD_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv, had := os.LookupEnv("HUBD_CONFIG")
	defer restoreEnv(t, "HUBD_CONFIG", originalEnv, had)

	expected := "/custom/path/config.yaml"
	os.Setenv("HUBD_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_LocalOnlyStartupAndShutdown exercises a full local-only
// startup (no remote store configured, so heartbeat and the command
// consumer are skipped) against a temp SQLite file, then cancels and
// verifies shutdown completes cleanly.
func TestRun_LocalOnlyStartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "hubd.db")

	env := map[string]string{
		"HUBD_LOCAL_STORE_PATH":  dbPath,
		"HUBD_LISTEN_HOST":       "127.0.0.1",
		"HUBD_LISTEN_PORT":       "18433",
		"HUBD_DISCOVERY_ENABLED": "false",
		"HUBD_REMOTE_STORE_URL":  "",
		"HUBD_REMOTE_STORE_KEY":  "",
		"HUBD_LOG_FORMAT":        "text",
		"HUBD_LOG_LEVEL":         "error",
	}
	restores := make(map[string]func())
	for k, v := range env {
		original, had := os.LookupEnv(k)
		os.Setenv(k, v)
		k, original, had := k, original, had
		restores[k] = func() { restoreEnv(t, k, original, had) }
	}
	defer func() {
		for _, fn := range restores {
			fn()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	// Give the supervisor a moment to get through all five startup
	// phases before requesting shutdown.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() returned error on clean shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after context cancellation")
	}
}

func restoreEnv(t *testing.T, key, value string, had bool) {
	t.Helper()
	if had {
		os.Setenv(key, value)
	} else {
		os.Unsetenv(key)
	}
}

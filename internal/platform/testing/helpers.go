package testing

import (
	"testing"

	"antigravity-manager/internal/platform/config"
	"antigravity-manager/internal/platform/logging"
)

// SetupTestConfig returns a config suitable for unit tests, with the
// manager state confined to a per-test temp directory.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.IP = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Log.Level = "debug"
	cfg.Log.Dir = dir
	cfg.Log.File = "test.log"
	cfg.Manager.DataDir = dir
	return cfg
}

// SetupTestLogger builds a logger writing into a temp directory and closes
// it when the test finishes.
func SetupTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	logger, err := logging.New(logging.Config{
		Level:    "debug",
		Dir:      t.TempDir(),
		Filename: "test.log",
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"antigravity-manager/internal/platform/errors"
)

// Capability toggle: when false the identity-profile mutation feature is
// disabled entirely, regardless of safe-mode state. The second name is the
// legacy alias still honoured for old installs.
const (
	EnvProfileEnabled      = "AGM_MACHINE_PROFILE"
	EnvProfileEnabledAlias = "AGM_SPOOF_FINGERPRINT"
	EnvProfileForced       = "AGM_MACHINE_PROFILE_FORCE"
	EnvConfigPath          = "AGM_CONFIG"
)

const defaultConfigFile = ".config.yaml"

// Loader reads configuration from an optional yaml file layered over
// DefaultConfig, with environment overrides applied last.
type Loader struct {
	useDotEnv bool
	path      string
}

func NewLoader() *Loader {
	return &Loader{useDotEnv: true}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath overrides the config file location (useful for tests).
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config *Config
	Path   string
}

func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		// Missing .env is fine, the process environment still applies.
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()

	path := l.path
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.KindConfig, "config.load", "parse config file", err)
		}
	case os.IsNotExist(err):
		path = ""
	default:
		return nil, errors.Wrap(errors.KindConfig, "config.load", "read config file", err)
	}

	applyEnvOverrides(cfg)
	resolveAppPaths(cfg)

	return &Result{Config: cfg, Path: path}, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupBool(EnvProfileEnabled, EnvProfileEnabledAlias); ok {
		cfg.Identity.Enabled = v
	}
	if v, ok := lookupBool(EnvProfileForced); ok {
		cfg.Identity.ForceEnabled = v
	}
	if dir := os.Getenv("AGM_DATA_DIR"); dir != "" {
		cfg.Manager.DataDir = dir
	}
}

func lookupBool(names ...string) (bool, bool) {
	for _, name := range names {
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return v, true
		}
	}
	return false, false
}

// resolveAppPaths fills in unset managed-app paths from the platform's
// conventional install locations.
func resolveAppPaths(cfg *Config) {
	if cfg.App.StorageFile != "" && cfg.App.StateDB != "" {
		return
	}

	var userDir string
	switch runtime.GOOS {
	case "windows":
		userDir = filepath.Join(os.Getenv("APPDATA"), "Antigravity", "User")
	case "darwin":
		home, _ := os.UserHomeDir()
		userDir = filepath.Join(home, "Library", "Application Support", "Antigravity", "User")
	default:
		home, _ := os.UserHomeDir()
		userDir = filepath.Join(home, ".config", "Antigravity", "User")
	}

	if cfg.App.StorageFile == "" {
		cfg.App.StorageFile = filepath.Join(userDir, "globalStorage", "storage.json")
	}
	if cfg.App.StateDB == "" {
		cfg.App.StateDB = filepath.Join(userDir, "globalStorage", "state.vscdb")
	}
}

// DatabasePath returns the absolute path of the manager accounts database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Manager.DataDir, c.Manager.DatabaseFile)
}

// KeyPath returns the current master key file location.
func (c *Config) KeyPath() string {
	return filepath.Join(c.Manager.DataDir, c.Manager.KeyFile)
}

// LegacyKeyPath returns the legacy master key file location.
func (c *Config) LegacyKeyPath() string {
	return filepath.Join(c.Manager.DataDir, c.Manager.LegacyKeyFile)
}

// SnapshotPath returns the last-known-good snapshot directory.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Manager.DataDir, c.Manager.SnapshotDir)
}

// AliasPath returns the account alias file location.
func (c *Config) AliasPath() string {
	return filepath.Join(c.Manager.DataDir, c.Manager.AliasFile)
}

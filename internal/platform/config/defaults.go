package config

import "time"

// DefaultConfig returns the configuration used when no config file overrides
// a value. The Google client constants are the ones the managed IDE itself
// ships with; refreshed tokens must look like they came from the same client.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:   "127.0.0.1",
			Port: 8800,
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "data/logs",
			File:  "manager.log",
		},
		Manager: ManagerConfig{
			DataDir:       "data",
			DatabaseFile:  "cloud_accounts.db",
			KeyFile:       "master.key",
			LegacyKeyFile: ".mk",
			AliasFile:     "aliases.json",
			SnapshotDir:   "last-known-good",
		},
		App: AppConfig{
			ProcessHints: []string{"Antigravity"},
			ExitTimeout:  10 * time.Second,
		},
		Identity: IdentityConfig{
			Enabled:          true,
			FailureThreshold: 3,
			SafeModeWindow:   5 * time.Minute,
			RetryAttempts:    5,
			RetryDelay:       150 * time.Millisecond,
			MachineIDHexLen:  64,
		},
		Google: GoogleConfig{
			ClientID:      "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
			ClientSecret:  "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",
			UserAgent:     "antigravity/1.11.3 Darwin/arm64",
			Timeout:       30 * time.Second,
			QuotaCacheTTL: 2 * time.Minute,
		},
	}
}

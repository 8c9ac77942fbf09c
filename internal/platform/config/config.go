package config

import "time"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Manager  ManagerConfig  `yaml:"manager"`
	App      AppConfig      `yaml:"app"`
	Identity IdentityConfig `yaml:"identity"`
	Google   GoogleConfig   `yaml:"google"`
}

type ServerConfig struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

// ManagerConfig locates the manager's own state: the encrypted accounts
// database and the key material used to open it.
type ManagerConfig struct {
	DataDir       string `yaml:"data_dir"`
	DatabaseFile  string `yaml:"database_file"`
	KeyFile       string `yaml:"key_file"`
	LegacyKeyFile string `yaml:"legacy_key_file"`
	AliasFile     string `yaml:"alias_file"`
	SnapshotDir   string `yaml:"snapshot_dir"`
}

// AppConfig describes the managed IDE installation.
type AppConfig struct {
	Executable   string        `yaml:"executable"`
	ProcessHints []string      `yaml:"process_hints"`
	StorageFile  string        `yaml:"storage_file"`
	StateDB      string        `yaml:"state_db"`
	Version      string        `yaml:"version"`
	ExitTimeout  time.Duration `yaml:"exit_timeout"`
}

// IdentityConfig controls device-profile mutation.
type IdentityConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ForceEnabled     bool          `yaml:"force_enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SafeModeWindow   time.Duration `yaml:"safe_mode_window"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MachineIDPrefix  string        `yaml:"machine_id_prefix"`
	MachineIDHexLen  int           `yaml:"machine_id_hex_len"`
}

// GoogleConfig carries the OAuth client used for token refresh and quota
// lookups.
type GoogleConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	QuotaCacheTTL time.Duration `yaml:"quota_cache_ttl"`
}

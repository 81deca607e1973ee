// Package config provides configuration management for AgentGuard.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all AgentGuard configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Scanner     ScannerConfig     `yaml:"scanner"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Rules       RulesConfig       `yaml:"rules"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	TokenEnv        string   `yaml:"token_env"`
	MaxEventSize    int      `yaml:"max_event_size"`
	MaxBatchSize    int      `yaml:"max_batch_size"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings for the event store.
// When Enabled is false the in-memory store is used instead.
type RedisConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addr        string   `yaml:"addr"`
	PasswordEnv string   `yaml:"password_env"`
	DB          int      `yaml:"db"`
	PoolSize    int      `yaml:"pool_size"`
	Retention   Duration `yaml:"retention"`
}

// ScannerConfig holds static scanner settings.
type ScannerConfig struct {
	Extensions    []string `yaml:"extensions"`
	SkipDirs      []string `yaml:"skip_dirs"`
	Workers       int      `yaml:"workers"`
	MaxFileSize   int64    `yaml:"max_file_size"`
	QuarantineDir string   `yaml:"quarantine_dir"`

	// RulesDir is an optional overlay directory of pattern rule files used
	// by the server's scan endpoint. Empty uses the built-ins only.
	RulesDir string `yaml:"rules_dir"`

	// TrustAnchorPath points at an ed25519 public key (raw hex) used by
	// the signing pass. Empty disables the pass.
	TrustAnchorPath string `yaml:"trust_anchor_path"`
}

// CorrelationConfig holds correlation engine settings.
type CorrelationConfig struct {
	DedupRetention Duration `yaml:"dedup_retention"`
}

// AlertingConfig holds alert dispatch settings.
type AlertingConfig struct {
	MinSeverity    string     `yaml:"min_severity"`
	CooldownWindow Duration   `yaml:"cooldown_window"`
	EnableLogSink  bool       `yaml:"enable_log_sink"`
	NATS           NATSConfig `yaml:"nats"`
}

// NATSConfig holds NATS sink settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RulesConfig holds rule store settings.
type RulesConfig struct {
	OverlayDir string         `yaml:"overlay_dir"`
	Sync       RuleSyncConfig `yaml:"sync"`
}

// RuleSyncConfig holds git rule-repo sync settings.
type RuleSyncConfig struct {
	Enabled   bool     `yaml:"enabled"`
	RemoteURL string   `yaml:"remote_url"`
	Branch    string   `yaml:"branch"`
	Interval  Duration `yaml:"interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			TokenEnv:        "AGENTGUARD_INGEST_TOKEN",
			MaxEventSize:    1024 * 1024,
			MaxBatchSize:    1000,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "AGENTGUARD_REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
			Retention:   Duration(24 * time.Hour),
		},
		Scanner: ScannerConfig{
			Extensions: []string{
				".py", ".js", ".ts", ".go", ".sh", ".rb",
				".yaml", ".yml", ".json", ".toml", ".env", ".cfg", ".ini",
			},
			SkipDirs:    []string{".git", "node_modules", "__pycache__", "vendor", ".venv"},
			Workers:     runtime.NumCPU(),
			MaxFileSize: 4 * 1024 * 1024,
		},
		Correlation: CorrelationConfig{
			DedupRetention: Duration(2 * time.Hour),
		},
		Alerting: AlertingConfig{
			MinSeverity:    "MEDIUM",
			CooldownWindow: Duration(5 * time.Minute),
			EnableLogSink:  true,
			NATS: NATSConfig{
				Enabled:       false,
				URL:           "nats://localhost:4222",
				SubjectPrefix: "agentguard.alerts",
			},
		},
		Rules: RulesConfig{
			OverlayDir: "rules",
			Sync: RuleSyncConfig{
				Enabled:  false,
				Branch:   "main",
				Interval: Duration(15 * time.Minute),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LockConfig holds lock service parameters.
type LockConfig struct {
	TTLSeconds    int    `yaml:"ttl_seconds"`
	BackoffBaseMS int    `yaml:"backoff_base_ms"`
	BackoffMaxMS  int    `yaml:"backoff_max_ms"`
	Retries       int    `yaml:"retries"`
	Backend       string `yaml:"backend"` // file | sqlite
	SQLitePath    string `yaml:"sqlite_path"`
}

// TTL returns the stale threshold as a duration.
func (l LockConfig) TTL() time.Duration { return time.Duration(l.TTLSeconds) * time.Second }

// BackoffBase returns the first retry delay.
func (l LockConfig) BackoffBase() time.Duration {
	return time.Duration(l.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (l LockConfig) BackoffMax() time.Duration {
	return time.Duration(l.BackoffMaxMS) * time.Millisecond
}

// WorkerConfig holds the task-intake loop parameters.
type WorkerConfig struct {
	PollMS       int  `yaml:"poll_ms"`
	WatchEnabled bool `yaml:"watch_enabled"`
}

// Poll returns the inbox polling interval.
func (w WorkerConfig) Poll() time.Duration { return time.Duration(w.PollMS) * time.Millisecond }

// HealthConfig holds doctor thresholds.
type HealthConfig struct {
	StateMaxAgeSeconds int `yaml:"state_max_age_seconds"`
}

// StateMaxAge returns how stale the state document may be before the doctor
// flags it.
func (h HealthConfig) StateMaxAge() time.Duration {
	return time.Duration(h.StateMaxAgeSeconds) * time.Second
}

// Config holds all configurable parameters.
type Config struct {
	Workspace  string       `yaml:"workspace"`
	AgentID    string       `yaml:"agent_id"`
	Role       string       `yaml:"role"`
	WriterRole string       `yaml:"writer_role"`
	Lock       LockConfig   `yaml:"lock"`
	Worker     WorkerConfig `yaml:"worker"`
	Health     HealthConfig `yaml:"health"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace:  ".",
		Role:       "worker",
		WriterRole: "controller",
		Lock: LockConfig{
			TTLSeconds:    120,
			BackoffBaseMS: 1000,
			BackoffMaxMS:  60000,
			Retries:       5,
			Backend:       "file",
		},
		Worker: WorkerConfig{
			PollMS:       2000,
			WatchEnabled: true,
		},
		Health: HealthConfig{
			StateMaxAgeSeconds: 600,
		},
	}
}

// LoadConfig loads configuration from a YAML file.
// Empty path falls back to ~/.gridlock/config.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return withAgentID(DefaultConfig()), nil
		}
		path = filepath.Join(home, ".gridlock", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return withAgentID(DefaultConfig()), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return withAgentID(cfg), nil
}

// withAgentID fills in the hostname-qualified default identity.
func withAgentID(cfg *Config) *Config {
	if cfg.AgentID != "" {
		return cfg
	}
	host, err := os.Hostname()
	if err != nil {
		host = "agent"
	}
	cfg.AgentID = fmt.Sprintf("%s-%d", host, os.Getpid())
	return cfg
}

// Validate rejects values that would silently break locking guarantees.
func (c *Config) Validate() error {
	if c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("config: lock.ttl_seconds must be positive, got %d", c.Lock.TTLSeconds)
	}
	if c.Lock.Retries < 0 {
		return fmt.Errorf("config: lock.retries must not be negative, got %d", c.Lock.Retries)
	}
	switch c.Lock.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: lock.backend must be file or sqlite, got %q", c.Lock.Backend)
	}
	if c.Lock.Backend == "sqlite" && c.Lock.SQLitePath == "" {
		return fmt.Errorf("config: lock.sqlite_path is required with the sqlite backend")
	}
	return nil
}

// DefaultConfigYAML returns a commented YAML string for init.
func DefaultConfigYAML() string {
	return `# gridlock configuration
# Generated by: gridlock init

# Workspace root. The coordination directories (inbox/, locks/, ledger/,
# state/, backups/, reports/, snapshots/) live under it.
workspace: .

# Identity of this process in locks, ledger entries and reports.
# Defaults to the hostname-qualified process name when empty.
agent_id: ""

# Role of this process. Only the writer_role may mutate the shared state
# document; everyone else goes through the ledger.
role: worker
writer_role: controller

lock:
  # A lock older than this is stale and may be overridden.
  ttl_seconds: 120
  # Retry schedule when a resource is held: delay doubles from
  # backoff_base_ms up to backoff_max_ms, for at most retries attempts.
  backoff_base_ms: 1000
  backoff_max_ms: 60000
  retries: 5
  # file keeps locks as files under locks/; sqlite keeps them in one
  # database, useful when lock churn outgrows the filesystem.
  backend: file
  sqlite_path: ""

worker:
  # Inbox poll interval, also the fallback when filesystem watching is
  # unavailable.
  poll_ms: 2000
  watch_enabled: true

health:
  # Doctor flags the state document when it is older than this while the
  # ledger has newer entries.
  state_max_age_seconds: 600
`
}

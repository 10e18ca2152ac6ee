package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvConfigPath names the environment variable holding the config file path
// when --config is not given.
const EnvConfigPath = "RUNBRIDGE_CONFIG"

const (
	DefaultListen           = "127.0.0.1:6380"
	DefaultWorkerCommand    = "runbridge-runner"
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultBacklogBytes     = 2 << 20
	DefaultReplayChunkBytes = 32 << 10
	MinReplayChunkBytes     = 64
	DefaultMaxSessions      = 16
	DefaultProbePath        = "/api/v1/me"
	DefaultProbeTimeout     = 10 * time.Second
	DefaultCols             = 120
	DefaultRows             = 32
)

// Config is the broker configuration. Values are layered: defaults, then the
// optional YAML file, then RUNBRIDGE_* environment variables. Command line
// flags are applied last by the cmd package.
type Config struct {
	Listen   string `yaml:"listen"`
	Dev      bool   `yaml:"dev"`
	LogLevel string `yaml:"log_level"`
	// APISecret, when set, requires signed tokens on the HTTP API.
	APISecret string        `yaml:"api_secret"`
	Worker    WorkerConfig  `yaml:"worker"`
	Auth      AuthConfig    `yaml:"auth"`
	Session   SessionConfig `yaml:"session"`
}

// WorkerConfig describes the process spawned for every session start.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
	// Local workers do not talk to the remote service and are spawned
	// without a credential check.
	Local bool   `yaml:"local"`
	Cols  uint16 `yaml:"cols"`
	Rows  uint16 `yaml:"rows"`
}

type AuthConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	// Endpoint overrides the endpoint stored alongside the credential.
	Endpoint     string        `yaml:"endpoint"`
	ProbePath    string        `yaml:"probe_path"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type SessionConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	BacklogBytes     int           `yaml:"backlog_bytes"`
	ReplayChunkBytes int           `yaml:"replay_chunk_bytes"`
	// MaxSessions caps how many named sessions viewers may create.
	MaxSessions int `yaml:"max_sessions"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   DefaultListen,
		LogLevel: "info",
		Worker: WorkerConfig{
			Command: DefaultWorkerCommand,
			Cols:    DefaultCols,
			Rows:    DefaultRows,
		},
		Auth: AuthConfig{
			CredentialsPath: DefaultCredentialsPath(),
			ProbePath:       DefaultProbePath,
			ProbeTimeout:    DefaultProbeTimeout,
		},
		Session: SessionConfig{
			IdleTimeout:      DefaultIdleTimeout,
			BacklogBytes:     DefaultBacklogBytes,
			ReplayChunkBytes: DefaultReplayChunkBytes,
			MaxSessions:      DefaultMaxSessions,
		},
	}
}

// DefaultCredentialsPath follows the XDG base directory convention.
func DefaultCredentialsPath() string {
	return filepath.Join(configDir(), "credentials.json")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "runbridge")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}
	return filepath.Join(homeDir, ".config", "runbridge")
}

// ResolvePath picks the config file: the flag value, else $RUNBRIDGE_CONFIG.
// An empty result means no file.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Load builds the configuration from defaults, the file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("RUNBRIDGE_LISTEN", &c.Listen)
	str("RUNBRIDGE_LOG_LEVEL", &c.LogLevel)
	str("RUNBRIDGE_WORKER_COMMAND", &c.Worker.Command)
	str("RUNBRIDGE_WORKER_DIR", &c.Worker.Dir)
	str("RUNBRIDGE_CREDENTIALS", &c.Auth.CredentialsPath)
	str("RUNBRIDGE_AUTH_ENDPOINT", &c.Auth.Endpoint)
	str("RUNBRIDGE_API_SECRET", &c.APISecret)

	if v := getenv("RUNBRIDGE_WORKER_ARGS"); v != "" {
		c.Worker.Args = strings.Fields(v)
	}

	for key, dst := range map[string]*bool{
		"RUNBRIDGE_DEV":          &c.Dev,
		"RUNBRIDGE_LOCAL_WORKER": &c.Worker.Local,
	} {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}

	if v := getenv("RUNBRIDGE_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RUNBRIDGE_IDLE_TIMEOUT: %w", err)
		}
		c.Session.IdleTimeout = d
	}
	if v := getenv("RUNBRIDGE_BACKLOG_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RUNBRIDGE_BACKLOG_BYTES: %w", err)
		}
		c.Session.BacklogBytes = n
	}
	if v := getenv("RUNBRIDGE_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RUNBRIDGE_MAX_SESSIONS: %w", err)
		}
		c.Session.MaxSessions = n
	}
	return nil
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("worker command is required")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.Session.IdleTimeout)
	}
	if c.Session.BacklogBytes <= 0 {
		return fmt.Errorf("backlog size must be positive, got %d", c.Session.BacklogBytes)
	}
	if c.Session.ReplayChunkBytes <= 0 {
		c.Session.ReplayChunkBytes = DefaultReplayChunkBytes
	}
	if c.Session.ReplayChunkBytes < MinReplayChunkBytes {
		return fmt.Errorf("replay chunk size must be at least %d bytes, got %d", MinReplayChunkBytes, c.Session.ReplayChunkBytes)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.Session.MaxSessions)
	}
	if c.Auth.CredentialsPath == "" {
		c.Auth.CredentialsPath = DefaultCredentialsPath()
	}
	return nil
}

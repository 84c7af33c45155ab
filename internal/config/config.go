package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Shell    ShellConfig    `yaml:"shell"`
	Backend  BackendConfig  `yaml:"backend"`
	Provider ProviderConfig `yaml:"provider"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

type ShellConfig struct {
	Scheme         string `yaml:"scheme"`         // deep link scheme, default "conduit"
	MaxRecentDirs  int    `yaml:"maxRecentDirs"`  // default 10
	AutoAddSaved   bool   `yaml:"autoAddSaved"`   // add saved systems to new windows, default true
	WorkspaceOnNew bool   `yaml:"workspaceOnNew"` // attach the builtin workspace system to new windows
}

type BackendConfig struct {
	Executable       string        `yaml:"executable"`       // default: this binary
	Args             []string      `yaml:"args"`             // default ["serve"]
	ReadinessTimeout time.Duration `yaml:"readinessTimeout"` // default 8s
	ProbeInterval    time.Duration `yaml:"probeInterval"`    // default 100ms
	StopGracePeriod  time.Duration `yaml:"stopGracePeriod"`  // default 3s
}

type ProviderConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"` // default 8s
	RequestTimeout   time.Duration `yaml:"requestTimeout"`   // default 5s
}

type StoreConfig struct {
	Type    string `yaml:"type"`    // "bolt" or "memory"
	DataDir string `yaml:"dataDir"` // default "~/.conduit"
}

type LogConfig struct {
	Level  string `yaml:"level"`  // default "info"
	Format string `yaml:"format"` // "console" or "json"
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Shell: ShellConfig{
			Scheme:        "conduit",
			MaxRecentDirs: 10,
			AutoAddSaved:  true,
		},
		Backend: BackendConfig{
			Args:             []string{"serve"},
			ReadinessTimeout: 8 * time.Second,
			ProbeInterval:    100 * time.Millisecond,
			StopGracePeriod:  3 * time.Second,
		},
		Provider: ProviderConfig{
			HandshakeTimeout: 8 * time.Second,
			RequestTimeout:   5 * time.Second,
		},
		Store: StoreConfig{
			Type:    "bolt",
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the control plane cannot run with.
func (c *Config) Validate() error {
	if c.Backend.ReadinessTimeout <= 0 {
		return fmt.Errorf("backend.readinessTimeout must be positive")
	}
	if c.Backend.ProbeInterval <= 0 {
		return fmt.Errorf("backend.probeInterval must be positive")
	}
	if c.Provider.HandshakeTimeout <= 0 || c.Provider.RequestTimeout <= 0 {
		return fmt.Errorf("provider timeouts must be positive")
	}
	switch c.Store.Type {
	case "bolt", "memory":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Shell.Scheme == "" {
		return fmt.Errorf("shell.scheme must not be empty")
	}
	return nil
}

// DBPath returns the full path to the settings BoltDB file.
func (c *Config) DBPath() string {
	return filepath.Join(c.Store.DataDir, "settings.db")
}

// LockPath returns the path of the file advertising the running shell.
func (c *Config) LockPath() string {
	return filepath.Join(c.Store.DataDir, "shell.json")
}

// LogDir returns the directory backend session logs are written to.
func (c *Config) LogDir() string {
	return filepath.Join(c.Store.DataDir, "logs")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// defaultDataDir resolves the default data directory.
// It uses os.UserHomeDir() + "/.conduit", falling back to "/tmp/conduit"
// if the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "conduit")
	}
	return filepath.Join(home, ".conduit")
}

// ---------------------------------------------------------------------------
// Backend launch contract
// ---------------------------------------------------------------------------

// EnvPrefix prefixes every launch variable (CONDUIT_PORT, ...).
const EnvPrefix = "conduit"

// Launch variable names as seen in the child environment.
const (
	EnvPort        = "CONDUIT_PORT"
	EnvSecretKey   = "CONDUIT_SECRET_KEY"
	EnvParentWatch = "CONDUIT_PARENT_WATCH"
	EnvLogLevel    = "CONDUIT_LOG_LEVEL"
)

// LaunchEnv is what the shell hands a backend process through its environment.
type LaunchEnv struct {
	Port        int    `envconfig:"PORT" required:"true"`
	SecretKey   string `envconfig:"SECRET_KEY" required:"true"`
	ParentWatch bool   `envconfig:"PARENT_WATCH" default:"false"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadLaunchEnv parses the backend launch contract from the environment.
func LoadLaunchEnv() (*LaunchEnv, error) {
	var env LaunchEnv
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load launch env: %w", err)
	}
	if env.Port <= 0 || env.Port > 65535 {
		return nil, fmt.Errorf("invalid %s %d", EnvPort, env.Port)
	}
	return &env, nil
}

// Environ renders the launch contract as KEY=VALUE pairs.
func (e LaunchEnv) Environ() []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvPort, e.Port),
		fmt.Sprintf("%s=%s", EnvSecretKey, e.SecretKey),
		fmt.Sprintf("%s=%t", EnvParentWatch, e.ParentWatch),
		fmt.Sprintf("%s=%s", EnvLogLevel, e.LogLevel),
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigFile is looked up in the working directory when POLYDEV_CONFIG is unset.
const DefaultConfigFile = "polydev.config.yaml"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "POLYDEV_CONFIG"

const envPrefix = "POLYDEV_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Health     HealthConfig     `koanf:"health"`
	Logs       LogsConfig       `koanf:"logs"`
	Hot        HotConfig        `koanf:"hot"`
	Log        LogConfig        `koanf:"log"`
	WebSocket  WebSocketConfig  `koanf:"websocket"`
}

type ServerConfig struct {
	Address     string        `koanf:"address"`
	Refresh     time.Duration `koanf:"refresh"`
	OpenBrowser bool          `koanf:"open_browser"`
}

type WorkspaceConfig struct {
	Root string `koanf:"root"`
}

type SupervisorConfig struct {
	StopTimeout     time.Duration `koanf:"stop_timeout"`
	RestartCooldown time.Duration `koanf:"restart_cooldown"`
	CaptureOutput   bool          `koanf:"capture_output"`
}

type HealthConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	Path    string        `koanf:"path"`
	Host    string        `koanf:"host"`
}

type LogsConfig struct {
	MaxFileSize  int64         `koanf:"max_file_size"`
	MaxArchives  int           `koanf:"max_archives"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

type HotConfig struct {
	Debounce time.Duration `koanf:"debounce"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `koanf:"ping_interval"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     ":8080",
			Refresh:     5 * time.Second,
			OpenBrowser: true,
		},
		Workspace: WorkspaceConfig{Root: "."},
		Supervisor: SupervisorConfig{
			StopTimeout:     10 * time.Second,
			RestartCooldown: time.Second,
			CaptureOutput:   true,
		},
		Health: HealthConfig{
			Timeout: 3 * time.Second,
			Path:    "/health",
			Host:    "localhost",
		},
		Logs: LogsConfig{
			MaxFileSize:  10 * 1024 * 1024,
			MaxArchives:  10,
			PollInterval: time.Second,
		},
		Hot:       HotConfig{Debounce: 400 * time.Millisecond},
		Log:       LogConfig{Level: "info", Format: "console"},
		WebSocket: WebSocketConfig{PingInterval: 30 * time.Second},
	}
}

// LoadConfig layers defaults, an optional YAML file and POLYDEV_* environment variables.
func LoadConfig() (*Config, error) {
	return Load(findConfigFile())
}

// Load is LoadConfig with an explicit file path. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// POLYDEV_SUPERVISOR_STOP_TIMEOUT -> supervisor.stop_timeout
	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Kept from the first release, where only the listen address was configurable.
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		if err := k.Set("server.address", addr); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps POLYDEV_SECTION_KEY_NAME to section.key_name.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address must not be empty"))
	}
	if c.Server.Refresh <= 0 {
		errs = append(errs, errors.New("server.refresh must be positive"))
	}
	if c.Supervisor.StopTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.stop_timeout must be positive"))
	}
	if c.Supervisor.RestartCooldown < 0 {
		errs = append(errs, errors.New("supervisor.restart_cooldown must not be negative"))
	}
	if c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("health.timeout must be positive"))
	}
	if !strings.HasPrefix(c.Health.Path, "/") {
		errs = append(errs, errors.New("health.path must start with /"))
	}
	if c.Logs.MaxFileSize <= 0 {
		errs = append(errs, errors.New("logs.max_file_size must be positive"))
	}
	if c.Logs.MaxArchives <= 0 {
		errs = append(errs, errors.New("logs.max_archives must be positive"))
	}
	if c.Logs.PollInterval <= 0 {
		errs = append(errs, errors.New("logs.poll_interval must be positive"))
	}
	if c.Hot.Debounce <= 0 {
		errs = append(errs, errors.New("hot.debounce must be positive"))
	}
	if c.WebSocket.PingInterval <= 0 {
		errs = append(errs, errors.New("websocket.ping_interval must be positive"))
	}
	return errors.Join(errs...)
}

// ABOUTME: Configuration loading for the moltagent orchestrator.
// ABOUTME: YAML with ${VAR} expansion; MOLTAGENT_* environment overrides.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultControlPlanePort is the standalone WebSocket port.
const DefaultControlPlanePort = 18790

// Config is the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Data      DataConfig      `yaml:"data"`
	Providers ProvidersConfig `yaml:"providers"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listen addresses.
type ServerConfig struct {
	HTTPAddr         string `yaml:"http_addr"`
	ControlPlanePort int    `yaml:"control_plane_port"`
}

// AuthConfig holds the shared bearer token for workers and operators.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// DataConfig holds the fleet data directory.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// HetznerConfig activates the cloud backend.
type HetznerConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig selects and configures VPS backends.
type ProvidersConfig struct {
	Default string        `yaml:"default"`
	Hetzner HetznerConfig `yaml:"hetzner"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the configuration file if present, expands ${VAR} references,
// applies environment overrides, and fills defaults. A missing file is not
// an error; the environment alone can configure a deployment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv layers MOLTAGENT_* overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("MOLTAGENT_API_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("MOLTAGENT_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("MOLTAGENT_CP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.ControlPlanePort = port
		}
	}
	if v := os.Getenv("HETZNER_API_TOKEN"); v != "" {
		c.Providers.Hetzner.Token = v
	}
}

// applyDefaults fills anything still unset.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:18791"
	}
	if c.Server.ControlPlanePort == 0 {
		c.Server.ControlPlanePort = DefaultControlPlanePort
	}
	if c.Data.Dir == "" {
		c.Data.Dir = defaultDataDir()
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "docker-local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// defaultDataDir follows the XDG convention with a home-relative fallback.
func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "moltagent")
}

// WorkerManifestPath returns the manifest path that switches the binary into
// worker mode, or "" when unset.
func WorkerManifestPath() string {
	return os.Getenv("MOLTAGENT_MANIFEST")
}

// OrchestratorEnabled reports whether orchestrator mode is requested: the
// explicit flag, or an API token configured at all.
func (c *Config) OrchestratorEnabled() bool {
	return os.Getenv("MOLTAGENT_CONTROL_PLANE") == "1" || c.Auth.Token != ""
}

// FleetFilePath is the canonical fleet registry location.
func (c *Config) FleetFilePath() string {
	return filepath.Join(c.Data.Dir, "fleet.json")
}

// ArchiveFilePath is the canonical action-archive location.
func (c *Config) ArchiveFilePath() string {
	return filepath.Join(c.Data.Dir, "actions.db")
}

// ControlPlaneAddr is the standalone WebSocket listen address.
func (c *Config) ControlPlaneAddr() string {
	return fmt.Sprintf(":%d", c.Server.ControlPlanePort)
}

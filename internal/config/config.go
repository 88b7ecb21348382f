package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models aether.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	LLM struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	} `yaml:"llm"`
	Sync struct {
		Enabled         bool   `yaml:"enabled"`
		BaseURL         string `yaml:"base_url"`
		Token           string `yaml:"token"`
		ListID          string `yaml:"list_id"`
		IntervalMinutes int    `yaml:"interval_minutes"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
	} `yaml:"sync"`
	Export struct {
		Dir string `yaml:"dir"`
	} `yaml:"export"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aether.yml")
}

// Default returns the default Config rooted at a workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Sync.IntervalMinutes = 15
	cfg.Sync.TimeoutSeconds = 10
	cfg.Export.Dir = filepath.Join(workspace, ".aether", "export")
	cfg.Storage.Dir = filepath.Join(workspace, ".aether", "files")
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("config.export.dir is required")
	}
	if c.Sync.Enabled {
		if c.Sync.ListID == "" {
			return fmt.Errorf("config.sync.list_id is required when sync is enabled")
		}
		if c.Sync.IntervalMinutes <= 0 {
			return fmt.Errorf("config.sync.interval_minutes must be positive")
		}
	}
	if c.Sync.TimeoutSeconds < 0 {
		return fmt.Errorf("config.sync.timeout_seconds must not be negative")
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// fields keep their defaults.
func FromYAML(workspace string, data []byte) (*Config, error) {
	cfg := Default(workspace)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(workspace, data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	return FromYAML(workspace, data)
}

// Package config loads the controller's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the controller process's full configuration.
type Config struct {
	Network  NetworkConfig  `json:"network"`
	Auth     AuthConfig     `json:"auth"`
	Mappings MappingsConfig `json:"mappings"`
}

// NetworkConfig configures the controller's HTTP listener.
type NetworkConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// AuthConfig configures the shared agent secret and optional client API
// key. There are no per-user identities, only these two shared secrets.
type AuthConfig struct {
	AgentSecret string `json:"agent_secret"`
	APIKey      string `json:"api_key,omitempty"`
}

// MappingsConfig locates the model-mapping store's JSON file
// (internal/mapping).
type MappingsConfig struct {
	Path string `json:"path"`
}

// Load reads and parses the JSON config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadDefault returns a Config with sensible defaults, used when no
// --config path is given.
func LoadDefault() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = "0.0.0.0:8080"
	}
	if c.Mappings.Path == "" {
		c.Mappings.Path = "mappings.json"
	}
}

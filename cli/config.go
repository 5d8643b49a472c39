package cli

// This file contains the optional YAML configuration of the server and
// node commands.

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/testbit/testbit/cli/node"
	"github.com/testbit/testbit/cli/proto"
	"github.com/testbit/testbit/registry"
)

// Config is the configuration file. Command line flags override it.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Node   NodeConfig   `yaml:"node"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig holds the settings of testbit server.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Hex encoded SHA-256 digest of the passphrase
	PassphraseSHA256 string `yaml:"passphrase_sha256"`
	// Backing store: file or postgres
	Store       string `yaml:"store"`
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
	// Publishes test updates when set
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
}

// NodeConfig holds the settings of testbit node.
type NodeConfig struct {
	Name        string `yaml:"name"`
	node.Config `yaml:",inline"`
}

// ClientConfig holds the connection settings shared by all commands that
// talk to a server.
type ClientConfig struct {
	Server             string        `yaml:"server"`
	CAFile             string        `yaml:"ca_file"`
	ServerName         string        `yaml:"server_name"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

const (
	storeFile     = "file"
	storePostgres = "postgres"
)

// loadConfig reads path, expanding environment variables first. An empty
// path yields the defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":" + proto.DefaultPort
	}
	if cfg.Server.Store == "" {
		cfg.Server.Store = storeFile
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "testbit-data"
	}
	if cfg.Server.RedisChannel == "" {
		cfg.Server.RedisChannel = registry.DefaultChannel
	}
	if cfg.Node.Binary == "" {
		cfg.Node.Binary = "bitbit"
	}
	if cfg.Node.Threads == 0 {
		cfg.Node.Threads = 1
	}
	if cfg.Node.ReportInterval == 0 {
		cfg.Node.ReportInterval = time.Second
	}
	if cfg.Client.Server == "" {
		cfg.Client.Server = "localhost"
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = 30 * time.Second
	}

	if cfg.Server.Store != storeFile && cfg.Server.Store != storePostgres {
		return nil, fmt.Errorf("unknown store %q (expected %s or %s)", cfg.Server.Store, storeFile, storePostgres)
	}
	return &cfg, nil
}

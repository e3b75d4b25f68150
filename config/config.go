package config

import (
	_ "embed"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.mau.fi/zeroconfig"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type ServerConfig struct {
	ServerName string `yaml:"server_name"`
	Hostname   string `yaml:"hostname"`
	Port       uint16 `yaml:"port"`
}

func (sc *ServerConfig) ListenAddress() string {
	return net.JoinHostPort(sc.Hostname, strconv.Itoa(int(sc.Port)))
}

type SigningKeyConfig struct {
	Path  string `yaml:"path"`
	KeyID string `yaml:"key_id"`
}

type FederationConfig struct {
	DefaultPort       uint16            `yaml:"default_port"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	FanoutConcurrency int               `yaml:"fanout_concurrency"`
	KeyCacheSize      int               `yaml:"key_cache_size"`
	KeyCacheLifetime  time.Duration     `yaml:"key_cache_lifetime"`
	Overrides         map[string]string `yaml:"overrides"`
}

type TimelineConfig struct {
	RecursionLimit int `yaml:"recursion_limit"`
}

type ClientAPIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	DumpSecret string `yaml:"dump_secret"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	SigningKey SigningKeyConfig  `yaml:"signing_key"`
	Federation FederationConfig  `yaml:"federation"`
	Timeline   TimelineConfig    `yaml:"timeline"`
	ClientAPI  ClientAPIConfig   `yaml:"client_api"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// Validate checks the fields that have no usable fallback.
func (cfg *Config) Validate() error {
	if !id.ValidateServerName(cfg.Server.ServerName) {
		return fmt.Errorf("invalid server name %q", cfg.Server.ServerName)
	} else if cfg.SigningKey.Path == "" {
		return fmt.Errorf("signing key path is not set")
	} else if cfg.Federation.FanoutConcurrency < 0 {
		return fmt.Errorf("fanout concurrency can't be negative")
	} else if cfg.Federation.KeyCacheSize <= 0 {
		return fmt.Errorf("key cache size must be positive")
	}
	for serverName := range cfg.Federation.Overrides {
		if !id.ValidateServerName(serverName) {
			return fmt.Errorf("invalid server name %q in federation overrides", serverName)
		}
	}
	return nil
}

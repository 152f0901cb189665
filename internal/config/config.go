// Package config loads and watches the telebridge configuration file.
// YAML (.yaml/.yml) and JSON5 (.json5/.json) are both accepted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Network NetworkConfig `yaml:"network" json:"network"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Polling PollingConfig `yaml:"polling" json:"polling"`
	Egress  EgressConfig  `yaml:"egress" json:"egress"`
	Media   MediaConfig   `yaml:"media" json:"media"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// NetworkConfig points at the messaging network's gateway endpoints and
// carries the application credentials auth requires.
type NetworkConfig struct {
	// LegacyAddr is the TCP endpoint of the generation-1 gateway.
	LegacyAddr string `yaml:"legacy_addr" json:"legacy_addr"`
	// ModernURL is the WebSocket URL of the generation-2 gateway.
	ModernURL string `yaml:"modern_url" json:"modern_url"`
	// DefaultGeneration is used when a session doesn't request one
	// explicitly ("legacy" or "modern", default "modern").
	DefaultGeneration string `yaml:"default_generation" json:"default_generation"`
	// AppID/AppKey identify this application to the network.
	AppID  string `yaml:"app_id" json:"app_id"`
	AppKey string `yaml:"app_key" json:"app_key"`
	// CallTimeout bounds every interactive call (default 30s).
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Mode        string `yaml:"mode" json:"mode"` // "standalone" or "managed"
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
}

// GatewayConfig configures the observer WebSocket server.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"` // default ":8090"
	Token      string `yaml:"token" json:"token"`             // connect token; empty disables auth
	RPM        int    `yaml:"rpm" json:"rpm"`                 // per-client request rate limit
	Burst      int    `yaml:"burst" json:"burst"`
}

// AdminConfig configures the admin/CRM HTTP API.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"` // default ":8091"
	APIKey     string `yaml:"api_key" json:"api_key"`
	RPM        int    `yaml:"rpm" json:"rpm"`
	Burst      int    `yaml:"burst" json:"burst"`
}

// PollingConfig tunes the differential polling update source.
type PollingConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`         // default 5s
	FetchWindow int           `yaml:"fetch_window" json:"fetch_window"` // messages per poll, default 20
}

// EgressConfig configures the optional AMQP publisher of normalized updates.
type EgressConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	URL      string `yaml:"url" json:"url"`
	Exchange string `yaml:"exchange" json:"exchange"` // default "telebridge.updates"
}

// MediaConfig configures the optional S3 mirror for downloaded attachments.
type MediaConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Endpoint string `yaml:"endpoint" json:"endpoint"` // custom endpoint for S3-compatible stores
	// Static credentials for stores outside the default AWS chain.
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"` // e.g. "localhost:4317"
	Protocol    string `yaml:"protocol" json:"protocol"` // "grpc" (default) or "http"
	Insecure    bool   `yaml:"insecure" json:"insecure"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Load reads the config file, applies defaults and env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json5 config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment so they can stay out of
// the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TELEBRIDGE_APP_KEY"); v != "" {
		c.Network.AppKey = v
	}
	if v := os.Getenv("TELEBRIDGE_POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("TELEBRIDGE_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("TELEBRIDGE_ADMIN_API_KEY"); v != "" {
		c.Admin.APIKey = v
	}
	if v := os.Getenv("TELEBRIDGE_AMQP_URL"); v != "" {
		c.Egress.URL = v
	}
	if v := os.Getenv("TELEBRIDGE_S3_SECRET_KEY"); v != "" {
		c.Media.SecretAccessKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Network.DefaultGeneration == "" {
		c.Network.DefaultGeneration = "modern"
	}
	if c.Network.CallTimeout <= 0 {
		c.Network.CallTimeout = 30 * time.Second
	}
	if c.Store.Mode == "" {
		c.Store.Mode = "standalone"
	}
	if c.Store.SQLitePath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Store.SQLitePath = filepath.Join(home, ".telebridge", "sessions.db")
		} else {
			c.Store.SQLitePath = "sessions.db"
		}
	}
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8090"
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":8091"
	}
	if c.Polling.Interval <= 0 {
		c.Polling.Interval = 5 * time.Second
	}
	if c.Polling.FetchWindow <= 0 {
		c.Polling.FetchWindow = 20
	}
	if c.Egress.Exchange == "" {
		c.Egress.Exchange = "telebridge.updates"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "telebridge"
	}
	if c.Tracing.Protocol == "" {
		c.Tracing.Protocol = "grpc"
	}
}

func (c *Config) validate() error {
	switch c.Network.DefaultGeneration {
	case "legacy", "modern":
	default:
		return fmt.Errorf("config: unknown default_generation %q", c.Network.DefaultGeneration)
	}
	if c.Store.Mode == "managed" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("config: managed store mode requires postgres_dsn")
	}
	if c.Egress.Enabled && c.Egress.URL == "" {
		return fmt.Errorf("config: egress enabled but url is empty")
	}
	if c.Media.Enabled && c.Media.Bucket == "" {
		return fmt.Errorf("config: media archive enabled but bucket is empty")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("config: tracing enabled but endpoint is empty")
	}
	return nil
}

// Package config loads and validates the gateway's layered configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the firewall gateway.
type Config struct {
	Listen    string          `yaml:"listen"`
	Backend   BackendConfig   `yaml:"backend"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Skill     SkillConfig     `yaml:"skill"`
}

// BackendConfig describes the single downstream agent-hosting service the
// gateway forwards approved traffic to.
type BackendConfig struct {
	URL string `yaml:"url"`
}

// TLSConfig holds TLS/HTTPS configuration for the inbound listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// LoggingConfig holds structured-logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// StorageConfig holds the relational-store configuration (agents, rules,
// threats, analyzed skills).
type StorageConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RedisConfig holds the key-value store configuration (rate limits,
// blacklist, loop-detection windows, threat-intel sets).
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// FirewallConfig holds the orchestrator's tunable defaults.
type FirewallConfig struct {
	DefaultRateLimitPerMinute int           `yaml:"default_rate_limit_per_minute"`
	BlacklistTTL              time.Duration `yaml:"blacklist_ttl"`
	ThreatScoreThreshold      float64       `yaml:"threat_score_threshold"`
	RuleCacheTTL              time.Duration `yaml:"rule_cache_ttl"`
	AlertWebhookURL           string        `yaml:"alert_webhook_url"`
}

// WebSocketConfig holds the WebSocket proxy's transport configuration.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	MaxConnsPerIP    int           `yaml:"max_conns_per_ip"`
}

// SkillConfig holds the skill analyzer's defaults.
type SkillConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MemoryCapMiB   int           `yaml:"memory_cap_mib"`
}

// Load reads and parses the configuration file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Listen: ":8080",
		Backend: BackendConfig{
			URL: "http://localhost:8081",
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "firewalld",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Storage: StorageConfig{
			Path:          "data/firewalld.db",
			RetentionDays: 30,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "firewall:",
		},
		Firewall: FirewallConfig{
			DefaultRateLimitPerMinute: 100,
			BlacklistTTL:              1 * time.Hour,
			ThreatScoreThreshold:      0.8,
			RuleCacheTTL:              30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			PongTimeout:      60 * time.Second,
			MaxMessageSize:   1 << 20,
			MaxConnsPerIP:    5,
		},
		Skill: SkillConfig{
			DefaultTimeout: 5 * time.Second,
			MemoryCapMiB:   50,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
		c.Telemetry.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("FIREWALLD_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("FIREWALLD_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("FIREWALLD_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url must be set")
	}
	if c.Firewall.ThreatScoreThreshold <= 0 || c.Firewall.ThreatScoreThreshold > 1 {
		return fmt.Errorf("firewall.threat_score_threshold must be in (0, 1]")
	}
	if c.Firewall.DefaultRateLimitPerMinute <= 0 {
		return fmt.Errorf("firewall.default_rate_limit_per_minute must be positive")
	}
	return nil
}

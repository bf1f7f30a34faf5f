package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oktsec/toolgate/internal/safefile"
)

// Config is the top-level toolgate configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Tools     map[string]Tool `yaml:"tools"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Abuse     AbuseConfig     `yaml:"abuse"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Webhooks  []Webhook       `yaml:"webhooks,omitempty"`
	PubSub    PubSubConfig    `yaml:"pubsub,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Gateway   GatewayConfig   `yaml:"gateway,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int    `yaml:"port"`
	Bind             string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel         string `yaml:"log_level"`
	PersistTimeoutMs int    `yaml:"persist_timeout_ms"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables cross-process escalation de-dup and alert fan-out.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password,omitempty"`
	DB           int    `yaml:"db"`
	AlertChannel string `yaml:"alert_channel,omitempty"`
}

// Tool is one row of the credit cost table.
type Tool struct {
	Module  string `yaml:"module"`
	Credits int64  `yaml:"credits"`
}

// ThrottleConfig holds the cost multiplier per throttle level.
type ThrottleConfig struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// AbuseConfig tunes the overuse detector.
type AbuseConfig struct {
	Threshold          int `yaml:"threshold"`
	WindowMinutes      int `yaml:"window_minutes"`
	DedupWindowMinutes int `yaml:"dedup_window_minutes"`
	CooldownMinutes    int `yaml:"cooldown_minutes"` // 0 = flag only
}

// ScannerConfig enables content scanning of text inputs.
type ScannerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CustomRulesDir string `yaml:"custom_rules_dir,omitempty"`
}

// Webhook defines an outgoing alert endpoint.
type Webhook struct {
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events,omitempty"`   // overuse, rule_flag; empty = all
	Template string   `yaml:"template,omitempty"` // "", "default" or a {{TAG}} template
}

// PubSubConfig publishes alerts to Cloud Pub/Sub when Project is set.
type PubSubConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"` // export spans to stdout
	ServiceName string `yaml:"service_name,omitempty"`
}

// GatewayConfig fronts backend MCP servers and charges each forwarded call.
type GatewayConfig struct {
	EndpointPath  string             `yaml:"endpoint_path,omitempty"`
	UserHeader    string             `yaml:"user_header,omitempty"`
	RefundOnError bool               `yaml:"refund_on_error"` // refund calls the backend failed
	Backends      map[string]Backend `yaml:"backends,omitempty"`
}

// Backend is one upstream MCP server.
type Backend struct {
	Transport string            `yaml:"transport"` // stdio or http
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
}

// Load reads and parses a toolgate config file, then applies TOOLGATE_*
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, safefile.MaxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	cfg.Tools = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults with environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Defaults()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides database, redis and port settings from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("TOOLGATE_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("TOOLGATE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("TOOLGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TOOLGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TOOLGATE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:             8080,
			Bind:             "127.0.0.1",
			LogLevel:         "info",
			PersistTimeoutMs: 2000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "toolgate.db",
		},
		Tools: make(map[string]Tool),
		Throttle: ThrottleConfig{
			Low:    1.25,
			Medium: 1.5,
			High:   2.0,
		},
		Abuse: AbuseConfig{
			Threshold:          5,
			WindowMinutes:      10,
			DedupWindowMinutes: 10,
		},
		Gateway: GatewayConfig{
			EndpointPath:  "/mcp",
			UserHeader:    "X-Toolgate-User",
			RefundOnError: true,
		},
	}
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := Defaults()
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Bind == "" {
		c.Server.Bind = d.Server.Bind
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = d.Server.LogLevel
	}
	if c.Server.PersistTimeoutMs == 0 {
		c.Server.PersistTimeoutMs = d.Server.PersistTimeoutMs
	}
	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = d.Database.DSN
	}
	if c.Tools == nil {
		c.Tools = make(map[string]Tool)
	}
	if c.Throttle.Low == 0 {
		c.Throttle.Low = d.Throttle.Low
	}
	if c.Throttle.Medium == 0 {
		c.Throttle.Medium = d.Throttle.Medium
	}
	if c.Throttle.High == 0 {
		c.Throttle.High = d.Throttle.High
	}
	if c.Abuse.Threshold == 0 {
		c.Abuse.Threshold = d.Abuse.Threshold
	}
	if c.Abuse.WindowMinutes == 0 {
		c.Abuse.WindowMinutes = d.Abuse.WindowMinutes
	}
	if c.Abuse.DedupWindowMinutes == 0 {
		c.Abuse.DedupWindowMinutes = c.Abuse.WindowMinutes
	}
	if c.Gateway.EndpointPath == "" {
		c.Gateway.EndpointPath = d.Gateway.EndpointPath
	}
	if c.Gateway.UserHeader == "" {
		c.Gateway.UserHeader = d.Gateway.UserHeader
	}
}

// PersistTimeout is the bound on each persistence step of an attempt.
func (c *Config) PersistTimeout() time.Duration {
	return time.Duration(c.Server.PersistTimeoutMs) * time.Millisecond
}

// AbuseWindow is the detector's trailing window.
func (c *Config) AbuseWindow() time.Duration {
	return time.Duration(c.Abuse.WindowMinutes) * time.Minute
}

// DedupWindow suppresses repeated escalations for a pair.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Abuse.DedupWindowMinutes) * time.Minute
}

// EscalationCooldown is the cooldown imposed with an escalation, or zero.
func (c *Config) EscalationCooldown() time.Duration {
	return time.Duration(c.Abuse.CooldownMinutes) * time.Minute
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Server.LogLevel)
	}
	if c.Server.PersistTimeoutMs < 1 {
		return fmt.Errorf("persist_timeout_ms must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	for name, tool := range c.Tools {
		if tool.Module == "" {
			return fmt.Errorf("tool %q has no module", name)
		}
		if tool.Credits < 0 {
			return fmt.Errorf("tool %q has negative credits", name)
		}
	}
	for level, m := range map[string]float64{"low": c.Throttle.Low, "medium": c.Throttle.Medium, "high": c.Throttle.High} {
		if m < 1 {
			return fmt.Errorf("throttle %s multiplier %.2f is below 1", level, m)
		}
	}
	if c.Abuse.Threshold < 1 || c.Abuse.WindowMinutes < 1 || c.Abuse.DedupWindowMinutes < 1 {
		return fmt.Errorf("abuse threshold and windows must be positive")
	}
	if c.Abuse.CooldownMinutes < 0 {
		return fmt.Errorf("abuse cooldown_minutes cannot be negative")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	if c.PubSub.Project != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub topic is required when project is set")
	}
	if len(c.Gateway.Backends) > 0 && !strings.HasPrefix(c.Gateway.EndpointPath, "/") {
		return fmt.Errorf("gateway endpoint_path %q must start with /", c.Gateway.EndpointPath)
	}
	for name, b := range c.Gateway.Backends {
		switch b.Transport {
		case "stdio":
			if b.Command == "" {
				return fmt.Errorf("gateway backend %q: stdio needs a command", name)
			}
		case "http":
			if b.URL == "" {
				return fmt.Errorf("gateway backend %q: http needs a url", name)
			}
		default:
			return fmt.Errorf("gateway backend %q: unsupported transport %q", name, b.Transport)
		}
	}
	return nil
}

// Package config provides YAML-based configuration loading for the Amallo gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration, loaded from amallo.yaml.
type Config struct {
	Node              string          `yaml:"node"`
	Listen            ListenConfig    `yaml:"listen"`
	KeysFile          string          `yaml:"keys_file"`
	BootstrapIdentity string          `yaml:"bootstrap_identity"`
	Models            ModelsConfig    `yaml:"models"`
	Remote            RemoteConfig    `yaml:"remote"`
	Broadcast         BroadcastConfig `yaml:"broadcast"`
	Audit             AuditConfig     `yaml:"audit"`
}

// ListenConfig holds the HTTP bind address.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ModelsConfig controls model resolution and the local inference backends.
type ModelsConfig struct {
	DaemonURL        string            `yaml:"daemon_url"`
	Dir              string            `yaml:"dir"`
	Default          string            `yaml:"default"`
	Extension        string            `yaml:"extension"`
	Aliases          map[string]string `yaml:"aliases"`
	CLIBinaries      []string          `yaml:"cli_binaries"`
	DaemonTimeoutSec int               `yaml:"daemon_timeout_sec"`
	CLITimeoutSec    int               `yaml:"cli_timeout_sec"`
	ListTimeoutSec   int               `yaml:"list_timeout_sec"`
	Personas         map[string]string `yaml:"personas"`
	Profile          string            `yaml:"profile"`
}

// RemoteConfig controls remote-shell sessions and relayed inference.
type RemoteConfig struct {
	SessionTTLSec     int    `yaml:"session_ttl_sec"`
	SweepIntervalSec  int    `yaml:"sweep_interval_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	ExecTimeoutSec    int    `yaml:"exec_timeout_sec"`
	InferTimeoutSec   int    `yaml:"infer_timeout_sec"`
	DaemonURL         string `yaml:"daemon_url"`
	GatewayURL        string `yaml:"gateway_url"`
	GatewayKey        string `yaml:"gateway_key"`
}

// BroadcastConfig controls the operator announcement slot and its relays.
type BroadcastConfig struct {
	AdminSecret string        `yaml:"admin_secret"`
	DefaultFrom string        `yaml:"default_from"`
	Slack       SlackConfig   `yaml:"slack"`
	Discord     DiscordConfig `yaml:"discord"`
}

// SlackConfig holds settings for relaying announcements to Slack.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds settings for relaying announcements to Discord.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// AuditConfig selects the optional request audit store. An empty Driver
// disables auditing.
type AuditConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, as if parsed from an
// empty file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Node == "" {
		c.Node = "amallo-controller"
	}
	if c.Listen.Host == "" {
		c.Listen.Host = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8200
	}
	if c.KeysFile == "" {
		c.KeysFile = "keys.json"
	}
	if c.BootstrapIdentity == "" {
		c.BootstrapIdentity = "marcus"
	}

	m := &c.Models
	if m.DaemonURL == "" {
		m.DaemonURL = "http://127.0.0.1:11434"
	}
	m.DaemonURL = strings.TrimRight(m.DaemonURL, "/")
	if m.Dir == "" {
		m.Dir = "models"
	}
	if m.Default == "" {
		m.Default = "dolphin-mistral"
	}
	if m.Extension == "" {
		m.Extension = ".gguf"
	}
	if m.CLIBinaries == nil {
		m.CLIBinaries = []string{"/usr/local/bin/llama-cli", "/usr/bin/llama-cli"}
	}
	if m.DaemonTimeoutSec == 0 {
		m.DaemonTimeoutSec = 180
	}
	if m.CLITimeoutSec == 0 {
		m.CLITimeoutSec = 120
	}
	if m.ListTimeoutSec == 0 {
		m.ListTimeoutSec = 5
	}

	r := &c.Remote
	if r.SessionTTLSec == 0 {
		r.SessionTTLSec = 1800
	}
	if r.SweepIntervalSec == 0 {
		r.SweepIntervalSec = 300
	}
	if r.ConnectTimeoutSec == 0 {
		r.ConnectTimeoutSec = 12
	}
	if r.ExecTimeoutSec == 0 {
		r.ExecTimeoutSec = 30
	}
	if r.InferTimeoutSec == 0 {
		r.InferTimeoutSec = 120
	}
	if r.DaemonURL == "" {
		r.DaemonURL = "http://localhost:11434"
	}
	if r.GatewayURL == "" {
		r.GatewayURL = "http://localhost:8200"
	}
	if r.GatewayKey == "" {
		r.GatewayKey = "local"
	}

	if c.Broadcast.DefaultFrom == "" {
		c.Broadcast.DefaultFrom = c.BootstrapIdentity
	}

	a := &c.Audit
	switch a.Driver {
	case "sqlite":
		if a.Path == "" {
			a.Path = "amallo-audit.db"
		}
	case "mysql":
		if a.Host == "" {
			a.Host = "127.0.0.1"
		}
		if a.Port == 0 {
			a.Port = 3306
		}
		if a.User == "" {
			a.User = "root"
		}
		if a.Database == "" {
			a.Database = "amallo"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port %d out of range", c.Listen.Port))
	}
	if !strings.HasPrefix(c.Models.Extension, ".") {
		errs = append(errs, "models.extension must start with '.'")
	}
	if !strings.HasPrefix(c.Models.DaemonURL, "http://") && !strings.HasPrefix(c.Models.DaemonURL, "https://") {
		errs = append(errs, "models.daemon_url must be an http(s) URL")
	}
	for name, sec := range map[string]int{
		"models.daemon_timeout_sec":  c.Models.DaemonTimeoutSec,
		"models.cli_timeout_sec":     c.Models.CLITimeoutSec,
		"models.list_timeout_sec":    c.Models.ListTimeoutSec,
		"remote.session_ttl_sec":     c.Remote.SessionTTLSec,
		"remote.sweep_interval_sec":  c.Remote.SweepIntervalSec,
		"remote.connect_timeout_sec": c.Remote.ConnectTimeoutSec,
		"remote.exec_timeout_sec":    c.Remote.ExecTimeoutSec,
		"remote.infer_timeout_sec":   c.Remote.InferTimeoutSec,
	} {
		if sec < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative", name))
		}
	}
	switch c.Audit.Driver {
	case "", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("audit.driver %q is not one of sqlite, mysql", c.Audit.Driver))
	}
	if (c.Broadcast.Slack.BotToken == "") != (c.Broadcast.Slack.ChannelID == "") {
		errs = append(errs, "broadcast.slack requires both bot_token and channel_id")
	}
	if (c.Broadcast.Discord.BotToken == "") != (c.Broadcast.Discord.ChannelID == "") {
		errs = append(errs, "broadcast.discord requires both bot_token and channel_id")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Addr returns the host:port the gateway listens on.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// DaemonTimeout bounds a single blocking generate call to the local daemon.
func (m ModelsConfig) DaemonTimeout() time.Duration {
	return time.Duration(m.DaemonTimeoutSec) * time.Second
}

// CLITimeout bounds a single local CLI invocation.
func (m ModelsConfig) CLITimeout() time.Duration {
	return time.Duration(m.CLITimeoutSec) * time.Second
}

// ListTimeout bounds the daemon model-listing query.
func (m ModelsConfig) ListTimeout() time.Duration {
	return time.Duration(m.ListTimeoutSec) * time.Second
}

// SessionTTL is the idle time after which a remote session is swept.
func (r RemoteConfig) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLSec) * time.Second
}

// SweepInterval is the period of the expiry sweep.
func (r RemoteConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSec) * time.Second
}

// ConnectTimeout bounds the remote-shell handshake.
func (r RemoteConfig) ConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeoutSec) * time.Second
}

// ExecTimeout bounds a single remote command.
func (r RemoteConfig) ExecTimeout() time.Duration {
	return time.Duration(r.ExecTimeoutSec) * time.Second
}

// InferTimeout bounds each relayed inference attempt.
func (r RemoteConfig) InferTimeout() time.Duration {
	return time.Duration(r.InferTimeoutSec) * time.Second
}

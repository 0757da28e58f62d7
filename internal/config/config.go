package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full chatpool configuration, loaded from YAML.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Containers []ContainerConfig `yaml:"containers"`
	Socks      []SocksConfig     `yaml:"socks"`
	Profiles   []ProfileConfig   `yaml:"profiles"`
	Prompts    []PromptConfig    `yaml:"prompts"`

	// AllowSocksOverride gates the per-request socks_override option.
	AllowSocksOverride *bool `yaml:"allow_socks_override"`

	// StatusCacheTTLSeconds bounds staleness of the advisory busy probe.
	StatusCacheTTLSeconds int `yaml:"status_cache_ttl_seconds"`

	ContainerIOLog IOLogConfig  `yaml:"container_io_log"`
	Notify         NotifyConfig `yaml:"notify"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the ledger backend. sqlite is the default; mysql
// is available for shared deployments.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ContainerConfig describes one single-task worker container.
type ContainerConfig struct {
	ID             string        `yaml:"id"`
	BaseURL        string        `yaml:"base_url"`
	Enabled        *bool         `yaml:"enabled"`
	Weight         int           `yaml:"weight"`
	Timeouts       TimeoutConfig `yaml:"timeouts"`
	AnalyzeRetries int           `yaml:"analyze_retries"`
}

// IsEnabled applies the enabled-by-default rule.
func (c ContainerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type TimeoutConfig struct {
	ConnectSeconds float64 `yaml:"connect_seconds"`
	ReadSeconds    float64 `yaml:"read_seconds"`
}

type SocksConfig struct {
	SocksID string `yaml:"socks_id"`
	URL     string `yaml:"url"`
}

type ProfileConfig struct {
	ProfileID         string   `yaml:"profile_id"`
	ProfileValue      string   `yaml:"profile_value"`
	SocksID           string   `yaml:"socks_id"`
	AllowedContainers []string `yaml:"allowed_containers"`
	MaxUses           *int     `yaml:"max_uses"`
	PendingReplace    bool     `yaml:"pending_replace"`
}

// PromptConfig binds a prompt id to a start-text file on disk.
type PromptConfig struct {
	PromptID           string `yaml:"prompt_id"`
	File               string `yaml:"file"`
	DefaultMaxChatUses int    `yaml:"default_max_chat_uses"`
}

// IOLogConfig controls the per-container JSONL exchange log.
type IOLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	MaxBytes      int64  `yaml:"max_bytes"`
	BackupCount   int    `yaml:"backup_count"`
	IncludeBodies *bool  `yaml:"include_bodies"`
	RedactSecrets *bool  `yaml:"redact_secrets"`
	MaxFieldChars int    `yaml:"max_field_chars"`
}

func (c IOLogConfig) BodiesIncluded() bool { return c.IncludeBodies == nil || *c.IncludeBodies }
func (c IOLogConfig) Redacted() bool       { return c.RedactSecrets == nil || *c.RedactSecrets }

// NotifyConfig holds optional operator alert channels. Empty fields disable
// the corresponding channel.
type NotifyConfig struct {
	SlackToken       string `yaml:"slack_token"`
	SlackChannel     string `yaml:"slack_channel"`
	DiscordToken     string `yaml:"discord_token"`
	DiscordChannelID string `yaml:"discord_channel_id"`
}

// Load reads and validates a config file. Relative prompt file paths, the
// I/O log directory, and the sqlite path resolve against the config file's
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes, defaults, and validates raw YAML config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8088
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/chatpool.sqlite"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "chatpool"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.StatusCacheTTLSeconds == 0 {
		c.StatusCacheTTLSeconds = 5
	}
	for i := range c.Containers {
		ct := &c.Containers[i]
		if ct.Weight == 0 {
			ct.Weight = 1
		}
		if ct.Timeouts.ConnectSeconds == 0 {
			ct.Timeouts.ConnectSeconds = 10
		}
		if ct.Timeouts.ReadSeconds == 0 {
			ct.Timeouts.ReadSeconds = 120
		}
		if ct.AnalyzeRetries == 0 {
			ct.AnalyzeRetries = 1
		}
		ct.BaseURL = strings.TrimRight(ct.BaseURL, "/")
	}
	for i := range c.Prompts {
		if c.Prompts[i].DefaultMaxChatUses == 0 {
			c.Prompts[i].DefaultMaxChatUses = 50
		}
	}
	if c.ContainerIOLog.Dir == "" {
		c.ContainerIOLog.Dir = "logs/container-io"
	}
	if c.ContainerIOLog.MaxBytes == 0 {
		c.ContainerIOLog.MaxBytes = 10 * 1024 * 1024
	}
	if c.ContainerIOLog.BackupCount == 0 {
		c.ContainerIOLog.BackupCount = 5
	}
	if c.ContainerIOLog.MaxFieldChars == 0 {
		c.ContainerIOLog.MaxFieldChars = 8000
	}
}

func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be sqlite or mysql, got %q", c.Database.Driver))
	}

	if len(c.Containers) == 0 {
		errs = append(errs, "at least one container is required")
	}
	seenContainers := map[string]bool{}
	for i, ct := range c.Containers {
		if ct.ID == "" {
			errs = append(errs, fmt.Sprintf("containers[%d]: id is required", i))
		} else if seenContainers[ct.ID] {
			errs = append(errs, fmt.Sprintf("containers[%d]: duplicate id %q", i, ct.ID))
		}
		seenContainers[ct.ID] = true
		if ct.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("containers[%d]: base_url is required", i))
		}
	}

	seenSocks := map[string]bool{}
	for i, s := range c.Socks {
		if s.SocksID == "" || s.URL == "" {
			errs = append(errs, fmt.Sprintf("socks[%d]: socks_id and url are required", i))
		}
		seenSocks[s.SocksID] = true
	}

	for i, p := range c.Profiles {
		if p.ProfileID == "" {
			errs = append(errs, fmt.Sprintf("profiles[%d]: profile_id is required", i))
		}
		if p.ProfileValue == "" {
			errs = append(errs, fmt.Sprintf("profiles[%d]: profile_value is required", i))
		}
		if p.SocksID != "" && !seenSocks[p.SocksID] {
			errs = append(errs, fmt.Sprintf("profiles[%d]: unknown socks_id %q", i, p.SocksID))
		}
		for _, cid := range p.AllowedContainers {
			if !seenContainers[cid] {
				errs = append(errs, fmt.Sprintf("profiles[%d]: unknown container %q in allowed_containers", i, cid))
			}
		}
	}

	seenPrompts := map[string]bool{}
	for i, p := range c.Prompts {
		if p.PromptID == "" {
			errs = append(errs, fmt.Sprintf("prompts[%d]: prompt_id is required", i))
		} else if seenPrompts[p.PromptID] {
			errs = append(errs, fmt.Sprintf("prompts[%d]: duplicate prompt_id %q", i, p.PromptID))
		}
		seenPrompts[p.PromptID] = true
		if p.File == "" {
			errs = append(errs, fmt.Sprintf("prompts[%d]: file is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	for i := range c.Prompts {
		if f := c.Prompts[i].File; f != "" && !filepath.IsAbs(f) {
			c.Prompts[i].File = filepath.Join(baseDir, f)
		}
	}
	if d := c.ContainerIOLog.Dir; d != "" && !filepath.IsAbs(d) {
		c.ContainerIOLog.Dir = filepath.Join(baseDir, d)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path != "" && !filepath.IsAbs(c.Database.Path) {
		c.Database.Path = filepath.Join(baseDir, c.Database.Path)
	}
}

// SocksOverrideAllowed applies the allowed-by-default rule.
func (c *Config) SocksOverrideAllowed() bool {
	return c.AllowSocksOverride == nil || *c.AllowSocksOverride
}

// Container returns the container config for id, or nil.
func (c *Config) Container(id string) *ContainerConfig {
	for i := range c.Containers {
		if c.Containers[i].ID == id {
			return &c.Containers[i]
		}
	}
	return nil
}

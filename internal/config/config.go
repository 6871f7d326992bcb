// Package config provides YAML-based configuration loading for Lineup.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Lineup configuration, loaded from config.yaml.
type Config struct {
	DB       DBConfig       `yaml:"db"`
	HTTP     HTTPConfig     `yaml:"http"`
	Routing  RoutingConfig  `yaml:"routing"`
	Send     SendConfig     `yaml:"send"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// DBConfig holds connection settings for the MySQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// HTTPConfig holds settings for the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// RoutingConfig tunes inbound routing and queue draining.
type RoutingConfig struct {
	// DefaultSegment is the fallback pool scanned when a segment has no
	// available line of its own.
	DefaultSegment int `yaml:"default_segment"`
	// BusyThreshold is the open-conversation count at which an operator is
	// deprioritized for new inbound contacts.
	BusyThreshold int `yaml:"busy_threshold"`
	// DrainBatch caps how many queued messages are replayed when an
	// operator connects.
	DrainBatch int `yaml:"drain_batch"`
}

// SendConfig tunes the outbound pipeline.
type SendConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// WhatsAppConfig holds provider session storage settings.
type WhatsAppConfig struct {
	StorePath string `yaml:"store_path"`
}

// AlertsConfig configures ops alert delivery.
type AlertsConfig struct {
	Slack      SlackConfig   `yaml:"slack"`
	Discord    DiscordConfig `yaml:"discord"`
	DigestCron string        `yaml:"digest_cron"`
}

// SlackConfig holds Slack alert settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord alert settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
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

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "lineup"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Routing.BusyThreshold == 0 {
		c.Routing.BusyThreshold = 5
	}
	if c.Routing.DrainBatch == 0 {
		c.Routing.DrainBatch = 20
	}
	if c.Send.MaxAttempts == 0 {
		c.Send.MaxAttempts = 3
	}
	if c.WhatsApp.StorePath == "" {
		c.WhatsApp.StorePath = "whatsapp.db"
	}
	if c.Alerts.DigestCron == "" {
		c.Alerts.DigestCron = "0 18 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Routing.DefaultSegment < 0 {
		errs = append(errs, "routing.default_segment must not be negative")
	}
	if c.Send.MaxAttempts < 1 {
		errs = append(errs, "send.max_attempts must be at least 1")
	}
	if c.Alerts.Slack.BotToken != "" && c.Alerts.Slack.ChannelID == "" {
		errs = append(errs, "alerts.slack.channel_id is required when a bot token is set")
	}
	if c.Alerts.Discord.BotToken != "" && c.Alerts.Discord.ChannelID == "" {
		errs = append(errs, "alerts.discord.channel_id is required when a bot token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

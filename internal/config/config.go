package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/elonfeng/flowtrends/pkg/rank"
	"github.com/elonfeng/flowtrends/pkg/score"
	"github.com/elonfeng/flowtrends/pkg/source"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sources  SourcesConfig  `yaml:"sources"`
	Scoring  score.Weights  `yaml:"scoring"`
	Server   ServerConfig   `yaml:"server"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Filter   FilterConfig   `yaml:"filter"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the snapshot store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// ScheduleConfig configures periodic refreshes.
type ScheduleConfig struct {
	Refresh    string `yaml:"refresh"` // cron spec, e.g. "@every 6h" or "0 */6 * * *"
	RunOnStart bool   `yaml:"run_on_start"`
	Timeout    string `yaml:"timeout"` // per-source collect+refresh budget
}

// ParseTimeout returns the per-source timeout as time.Duration.
func (s ScheduleConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// SourcesConfig holds configuration for every collector.
type SourcesConfig struct {
	Trend TrendSourceConfig `yaml:"trend"`
	Forum ForumSourceConfig `yaml:"forum"`
	Video VideoSourceConfig `yaml:"video"`
}

// TrendSourceConfig reads search-trend results exported to a JSON file.
type TrendSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// ForumSourceConfig for the Discourse forum collector.
type ForumSourceConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BaseURL      string   `yaml:"base_url"`
	CategorySlug string   `yaml:"category_slug"`
	CategoryID   int      `yaml:"category_id"`
	SearchPrefix string   `yaml:"search_prefix"`
	SearchTerms  []string `yaml:"search_terms"`
	MaxPerSearch int      `yaml:"max_per_search"`
	Throttle     string   `yaml:"throttle"`
}

// ParseThrottle returns the pause between forum requests. Zero disables
// pacing.
func (f ForumSourceConfig) ParseThrottle() time.Duration {
	d, err := time.ParseDuration(f.Throttle)
	if err != nil {
		return 0
	}
	return d
}

// Discourse converts the block into collector settings.
func (f ForumSourceConfig) Discourse() source.DiscourseConfig {
	return source.DiscourseConfig{
		BaseURL:      f.BaseURL,
		CategorySlug: f.CategorySlug,
		CategoryID:   f.CategoryID,
		SearchPrefix: f.SearchPrefix,
		SearchTerms:  f.SearchTerms,
		MaxPerSearch: f.MaxPerSearch,
		Throttle:     f.ParseThrottle(),
	}
}

// VideoSourceConfig for the YouTube collector.
type VideoSourceConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKey     string   `yaml:"api_key"`
	Queries    []string `yaml:"queries"`
	MaxResults int64    `yaml:"max_results"`
	Order      string   `yaml:"order"`
}

// YouTube converts the block into collector settings.
func (v VideoSourceConfig) YouTube() source.YouTubeConfig {
	return source.YouTubeConfig{
		APIKey:     v.APIKey,
		Queries:    v.Queries,
		MaxResults: v.MaxResults,
		Order:      v.Order,
	}
}

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Port   int          `yaml:"port"`
	Limits LimitsConfig `yaml:"limits"`
}

// LimitsConfig holds the default result count per endpoint. A negative
// value returns every item.
type LimitsConfig struct {
	Trend int `yaml:"trend"`
	Forum int `yaml:"forum"`
	Video int `yaml:"video"`
}

// Rank converts the block into ranking limits.
func (l LimitsConfig) Rank() rank.Limits {
	return rank.Limits{
		Default: rank.Unlimited,
		PerSource: map[source.SourceType]int{
			source.SourceTrend: l.Trend,
			source.SourceForum: l.Forum,
			source.SourceVideo: l.Video,
		},
	}
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	NotifySuccess bool          `yaml:"notify_success"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// FilterConfig configures label filtering for the collectors.
type FilterConfig struct {
	ExcludeTerms []string `yaml:"exclude_terms"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel parses Level, falling back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./flowtrends.db"},
		Schedule: ScheduleConfig{
			Refresh:    "@every 6h",
			RunOnStart: true,
			Timeout:    "10m",
		},
		Sources: SourcesConfig{
			Trend: TrendSourceConfig{Enabled: false, File: "./data/trends.json"},
			Forum: ForumSourceConfig{
				Enabled:      true,
				BaseURL:      "https://community.n8n.io",
				CategorySlug: "built-with-n8n",
				CategoryID:   15,
				SearchPrefix: "n8n",
				SearchTerms: []string{
					"slack", "gmail", "google sheets", "notion", "airtable",
					"telegram", "openai", "hubspot", "discord", "whatsapp",
				},
				MaxPerSearch: 10,
				Throttle:     "1s",
			},
			Video: VideoSourceConfig{
				Enabled:    false,
				Queries:    []string{"n8n workflow", "n8n automation", "n8n tutorial"},
				MaxResults: 25,
				Order:      "viewCount",
			},
		},
		Scoring: score.DefaultWeights(),
		Server: ServerConfig{
			Port:   8080,
			Limits: LimitsConfig{Trend: 20, Forum: 20, Video: rank.Unlimited},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file, then applies .env and
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWTRENDS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FLOWTRENDS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FLOWTRENDS_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("YOUTUBE_API_KEY"); v != "" {
		cfg.Sources.Video.APIKey = v
		cfg.Sources.Video.Enabled = true
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("FLOWTRENDS_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("FLOWTRENDS_WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the configuration can be used to start the service.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if _, err := cron.ParseStandard(c.Schedule.Refresh); err != nil {
		return fmt.Errorf("invalid schedule.refresh %q: %w", c.Schedule.Refresh, err)
	}
	if c.Schedule.Timeout != "" {
		if _, err := time.ParseDuration(c.Schedule.Timeout); err != nil {
			return fmt.Errorf("invalid schedule.timeout: %w", err)
		}
	}
	if t := c.Sources.Forum.Throttle; t != "" {
		if _, err := time.ParseDuration(t); err != nil {
			return fmt.Errorf("invalid sources.forum.throttle: %w", err)
		}
	}
	if c.Sources.Trend.Enabled && c.Sources.Trend.File == "" {
		return fmt.Errorf("sources.trend.file is required when the trend source is enabled")
	}
	if c.Sources.Video.Enabled && c.Sources.Video.APIKey == "" {
		return fmt.Errorf("sources.video.api_key (or YOUTUBE_API_KEY) is required when the video source is enabled")
	}

	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("invalid scoring: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the top-level autocode configuration.
type Config struct {
	Data   DataConfig   `json:"data"`
	Queue  QueueConfig  `json:"queue"`
	Agents AgentsConfig `json:"agents"`
	GitHub GitHubConfig `json:"github"`
	Sync   SyncConfig   `json:"sync"`
	Slack  *SlackConfig `json:"slack,omitempty"`
	API    APIConfig    `json:"api"`
}

// DataConfig holds on-disk storage settings.
type DataConfig struct {
	Dir string `json:"dir"`
}

// StorePath is the ticket database file under the data directory.
func (d DataConfig) StorePath() string {
	return filepath.Join(d.Dir, "autocode.db")
}

// QueuePath is the task queue database file under the data directory.
func (d DataConfig) QueuePath() string {
	return filepath.Join(d.Dir, "queue.db")
}

// QueueConfig holds task queue settings.
type QueueConfig struct {
	Name        string `json:"name"`
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 5
}

// AgentsConfig holds execution agent settings.
type AgentsConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	ClaudeModel     string `json:"claude_model,omitempty"`
	OpenCodeURL     string `json:"opencode_url,omitempty"`
}

// GitHubConfig holds GitHub API settings.
type GitHubConfig struct {
	Token string `json:"token,omitempty"`
}

// SyncConfig holds issue sync settings.
type SyncConfig struct {
	Schedule string `json:"schedule,omitempty"` // cron expression, default "@every 5m"
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Key         string `json:"api_key"`
	FrontendURL string `json:"frontend_url,omitempty"`
}

// Load reads configuration from a JSON file.
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with AUTOCODE_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Data: DataConfig{
			Dir: getenv("AUTOCODE_DATA_DIR", "/data"),
		},
		Queue: QueueConfig{
			Name:        getenv("AUTOCODE_QUEUE_NAME", "tickets"),
			MaxAttempts: getenvInt("AUTOCODE_QUEUE_MAX_ATTEMPTS", 5),
		},
		Agents: AgentsConfig{
			AnthropicAPIKey: os.Getenv("AUTOCODE_ANTHROPIC_API_KEY"),
			ClaudeModel:     os.Getenv("AUTOCODE_CLAUDE_MODEL"),
			OpenCodeURL:     os.Getenv("AUTOCODE_OPENCODE_URL"),
		},
		GitHub: GitHubConfig{
			Token: os.Getenv("AUTOCODE_GITHUB_TOKEN"),
		},
		Sync: SyncConfig{
			Schedule: getenv("AUTOCODE_SYNC_SCHEDULE", "@every 5m"),
		},
		API: APIConfig{
			Host:        getenv("AUTOCODE_API_HOST", "0.0.0.0"),
			Port:        getenvInt("AUTOCODE_API_PORT", 8080),
			Key:         os.Getenv("AUTOCODE_API_KEY"),
			FrontendURL: os.Getenv("AUTOCODE_FRONTEND_URL"),
		},
	}

	if token := os.Getenv("AUTOCODE_SLACK_TOKEN"); token != "" {
		cfg.Slack = &SlackConfig{
			Token:   token,
			Channel: os.Getenv("AUTOCODE_SLACK_CHANNEL"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.Name == "" {
		c.Queue.Name = "tickets"
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@every 5m"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}
	if c.Queue.Name == "" {
		errs = append(errs, "queue.name is required")
	}
	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, "queue.max_attempts must not be negative")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Slack != nil {
		if c.Slack.Token == "" {
			errs = append(errs, "slack.token is required")
		}
		if c.Slack.Channel == "" {
			errs = append(errs, "slack.channel is required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Addr is the host:port the API server binds to.
func (c *Config) Addr() string {
	return c.API.Host + ":" + strconv.Itoa(c.API.Port)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

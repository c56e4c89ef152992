package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/streamsync/internal/otel"
)

// RetentionConfig controls the periodic sweep of settled lifecycle records
// and stale journal rows.
type RetentionConfig struct {
	// Sweep is a 5-field cron expression (minute, hour, dom, month, dow).
	Sweep string `yaml:"sweep"`
	// MaxAgeSeconds is how long settled records are kept. Default 300.
	MaxAgeSeconds int `yaml:"max_age_seconds"`
	// JournalMaxAgeHours bounds the sqlite journal. 0 keeps rows forever.
	JournalMaxAgeHours int `yaml:"journal_max_age_hours"`
}

// TaskAPIConfig holds the REST backend for tasks and plans.
type TaskAPIConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// GatewayURL is the WebSocket endpoint of the agent-execution backend.
	GatewayURL string `yaml:"gateway_url"`
	AccountID  string `yaml:"account_id"`

	// SecureMode selects the handshake variant: "url" (token rides the dial
	// URL, secured immediately) or "ack" (secured on the server ack frame).
	SecureMode string `yaml:"secure_mode"`

	ReconnectCooldownSeconds int `yaml:"reconnect_cooldown_seconds"`
	SubscribeThrottleMillis  int `yaml:"subscribe_throttle_millis"`
	BatchFrameMillis         int `yaml:"batch_frame_millis"`

	// Channels are subscribed on every (re)connect once the socket is secured.
	Channels []string `yaml:"channels"`

	// JournalPath is the sqlite event journal location. "off" disables it;
	// empty defaults to <home>/journal.db.
	JournalPath string `yaml:"journal_path"`

	LogLevel string `yaml:"log_level"`

	Retention RetentionConfig `yaml:"retention"`
	TaskAPI   TaskAPIConfig   `yaml:"task_api"`
	OTel      otel.Config     `yaml:"otel"`
}

// ReconnectCooldown returns the fixed reconnect cooldown as a duration.
func (c Config) ReconnectCooldown() time.Duration {
	return time.Duration(c.ReconnectCooldownSeconds) * time.Second
}

// SubscribeThrottle returns the duplicate-subscription window as a duration.
func (c Config) SubscribeThrottle() time.Duration {
	return time.Duration(c.SubscribeThrottleMillis) * time.Millisecond
}

// BatchFrame returns the micro-batch flush interval as a duration.
func (c Config) BatchFrame() time.Duration {
	return time.Duration(c.BatchFrameMillis) * time.Millisecond
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "gateway=%s|account=%s|secure=%s|cooldown=%d|throttle=%d|frame=%d|log=%s|channels=%v",
		c.GatewayURL, c.AccountID, c.SecureMode, c.ReconnectCooldownSeconds,
		c.SubscribeThrottleMillis, c.BatchFrameMillis, c.LogLevel, c.Channels)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		SecureMode:               "url",
		ReconnectCooldownSeconds: 5,
		SubscribeThrottleMillis:  100,
		BatchFrameMillis:         16,
		LogLevel:                 "info",
		Retention: RetentionConfig{
			Sweep:              "*/5 * * * *",
			MaxAgeSeconds:      300,
			JournalMaxAgeHours: 24,
		},
		TaskAPI: TaskAPIConfig{
			TimeoutSeconds: 15,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STREAMSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".streamsync")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create streamsync home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.SecureMode == "" {
		cfg.SecureMode = "url"
	}
	if cfg.ReconnectCooldownSeconds <= 0 {
		cfg.ReconnectCooldownSeconds = 5
	}
	if cfg.SubscribeThrottleMillis <= 0 {
		cfg.SubscribeThrottleMillis = 100
	}
	if cfg.BatchFrameMillis <= 0 {
		cfg.BatchFrameMillis = 16
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Retention.Sweep) == "" {
		cfg.Retention.Sweep = "*/5 * * * *"
	}
	if cfg.Retention.MaxAgeSeconds <= 0 {
		cfg.Retention.MaxAgeSeconds = 300
	}
	if cfg.TaskAPI.TimeoutSeconds <= 0 {
		cfg.TaskAPI.TimeoutSeconds = 15
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.HomeDir, "journal.db")
	}
}

func validate(cfg Config) error {
	switch cfg.SecureMode {
	case "url", "ack":
	default:
		return fmt.Errorf("secure_mode %q not supported (use \"url\" or \"ack\")", cfg.SecureMode)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STREAMSYNC_GATEWAY_URL"); raw != "" {
		cfg.GatewayURL = raw
	}
	if raw := os.Getenv("STREAMSYNC_ACCOUNT_ID"); raw != "" {
		cfg.AccountID = raw
	}
	if raw := os.Getenv("STREAMSYNC_SECURE_MODE"); raw != "" {
		cfg.SecureMode = raw
	}
	if raw := os.Getenv("STREAMSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STREAMSYNC_RECONNECT_COOLDOWN_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ReconnectCooldownSeconds = v
		}
	}
	if raw := os.Getenv("STREAMSYNC_JOURNAL_PATH"); raw != "" {
		cfg.JournalPath = raw
	}
	if raw := os.Getenv("STREAMSYNC_TASK_API_URL"); raw != "" {
		cfg.TaskAPI.BaseURL = raw
	}
	if raw := os.Getenv("STREAMSYNC_CHANNELS"); raw != "" {
		parts := strings.Split(raw, ",")
		channels := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				channels = append(channels, p)
			}
		}
		cfg.Channels = channels
	}
}

// Package config loads transitbot configuration from an optional YAML file
// with environment variable overrides. Environment always wins, which keeps
// container deployments free of config files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all transitbot configuration.
type Config struct {
	Environment string `yaml:"environment"`

	Telegram TelegramConfig `yaml:"telegram"`
	LLM      LLMConfig      `yaml:"llm"`
	Capture  CaptureConfig  `yaml:"capture"`
	Routing  RoutingConfig  `yaml:"routing"`
	Storage  StorageConfig  `yaml:"storage"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TelegramConfig configures the messaging boundary.
type TelegramConfig struct {
	Token       string `yaml:"token"`
	WebhookPath string `yaml:"webhook_path"`
	ListenAddr  string `yaml:"listen_addr"`
}

// LLMConfig configures the reasoning backend.
type LLMConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url"`
	Timeout         string `yaml:"timeout"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// CaptureConfig configures the Simit evidence capture engine.
type CaptureConfig struct {
	TargetURL           string `yaml:"target_url"`
	ArtifactsDir        string `yaml:"artifacts_dir"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	SettleWaitMs        int    `yaml:"settle_wait_ms"`
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
}

// RoutingConfig configures the TomTom mobility services.
type RoutingConfig struct {
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// StorageConfig configures the SQLite usage log.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// AgentConfig configures the invocation orchestrator.
type AgentConfig struct {
	MaxWorkers    int `yaml:"max_workers"`
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Environment: "development",
		Telegram: TelegramConfig{
			WebhookPath: "/telegram/webhook",
			ListenAddr:  ":8080",
		},
		LLM: LLMConfig{
			Model:   "gemini-2.5-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Timeout: "120s",
		},
		Capture: CaptureConfig{
			TargetURL:           "https://www.fcm.org.co/simit/#/estado-cuenta?numDocPlacaProp={plate}",
			ArtifactsDir:        "var/screenshots",
			NavigationTimeoutMs: 20000,
			SettleWaitMs:        7000,
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      720,
		},
		Routing: RoutingConfig{
			Timeout: "15s",
		},
		Storage: StorageConfig{
			DatabasePath: "var/transitbot.db",
		},
		Agent: AgentConfig{
			MaxWorkers:    8,
			MaxToolRounds: 6,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (if it exists) on top of defaults and
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Environment, "APP_ENV")
	setString(&c.Logging.Level, "APP_LOG_LEVEL")

	setString(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&c.Telegram.WebhookPath, "TELEGRAM_WEBHOOK_PATH")
	if port := os.Getenv("PORT"); port != "" {
		c.Telegram.ListenAddr = ":" + port
	}

	setString(&c.LLM.APIKey, "GOOGLE_API_KEY")
	setString(&c.LLM.Model, "GOOGLE_AGENT_MODEL")
	setString(&c.LLM.BaseURL, "GOOGLE_API_BASE_URL")

	setString(&c.Routing.APIKey, "TOMTOM_API_KEY")

	setString(&c.Storage.DatabasePath, "DATABASE_PATH")
	setString(&c.Capture.ArtifactsDir, "SCREENSHOT_DIR")
	setInt(&c.Capture.SettleWaitMs, "CAPTURE_SETTLE_WAIT_MS")
	setInt(&c.Agent.MaxWorkers, "AGENT_MAX_WORKERS")
}

// Validate checks the settings required to serve traffic.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (TELEGRAM_BOT_TOKEN)")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm api key is required (GOOGLE_API_KEY)")
	}
	if c.Agent.MaxWorkers <= 0 {
		return fmt.Errorf("agent.max_workers must be positive, got %d", c.Agent.MaxWorkers)
	}
	return nil
}

// LLMTimeout parses the LLM timeout, falling back to 120s.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// RoutingTimeout parses the routing timeout, falling back to 15s.
func (c *Config) RoutingTimeout() time.Duration {
	return parseDuration(c.Routing.Timeout, 15*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

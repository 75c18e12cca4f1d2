package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all flowchat server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath        string    `json:"db_path" validate:"required"`
	ListenAddr    string    `json:"listen_addr" validate:"required"`
	PoolSize      int       `json:"pool_size" validate:"min=1"`
	MaxSteps      int       `json:"max_steps" validate:"min=1"`
	InputTimeout  Duration  `json:"input_timeout" validate:"gt=0"`
	SweepInterval string    `json:"sweep_interval" validate:"required"`
	LogLevel      string    `json:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat     string    `json:"log_format" validate:"oneof=text json"`
	LLM           LLMConfig `json:"llm"`
}

// LLMConfig configures the chat-completion backend. The API key is never
// read from or written to settings.json.
type LLMConfig struct {
	BaseURL string   `json:"base_url"`
	Model   string   `json:"model"`
	APIKey  string   `json:"-"`
	Timeout Duration `json:"timeout"`
}

// Duration is a time.Duration that reads and writes as "30m" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30m\" or seconds: %s", b)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func defaultConfig(dir string) Config {
	return Config{
		DBPath:        filepath.Join(dir, "flowchat.db"),
		ListenAddr:    ":4200",
		PoolSize:      10,
		MaxSteps:      1000,
		InputTimeout:  Duration(30 * time.Minute),
		SweepInterval: "@every 30s",
		LogLevel:      "info",
		LogFormat:     "text",
		LLM:           LLMConfig{Timeout: Duration(60 * time.Second)},
	}
}

// flowchatDir is the data directory holding settings.json and the database.
func flowchatDir() string {
	if v := os.Getenv("FLOWCHAT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowchat"
	}
	return filepath.Join(home, ".flowchat")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

// loadConfig layers defaults, the settings file at path (ignored if
// missing) and environment variables read through getenv.
func loadConfig(dir, path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig(dir)

	// Layer 2: settings.json.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	if v := getenv("FLOWCHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("FLOWCHAT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("FLOWCHAT_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWCHAT_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := getenv("FLOWCHAT_MAX_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWCHAT_MAX_STEPS: %w", err)
		}
		cfg.MaxSteps = n
	}
	if v := getenv("FLOWCHAT_INPUT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWCHAT_INPUT_TIMEOUT: %w", err)
		}
		cfg.InputTimeout = Duration(d)
	}
	if v := getenv("FLOWCHAT_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := getenv("FLOWCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv("FLOWCHAT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := getenv("FLOWCHAT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := getenv("FLOWCHAT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := getenv("FLOWCHAT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv("FLOWCHAT_LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWCHAT_LLM_TIMEOUT: %w", err)
		}
		cfg.LLM.Timeout = Duration(d)
	}

	return cfg, nil
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// writeSettings persists cfg to path, creating the directory if needed.
func writeSettings(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

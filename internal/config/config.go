package config

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Modes for the memory server connection.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config represents the main Mimir configuration
type Config struct {
	// Memory server connection and supervision
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Capture decisions
	Capture CaptureConfig `json:"capture" mapstructure:"capture"`

	// Recall and injection
	Recall RecallConfig `json:"recall" mapstructure:"recall"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Admin gateway (loopback status/metrics/events)
	Admin AdminConfig `json:"admin" mapstructure:"admin"`

	// Operations journal
	Journal JournalConfig `json:"journal" mapstructure:"journal"`

	// Demo chat host
	Chat ChatConfig `json:"chat" mapstructure:"chat"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// MemoryConfig holds memory-server settings
type MemoryConfig struct {
	Mode            string `json:"mode" mapstructure:"mode"` // local, remote
	BaseURL         string `json:"base_url" mapstructure:"base_url"`
	Port            int    `json:"port" mapstructure:"port"`
	APIKey          string `json:"api_key" mapstructure:"api_key"`
	TargetURI       string `json:"target_uri" mapstructure:"target_uri"`
	RequestTimeout  int    `json:"request_timeout" mapstructure:"request_timeout"` // seconds
	StartupTimeout  int    `json:"startup_timeout" mapstructure:"startup_timeout"` // seconds
	PythonPath      string `json:"python_path" mapstructure:"python_path"`
	PythonHintFile  string `json:"python_hint_file" mapstructure:"python_hint_file"`
	BootstrapModule string `json:"bootstrap_module" mapstructure:"bootstrap_module"`
	BackendConfig   string `json:"backend_config" mapstructure:"backend_config"`
}

// CaptureConfig holds capture classifier settings
type CaptureConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Mode               string `json:"mode" mapstructure:"mode"` // semantic, keyword
	MaxChars           int    `json:"max_chars" mapstructure:"max_chars"`
	MinSpeakerTurns    int    `json:"min_speaker_turns" mapstructure:"min_speaker_turns"`
	MinTranscriptChars int    `json:"min_transcript_chars" mapstructure:"min_transcript_chars"`
}

// RecallConfig holds recall and injection settings
type RecallConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	Limit          int     `json:"limit" mapstructure:"limit"`
	ScoreThreshold float64 `json:"score_threshold" mapstructure:"score_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AdminConfig holds the loopback admin gateway configuration
type AdminConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// JournalConfig holds the operations journal configuration
type JournalConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	Path                string `json:"path" mapstructure:"path"`
	RetentionDays       int    `json:"retention_days" mapstructure:"retention_days"`
	MaintenanceSchedule string `json:"maintenance_schedule" mapstructure:"maintenance_schedule"`
}

// ChatConfig holds the demo chat host configuration
type ChatConfig struct {
	Provider     string `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model        string `json:"model" mapstructure:"model"`
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	MaxTokens    int    `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			Mode:            ModeLocal,
			Port:            8303,
			TargetURI:       "viking://user/memories",
			RequestTimeout:  30,
			StartupTimeout:  120,
			BootstrapModule: "openviking.server",
		},
		Capture: CaptureConfig{
			Enabled:            true,
			Mode:               "semantic",
			MaxChars:           4000,
			MinSpeakerTurns:    3,
			MinTranscriptChars: 120,
		},
		Recall: RecallConfig{
			Enabled:        true,
			Limit:          5,
			ScoreThreshold: 0.3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8304,
		},
		Journal: JournalConfig{
			Enabled:             true,
			RetentionDays:       30,
			MaintenanceSchedule: "0 3 * * *",
		},
		Chat: ChatConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4",
			MaxTokens: 1024,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Clamp forces numeric settings into their documented bounds. Out-of-range
// values are corrected, not rejected, so a bad knob cannot keep the process
// from starting.
func (c *Config) Clamp() {
	if c.Memory.Port < 1 {
		c.Memory.Port = 1
	}
	if c.Memory.Port > 65535 {
		c.Memory.Port = 65535
	}
	if c.Admin.Port < 1 {
		c.Admin.Port = 1
	}
	if c.Admin.Port > 65535 {
		c.Admin.Port = 65535
	}
	if c.Recall.ScoreThreshold < 0 {
		c.Recall.ScoreThreshold = 0
	}
	if c.Recall.ScoreThreshold > 1 {
		c.Recall.ScoreThreshold = 1
	}
	if c.Recall.Limit <= 0 {
		c.Recall.Limit = 5
	}
	if c.Capture.MaxChars <= 0 {
		c.Capture.MaxChars = 4000
	}
	if c.Capture.MinSpeakerTurns <= 0 {
		c.Capture.MinSpeakerTurns = 3
	}
	if c.Capture.MinTranscriptChars <= 0 {
		c.Capture.MinTranscriptChars = 120
	}
	if c.Memory.RequestTimeout <= 0 {
		c.Memory.RequestTimeout = 30
	}
	if c.Memory.StartupTimeout <= 0 {
		c.Memory.StartupTimeout = 120
	}
	if c.Journal.RetentionDays <= 0 {
		c.Journal.RetentionDays = 30
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Memory.Mode {
	case ModeLocal:
		// Port bounds are handled by Clamp.
	case ModeRemote:
		if c.Memory.BaseURL == "" {
			return fmt.Errorf("memory.base_url is required in remote mode")
		}
		u, err := url.Parse(c.Memory.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("memory.base_url %q is not a valid URL", c.Memory.BaseURL)
		}
	default:
		return fmt.Errorf("invalid memory.mode %q (must be: local, remote)", c.Memory.Mode)
	}

	if c.Capture.Mode != "semantic" && c.Capture.Mode != "keyword" {
		return fmt.Errorf("invalid capture.mode %q (must be: semantic, keyword)", c.Capture.Mode)
	}

	if c.Memory.TargetURI == "" {
		return fmt.Errorf("memory.target_uri is required")
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}

	if c.Chat.Provider != "" && c.Chat.Provider != "anthropic" && c.Chat.Provider != "openai" {
		return fmt.Errorf("invalid chat.provider %q (must be: anthropic, openai)", c.Chat.Provider)
	}

	return nil
}

// ServerBaseURL returns the effective memory-server base URL for the
// configured mode.
func (c *Config) ServerBaseURL() string {
	if c.Memory.Mode == ModeRemote {
		return c.Memory.BaseURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Memory.Port)
}

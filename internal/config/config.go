// Package config loads and validates the engine's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/orion/internal/domain"
)

// LLMConfig defines how to reach the language model endpoint.
type LLMConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TimeoutSec  int     `json:"timeout_sec"`
}

// TrackerConfig defines the optional issue-tracker connection. When the
// server URL is empty the existing-project workflow is unavailable.
type TrackerConfig struct {
	ServerURL       string   `json:"server_url"`
	Email           string   `json:"email"`
	APIToken        string   `json:"api_token"`
	AllowedProjects []string `json:"allowed_projects"`
	MaxIssues       int      `json:"max_issues"`
}

// Configured reports whether tracker credentials are present.
func (t TrackerConfig) Configured() bool {
	return t.ServerURL != "" && t.Email != "" && t.APIToken != ""
}

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath       string        `json:"db_path"`
	LogPath      string        `json:"log_path"`
	ExportDir    string        `json:"export_dir"`
	ListenAddr   string        `json:"listen_addr"`
	MaxQuestions int           `json:"max_questions"`
	LLM          LLMConfig     `json:"llm"`
	Tracker      TrackerConfig `json:"tracker"`
}

// Load reads a JSON config file, applies env fallbacks and defaults,
// and validates. A validation failure here is fatal by design: the engine
// must refuse to start without its required backing services.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv fills credentials from the environment when the file omits them.
func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Tracker.ServerURL == "" {
		c.Tracker.ServerURL = os.Getenv("JIRA_SERVER")
	}
	if c.Tracker.Email == "" {
		c.Tracker.Email = os.Getenv("JIRA_EMAIL")
	}
	if c.Tracker.APIToken == "" {
		c.Tracker.APIToken = os.Getenv("JIRA_API_TOKEN")
	}

	// Keys pasted into .env files often keep their surrounding quotes.
	c.LLM.APIKey = stripQuotes(c.LLM.APIKey)
	c.Tracker.APIToken = stripQuotes(c.Tracker.APIToken)
	c.Tracker.ServerURL = strings.TrimRight(c.Tracker.ServerURL, "/")
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9700"
	}
	if c.ExportDir == "" {
		c.ExportDir = "."
	}
	if c.LogPath == "" {
		c.LogPath = "orion.log"
	}
	if c.MaxQuestions == 0 {
		c.MaxQuestions = 8
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.3
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4000
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 120
	}
	if c.Tracker.MaxIssues == 0 {
		c.Tracker.MaxIssues = 100
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.LLM.APIKey == "" {
		problems = append(problems, "llm.api_key is required (or set OPENAI_API_KEY)")
	}
	if c.MaxQuestions < 1 {
		problems = append(problems, "max_questions must be positive")
	}
	// Tracker credentials are all-or-nothing: a partial set is a config
	// mistake rather than an intentionally disabled tracker.
	t := c.Tracker
	if (t.ServerURL != "" || t.Email != "" || t.APIToken != "") && !t.Configured() {
		problems = append(problems, "tracker config is incomplete: server_url, email, and api_token are all required")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

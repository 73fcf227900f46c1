// Package config loads the probe configuration: backend location, the two
// third-party script integrations, and the one-tap kill switch.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	API       APIConfig       `json:"api"`
	Challenge ChallengeConfig `json:"challenge"`
	OneTap    OneTapConfig    `json:"onetap"`
	Origin    string          `json:"origin"`
	Database  string          `json:"database"`
	LogLevel  string          `json:"log_level"`
}

type APIConfig struct {
	BaseURL string `json:"base_url"`
}

type ChallengeConfig struct {
	SiteKey   string `json:"site_key"`
	ScriptURL string `json:"script_url"`
	ScriptID  string `json:"script_id"`
}

type OneTapConfig struct {
	ClientID  string `json:"client_id"`
	Disabled  bool   `json:"disabled"`
	ScriptURL string `json:"script_url"`
	ScriptID  string `json:"script_id"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Origin:   "https://getindexednow.com",
		Database: "authflow.db",
		Challenge: ChallengeConfig{
			ScriptURL: "https://www.google.com/recaptcha/api.js?render=explicit",
			ScriptID:  "recaptcha-script",
		},
		OneTap: OneTapConfig{
			ScriptURL: "https://accounts.google.com/gsi/client",
			ScriptID:  "google-gsi-script",
		},
	}
}

// applyEnv lets deployment environments override the file, matching how
// the hosted page receives these values.
func (c *Config) applyEnv() {
	if v := os.Getenv("AUTHFLOW_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("AUTHFLOW_SITE_KEY"); v != "" {
		c.Challenge.SiteKey = v
	}
	if v := os.Getenv("AUTHFLOW_GOOGLE_CLIENT_ID"); v != "" {
		c.OneTap.ClientID = v
	}
	switch os.Getenv("AUTHFLOW_DISABLE_ONETAP") {
	case "1", "true":
		c.OneTap.Disabled = true
	}
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("config: api.base_url must not be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("config: database path must not be empty")
	}
	if c.Challenge.ScriptID == "" || c.OneTap.ScriptID == "" {
		return fmt.Errorf("config: script ids must not be empty")
	}
	if c.Challenge.ScriptID == c.OneTap.ScriptID {
		return fmt.Errorf("config: challenge and onetap script ids must differ")
	}
	// A missing challenge site key is left to the third-party script to
	// complain about; a missing one-tap client id just disables one-tap.
	return nil
}

// Package config holds the process-wide router configuration.
// Loaded once at startup into an immutable struct and passed explicitly.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config represents the merged router configuration
type Config struct {
	Port          int    `json:"port"`
	AuthStorePath string `json:"authStorePath"` // profile store document
	APIKeysPath   string `json:"apiKeysPath"`   // client API-key registry
	StatsPath     string `json:"statsPath"`     // request-log JSONL file
	AdminPassword string `json:"adminPassword"`
}

// DefaultDir returns the router's state directory (~/.smart-router).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smart-router"
	}
	return filepath.Join(home, ".smart-router")
}

// Load reads configuration from config.json in the state directory,
// then applies environment overrides.
func Load() (*Config, error) {
	dir := DefaultDir()
	cfg := &Config{
		Port:          8800,
		AuthStorePath: filepath.Join(dir, "auth.json"),
		APIKeysPath:   filepath.Join(dir, "apikeys.json"),
		StatsPath:     filepath.Join(dir, "requests.jsonl"),
	}

	if data, err := os.ReadFile(filepath.Join(dir, "config.json")); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Environment overrides win over the file.
	if v := os.Getenv("SMART_ROUTER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("SMART_ROUTER_AUTH_STORE"); v != "" {
		cfg.AuthStorePath = v
	}
	if v := os.Getenv("SMART_ROUTER_API_KEYS"); v != "" {
		cfg.APIKeysPath = v
	}
	if v := os.Getenv("SMART_ROUTER_STATS"); v != "" {
		cfg.StatsPath = v
	}
	if v := os.Getenv("SMART_ROUTER_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}

	return cfg, nil
}

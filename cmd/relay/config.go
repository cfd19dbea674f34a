package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// ScheduleConfig declares one cron-triggered workflow start.
type ScheduleConfig struct {
	ID             string         `json:"id"`
	Cron           string         `json:"cron"`
	DefinitionPath string         `json:"definition_path"`
	Inputs         map[string]any `json:"inputs,omitempty"`
}

// Config holds all relay server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string           `json:"db_path"`
	LogLevel        string           `json:"log_level"`
	PendingCapacity int              `json:"pending_capacity"`
	SweepSeconds    int              `json:"sweep_seconds"`
	Persistence     bool             `json:"persistence"`
	Schedules       []ScheduleConfig `json:"schedules,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(relayDir(), "relay.db"),
		LogLevel:        "info",
		PendingCapacity: 1000,
		SweepSeconds:    60,
		Persistence:     true,
	}
}

func relayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func settingsPath() string {
	return filepath.Join(relayDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_PENDING_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PendingCapacity = n
		}
	}
	if v := os.Getenv("RELAY_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepSeconds = n
		}
	}
	if v := os.Getenv("RELAY_PERSISTENCE"); v != "" {
		cfg.Persistence = v == "true" || v == "1"
	}

	return cfg
}

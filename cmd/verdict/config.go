package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/verdict/internal/scheduler"
)

// Config holds all verdict server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string              `json:"db_path"`
	CatalogDir   string              `json:"catalog_dir,omitempty"`
	WatchCatalog bool                `json:"watch_catalog"`
	MetricsAddr  string              `json:"metrics_addr,omitempty"`
	LogLevel     string              `json:"log_level"`
	LogFormat    string              `json:"log_format"`
	MaxSteps     int                 `json:"max_steps,omitempty"`
	Seed         int64               `json:"seed,omitempty"`
	Maintenance  MaintenanceSettings `json:"maintenance"`
}

// MaintenanceSettings is the settings.json form of scheduler.MaintenanceConfig.
// Durations use time.ParseDuration syntax.
type MaintenanceSettings struct {
	ReapCron    string `json:"reap_cron"`
	IdleTimeout string `json:"idle_timeout"`
	PurgeCron   string `json:"purge_cron"`
	Retention   string `json:"retention"`
	VacuumCron  string `json:"vacuum_cron"`
}

func defaultConfig() Config {
	m := scheduler.DefaultMaintenanceConfig()
	return Config{
		DBPath:       filepath.Join(verdictDir(), "verdict.db"),
		WatchCatalog: true,
		LogLevel:     "info",
		LogFormat:    "text",
		Maintenance: MaintenanceSettings{
			ReapCron:    m.ReapCron,
			IdleTimeout: m.IdleTimeout.String(),
			PurgeCron:   m.PurgeCron,
			Retention:   m.Retention.String(),
			VacuumCron:  m.VacuumCron,
		},
	}
}

func verdictDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".verdict"
	}
	return filepath.Join(home, ".verdict")
}

func settingsPath() string {
	return filepath.Join(verdictDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(verdictDir(), "verdict.pid")
}

// loadConfig layers the settings file and environment over the defaults.
// A missing settings file is not an error; a malformed one is.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	if v := getenv("VERDICT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("VERDICT_CATALOG_DIR"); v != "" {
		cfg.CatalogDir = v
	}
	if v := getenv("VERDICT_WATCH_CATALOG"); v != "" {
		cfg.WatchCatalog = v == "true" || v == "1"
	}
	if v := getenv("VERDICT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("VERDICT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("VERDICT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("VERDICT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSteps = n
		}
	}
	if v := getenv("VERDICT_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = n
		}
	}
	if v := getenv("VERDICT_SESSION_IDLE_TIMEOUT"); v != "" {
		cfg.Maintenance.IdleTimeout = v
	}
	if v := getenv("VERDICT_SESSION_RETENTION"); v != "" {
		cfg.Maintenance.Retention = v
	}

	return cfg, nil
}

// schedulerConfig converts the maintenance settings, rejecting bad durations.
func (c Config) schedulerConfig() (scheduler.MaintenanceConfig, error) {
	idle, err := time.ParseDuration(c.Maintenance.IdleTimeout)
	if err != nil {
		return scheduler.MaintenanceConfig{}, fmt.Errorf("maintenance.idle_timeout: %w", err)
	}
	retention, err := time.ParseDuration(c.Maintenance.Retention)
	if err != nil {
		return scheduler.MaintenanceConfig{}, fmt.Errorf("maintenance.retention: %w", err)
	}
	return scheduler.MaintenanceConfig{
		ReapCron:    c.Maintenance.ReapCron,
		IdleTimeout: idle,
		PurgeCron:   c.Maintenance.PurgeCron,
		Retention:   retention,
		VacuumCron:  c.Maintenance.VacuumCron,
	}, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	CatalogChanged  bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.CatalogDir != new.CatalogDir || old.WatchCatalog != new.WatchCatalog {
		d.CatalogChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.MaxSteps != new.MaxSteps {
		d.RestartNeeded = append(d.RestartNeeded, "max_steps")
	}
	if old.Seed != new.Seed {
		d.RestartNeeded = append(d.RestartNeeded, "seed")
	}
	if old.Maintenance != new.Maintenance {
		d.RestartNeeded = append(d.RestartNeeded, "maintenance")
	}
	return d
}

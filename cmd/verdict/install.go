package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json from flags layered over the current
// settings and asks a running server to reload them.
func runInstall(args []string) error {
	cfg, err := loadConfig(settingsPath(), func(string) string { return "" })
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("install", flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.CatalogDir, "catalog-dir", cfg.CatalogDir, "directory of workflow documents to load at startup")
	fs.BoolVar(&cfg.WatchCatalog, "watch-catalog", cfg.WatchCatalog, "reload the catalog when its files change")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "HTTP address for /metrics and the panel API (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.IntVar(&cfg.MaxSteps, "max-steps", cfg.MaxSteps, "per-execution block limit (0 = engine default)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "case generator seed (0 = random)")
	fs.StringVar(&cfg.Maintenance.IdleTimeout, "session-idle-timeout", cfg.Maintenance.IdleTimeout, "abandon sessions idle this long")
	fs.StringVar(&cfg.Maintenance.Retention, "session-retention", cfg.Maintenance.Retention, "keep finished sessions in memory this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := cfg.schedulerConfig(); err != nil {
		return err
	}

	dir := verdictDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	if !signalRunningServer() {
		fmt.Println("No running server found; settings apply on the next `verdict serve`")
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running verdict server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}

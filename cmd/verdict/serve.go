package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/verdict/internal/casegen"
	"github.com/rendis/verdict/internal/catalog"
	"github.com/rendis/verdict/internal/engine"
	"github.com/rendis/verdict/internal/expressions"
	"github.com/rendis/verdict/internal/logging"
	"github.com/rendis/verdict/internal/metrics"
	"github.com/rendis/verdict/internal/panel"
	"github.com/rendis/verdict/internal/scheduler"
	"github.com/rendis/verdict/internal/session"
	"github.com/rendis/verdict/internal/store"
	"github.com/rendis/verdict/internal/streaming"
	"github.com/rendis/verdict/internal/validation"
	verdictmcp "github.com/rendis/verdict/pkg/mcp"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	catalogDir := fs.String("catalog", "", "directory of workflow documents to load (overrides catalog_dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(settingsPath(), os.Getenv)
	if err != nil {
		return err
	}
	if *catalogDir != "" {
		cfg.CatalogDir = *catalogDir
	}
	maintenance, err := cfg.schedulerConfig()
	if err != nil {
		return err
	}

	// stdout carries the MCP transport; logs go to stderr.
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := newLogger(os.Stderr, cfg.LogFormat, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// --- Engine ---
	m := metrics.New()
	eval := expressions.NewEvaluator()
	exec := engine.NewExecutor(st, eval, engine.ExecutorConfig{
		MaxSteps: cfg.MaxSteps,
		Logger:   logger,
		Metrics:  m,
	})
	validator, err := validation.NewWorkflowValidator(eval, st)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	var genOpts []casegen.Option
	if cfg.Seed != 0 {
		genOpts = append(genOpts, casegen.WithSeed(cfg.Seed))
	}
	gen := casegen.NewGenerator(eval, genOpts...)
	hub := streaming.NewMemoryHub()
	fsm := session.NewSessionFSM(streaming.NewPublishingAppender(st, hub))
	sessions := session.NewManager(st, exec, gen, nil, fsm, session.Config{Logger: logger, Metrics: m})

	// --- Catalog ---
	catalogs := newCatalogRunner(catalog.NewLoader(st, validator, logger), m, logger)
	if err := catalogs.apply(ctx, cfg); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defer catalogs.stop()

	// --- Maintenance ---
	sched := scheduler.NewScheduler(logger, scheduler.WithMetrics(m))
	for _, job := range scheduler.MaintenanceJobs(maintenance, sessions, st, logger) {
		if err := sched.Register(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// --- HTTP: metrics, health and panel API ---
	if cfg.MetricsAddr != "" {
		p := panel.NewPanelServer(panel.PanelDeps{
			Store:     st,
			Executor:  exec,
			Sessions:  sessions,
			Hub:       hub,
			Scheduler: sched,
			Logger:    logger,
		})
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: httpMux(m, p.Handler()), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := writePID(); err != nil {
		logger.Warn("could not write pid file", "path", pidPath(), "error", err)
	} else {
		defer os.Remove(pidPath())
	}
	go watchReloads(ctx, cfg, level, catalogs, logger)

	server := verdictmcp.NewVerdictServer(verdictmcp.VerdictServerDeps{
		Store:     st,
		Executor:  exec,
		Validator: validator,
		Generator: gen,
		Sessions:  sessions,
		Events:    hub,
		Logger:    logger,
		Version:   version,
	})
	logger.Info("verdict serving on stdio",
		"version", version,
		"db_path", cfg.DBPath,
		"catalog_dir", cfg.CatalogDir,
		"metrics_addr", cfg.MetricsAddr,
	)
	return server.Serve(ctx)
}

// newLogger builds the process logger with session and workflow correlation.
func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func httpMux(m *metrics.Metrics, api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/api/", api)
	mux.Handle("/sse/", api)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// watchReloads re-reads settings on SIGHUP. The log level and catalog apply
// live; everything else is reported as needing a restart.
func watchReloads(ctx context.Context, current Config, level *slog.LevelVar, catalogs *catalogRunner, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next, err := loadConfig(settingsPath(), os.Getenv)
		if err != nil {
			logger.Error("settings reload failed", "error", err)
			continue
		}
		// Flags given to serve are not in the settings file.
		if next.CatalogDir == "" {
			next.CatalogDir = current.CatalogDir
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", "level", next.LogLevel)
		}
		if d.CatalogChanged {
			if err := catalogs.apply(ctx, next); err != nil {
				logger.Error("catalog reload failed", "dir", next.CatalogDir, "error", err)
			}
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", "fields", d.RestartNeeded)
		}
		current = next
	}
}

func writePID() error {
	if err := os.MkdirAll(verdictDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

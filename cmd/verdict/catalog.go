package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/verdict/internal/catalog"
	"github.com/rendis/verdict/internal/metrics"
)

// catalogRunner owns the catalog load and its watcher so a settings reload
// can point it at another directory.
type catalogRunner struct {
	loader  *catalog.Loader
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *catalog.Watcher
	wg      sync.WaitGroup
}

func newCatalogRunner(loader *catalog.Loader, m *metrics.Metrics, logger *slog.Logger) *catalogRunner {
	return &catalogRunner{loader: loader, metrics: m, logger: logger}
}

// apply loads cfg.CatalogDir and, if enabled, starts watching it. Any
// previous watcher is stopped first.
func (r *catalogRunner) apply(ctx context.Context, cfg Config) error {
	r.stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	dir := cfg.CatalogDir
	if dir == "" {
		return nil
	}

	report, err := r.loader.LoadDir(ctx, dir)
	if err != nil {
		return err
	}
	r.record(dir, report, nil)

	if !cfg.WatchCatalog {
		return nil
	}
	w, err := catalog.NewWatcher(dir, r.loader, 0, r.logger)
	if err != nil {
		return err
	}
	w.OnReload = func(report *catalog.Report, err error) { r.record(dir, report, err) }
	r.watcher = w
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := w.Watch(ctx); err != nil {
			r.logger.Error("catalog watcher stopped", "dir", dir, "error", err)
		}
	}()
	return nil
}

func (r *catalogRunner) record(dir string, report *catalog.Report, err error) {
	if err != nil || report == nil {
		return
	}
	r.metrics.CatalogLoaded(len(report.Loaded), len(report.Failed))
	r.logger.Info("catalog loaded",
		"dir", dir,
		"loaded", len(report.Loaded),
		"failed", len(report.Failed),
		"warnings", report.Warnings,
	)
}

// stop stops the watcher, if any, and waits for it to exit.
func (r *catalogRunner) stop() {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Stop(); err != nil {
		r.logger.Warn("stop catalog watcher", "error", err)
	}
	r.wg.Wait()
}

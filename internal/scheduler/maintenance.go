package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Names of the built-in maintenance jobs.
const (
	JobReapIdleSessions = "reap-idle-sessions"
	JobPurgeSessions    = "purge-finished-sessions"
	JobVacuumStore      = "vacuum-store"
)

// SessionReaper is the part of the session manager maintenance needs.
type SessionReaper interface {
	AbandonIdle(ctx context.Context, cutoff time.Time) (int, error)
	PurgeFinished(cutoff time.Time) int
}

// Vacuumer compacts persistent storage.
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// MaintenanceConfig configures the built-in jobs. An empty cron expression
// disables the job.
type MaintenanceConfig struct {
	ReapCron    string
	IdleTimeout time.Duration // in-progress sessions untouched this long are abandoned
	PurgeCron   string
	Retention   time.Duration // finished sessions older than this are dropped from memory
	VacuumCron  string
}

// DefaultMaintenanceConfig returns the defaults used by the server.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		ReapCron:    "*/5 * * * *",
		IdleTimeout: 2 * time.Hour,
		PurgeCron:   "0 * * * *",
		Retention:   24 * time.Hour,
		VacuumCron:  "0 4 * * *",
	}
}

// MaintenanceJobs builds the jobs enabled in cfg. sessions or store may be nil
// to skip their jobs.
func MaintenanceJobs(cfg MaintenanceConfig, sessions SessionReaper, store Vacuumer, logger *slog.Logger) []Job {
	if logger == nil {
		logger = slog.Default()
	}
	var jobs []Job
	if sessions != nil && cfg.ReapCron != "" && cfg.IdleTimeout > 0 {
		jobs = append(jobs, Job{
			Name: JobReapIdleSessions,
			Cron: cfg.ReapCron,
			Run: func(ctx context.Context, now time.Time) error {
				n, err := sessions.AbandonIdle(ctx, now.Add(-cfg.IdleTimeout))
				if n > 0 {
					logger.Info("abandoned idle validation sessions", slog.Int("count", n))
				}
				return err
			},
		})
	}
	if sessions != nil && cfg.PurgeCron != "" && cfg.Retention > 0 {
		jobs = append(jobs, Job{
			Name: JobPurgeSessions,
			Cron: cfg.PurgeCron,
			Run: func(_ context.Context, now time.Time) error {
				if n := sessions.PurgeFinished(now.Add(-cfg.Retention)); n > 0 {
					logger.Info("purged finished validation sessions", slog.Int("count", n))
				}
				return nil
			},
		})
	}
	if store != nil && cfg.VacuumCron != "" {
		jobs = append(jobs, Job{
			Name: JobVacuumStore,
			Cron: cfg.VacuumCron,
			Run: func(ctx context.Context, _ time.Time) error {
				return store.Vacuum(ctx)
			},
		})
	}
	return jobs
}

// Package janitor runs scheduled retention work: archiving terminal sessions
// and pruning the audit log past their retention windows.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/skillforge/internal/persistence"
)

// Config holds the dependencies and retention windows for the janitor.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// Schedule is a cron expression or descriptor ("@daily").
	Schedule string
	// RetentionSessions is how long terminal sessions stay unarchived.
	RetentionSessions time.Duration
	// RetentionAudit is how long audit entries are kept.
	RetentionAudit time.Duration
}

// Janitor owns a cron runner with a single retention job.
type Janitor struct {
	store *persistence.Store
	log   *slog.Logger
	cron  *cronlib.Cron
	cfg   Config
}

// New creates a Janitor. The schedule is validated up front so a bad config
// fails at startup, not at the first missed run.
func New(cfg Config) (*Janitor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}

	j := &Janitor{
		store: cfg.Store,
		log:   cfg.Logger,
		cron:  cronlib.New(),
		cfg:   cfg,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, func() {
		j.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start begins the cron runner in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info("janitor started",
		"schedule", j.cfg.Schedule,
		"retention_sessions", j.cfg.RetentionSessions,
		"retention_audit", j.cfg.RetentionAudit)
}

// Stop halts the cron runner and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("janitor stopped")
}

// Sweep runs one retention pass. It is exposed so operators can force a
// sweep without waiting for the schedule.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now()

	if j.cfg.RetentionSessions > 0 {
		n, err := j.store.ArchiveSessions(ctx, now.Add(-j.cfg.RetentionSessions))
		if err != nil {
			j.log.Error("janitor: archive sessions failed", "error", err)
		} else if n > 0 {
			j.log.Info("janitor: sessions archived", "count", n)
		}
	}

	if j.cfg.RetentionAudit > 0 {
		n, err := j.store.PruneAuditLog(ctx, now.Add(-j.cfg.RetentionAudit))
		if err != nil {
			j.log.Error("janitor: prune audit log failed", "error", err)
		} else if n > 0 {
			j.log.Info("janitor: audit entries pruned", "count", n)
		}
	}
}

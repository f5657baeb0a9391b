package recorder

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
)

// Retention prunes old turn records on a cron schedule.
type Retention struct {
	store  Store
	cfg    config.RetentionConfig
	logger *observability.Logger
	cron   *cron.Cron
}

// NewRetention builds the sweeper. A zero MaxAge disables pruning entirely.
func NewRetention(store Store, cfg config.RetentionConfig, logger *observability.Logger) *Retention {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Retention{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Start schedules the sweep. No-op when retention is disabled.
func (r *Retention) Start() error {
	if r.cfg.MaxAge <= 0 {
		return nil
	}
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.cfg.Schedule, r.sweep)
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running sweep.
func (r *Retention) Stop() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// sweep runs one prune pass.
func (r *Retention) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.MaxAge)
	removed, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Warn(ctx, "turn retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		r.logger.Info(ctx, "turn retention sweep complete", "removed", removed)
	}
}

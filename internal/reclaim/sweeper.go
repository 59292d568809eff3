// Package reclaim runs the background sweeps that bound sandbox
// lifetime: long-running containers are stopped after an expiry window,
// and, when enabled, long-exited containers are removed.
package reclaim

import (
	"context"
	"log/slog"
	"time"

	"github.com/modernalchemist/magic/internal/config"
	"github.com/modernalchemist/magic/internal/runtime"
	"github.com/modernalchemist/magic/internal/telemetry"
)

// Sweeper periodically walks every sandbox-labeled container and applies
// the expiry policies. It acts on containers directly, not sandboxes: a
// pair whose agent expired before its qdrant did shrinks one container at
// a time.
type Sweeper struct {
	cfg     config.Config
	client  runtime.Client
	logger  *slog.Logger
	metrics *telemetry.Metrics

	now func() time.Time
}

func New(cfg config.Config, client runtime.Client, logger *slog.Logger, metrics *telemetry.Metrics) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until ctx is canceled. A sweep
// whose container enumeration fails backs off on the shorter retry
// interval instead.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("reclamation sweeper started",
		"interval", s.cfg.CleanupInterval,
		"running_expiry", s.cfg.RunningExpiry,
		"remove_exited", s.cfg.RemoveExited)

	for {
		interval := s.cfg.CleanupInterval
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("reclamation sweep failed", "error", err)
			s.metrics.ReclaimSweeps.WithLabelValues("error").Inc()
			interval = s.cfg.CleanupRetryInterval
		} else {
			s.metrics.ReclaimSweeps.WithLabelValues("ok").Inc()
		}

		select {
		case <-ctx.Done():
			s.logger.Info("reclamation sweeper stopped")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Sweep performs one pass of both policies. Per-container failures are
// logged and skipped; only enumeration failures abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.stopExpiredRunning(ctx); err != nil {
		return err
	}
	if s.cfg.RemoveExited {
		return s.removeStaleExited(ctx)
	}
	return nil
}

func (s *Sweeper) stopExpiredRunning(ctx context.Context) error {
	summaries, err := s.client.List(ctx, runtime.SandboxLabel, "", runtime.StatusRunning)
	if err != nil {
		return err
	}

	for _, sum := range summaries {
		c, err := s.client.Inspect(ctx, sum.ID)
		if err != nil {
			s.logger.Error("inspecting container, skipping", "name", sum.Name, "error", err)
			continue
		}

		since := c.CreatedAt
		if c.StartedAt != nil {
			since = *c.StartedAt
		} else {
			s.logger.Warn("running container has no start time, using creation time", "name", c.Name)
		}

		age := s.now().Sub(since)
		if age <= s.cfg.RunningExpiry {
			continue
		}

		// stop only; the exited container stays revivable until the
		// retention sweep (if enabled) claims it
		if err := s.client.Stop(ctx, c.ID); err != nil {
			s.logger.Error("stopping expired container", "name", c.Name, "error", err)
			continue
		}
		s.metrics.ReclaimStopped.Inc()
		s.logger.Info("stopped expired container",
			"name", c.Name, "sandbox_id", c.Labels[runtime.SandboxLabel], "age", age)
	}
	return nil
}

func (s *Sweeper) removeStaleExited(ctx context.Context) error {
	summaries, err := s.client.List(ctx, runtime.SandboxLabel, "", runtime.StatusExited)
	if err != nil {
		return err
	}

	for _, sum := range summaries {
		c, err := s.client.Inspect(ctx, sum.ID)
		if err != nil {
			s.logger.Error("inspecting container, skipping", "name", sum.Name, "error", err)
			continue
		}

		since := c.CreatedAt
		if c.ExitedAt != nil {
			since = *c.ExitedAt
		}

		idle := s.now().Sub(since)
		if idle <= s.cfg.ExitedRetention {
			continue
		}

		if err := s.client.Remove(ctx, c.ID); err != nil {
			s.logger.Error("removing stale container", "name", c.Name, "error", err)
			continue
		}
		s.metrics.ReclaimRemoved.Inc()
		s.logger.Info("removed stale container",
			"name", c.Name, "sandbox_id", c.Labels[runtime.SandboxLabel], "idle", idle)
	}
	return nil
}

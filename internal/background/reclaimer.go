// Package background runs the reclaimer: a periodic pass over every
// time-based transition the request path cannot drive itself.
package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pinchwork/backend/internal/config"
	"github.com/pinchwork/backend/internal/tasks"
)

var (
	sweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinchwork_sweep_actions_total",
		Help: "Rows acted on by each reclaimer sweep.",
	}, []string{"sweep"})
	staleGraceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pinchwork_stale_grace_deadlines",
		Help: "Tasks carrying a rejection grace deadline after leaving claimed.",
	})
	overdueSystemGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pinchwork_system_tasks_claimed_overdue",
		Help: "Claimed system tasks held past the normal turnaround.",
	})
)

// Reclaimer drives the sweeps on a fixed interval.
type Reclaimer struct {
	svc      *tasks.Service
	interval time.Duration
	logger   *slog.Logger
}

// NewReclaimer builds the loop from config.
func NewReclaimer(svc *tasks.Service, cfg *config.Config, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{
		svc:      svc,
		interval: time.Duration(cfg.ReclaimIntervalSeconds) * time.Second,
		logger:   logger,
	}
}

// Run blocks until ctx ends, sweeping once per interval. An erroring
// sweep is logged and the pass continues; the next tick retries.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reclaimer started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Order matters: expiries run before
// auto-approvals so a task never auto-approves after its window to
// expire already passed.
func (r *Reclaimer) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	passes := []struct {
		name string
		run  func(context.Context, time.Time) (int, error)
	}{
		{"expire_posted", r.svc.ExpirePosted},
		{"expire_matching", r.svc.ExpireMatching},
		{"expire_verification", r.svc.ExpireVerification},
		{"expire_claims", r.svc.ExpireClaims},
		{"expire_grace", r.svc.ExpireGrace},
		{"auto_approve_delivered", r.svc.AutoApproveDelivered},
		{"auto_approve_system", r.svc.AutoApproveSystem},
	}
	for _, p := range passes {
		n, err := p.run(ctx, now)
		if err != nil {
			r.logger.Error("sweep failed", "sweep", p.name, "error", err)
			continue
		}
		if n > 0 {
			sweepActions.WithLabelValues(p.name).Add(float64(n))
			r.logger.Info("sweep acted", "sweep", p.name, "rows", n)
		}
	}

	staleGrace, overdueSystem, err := r.svc.Observables(ctx, now)
	if err != nil {
		r.logger.Error("observables failed", "error", err)
		return
	}
	staleGraceGauge.Set(float64(staleGrace))
	overdueSystemGauge.Set(float64(overdueSystem))
}

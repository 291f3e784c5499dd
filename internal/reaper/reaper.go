package reaper

import (
	"context"
	"time"

	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/amoylab/syncroom/internal/document"
	"github.com/amoylab/syncroom/internal/notification"
	"github.com/amoylab/syncroom/internal/presence"
	"github.com/amoylab/syncroom/internal/session"
	"github.com/amoylab/syncroom/pkg/metrics"
	"go.uber.org/zap"
)

// Reaper periodically enforces the capacity and TTL invariants across every
// store. Sweeps run concurrently with normal dispatch; the stores guard
// their own state, and only entries that are verifiably stale or over cap
// are removed.
type Reaper struct {
	logger  *zap.Logger
	cfg     *config.EngineConfig
	metrics *metrics.Metrics

	presence      presence.Store
	documents     *document.Synchronizer
	sessions      *session.Coordinator
	notifications *notification.Center
}

// New creates a reaper over the engine's stores
func New(
	logger *zap.Logger,
	cfg *config.EngineConfig,
	m *metrics.Metrics,
	p presence.Store,
	d *document.Synchronizer,
	s *session.Coordinator,
	n *notification.Center,
) *Reaper {
	return &Reaper{
		logger:        logger.Named("reaper"),
		cfg:           cfg,
		metrics:       m,
		presence:      p,
		documents:     d,
		sessions:      s,
		notifications: n,
	}
}

// Sweep trims every store once and returns the total number of evictions.
func (r *Reaper) Sweep(ctx context.Context) int {
	total := 0

	stale, err := r.presence.RemoveStale(ctx, r.cfg.Presence.TTL)
	if err != nil {
		r.logger.Warn("presence sweep failed", zap.Error(err))
	} else {
		r.metrics.AddEvictions("presence", stale)
		total += stale
	}

	docs := r.documents.EvictIdle(r.cfg.Documents.IdleTimeout)
	r.metrics.AddEvictions("documents", docs)
	total += docs

	ended := r.sessions.EndAbandoned(r.cfg.Sessions.HostGrace)
	idle := r.sessions.EvictIdle(r.cfg.Sessions.IdleTimeout)
	chat := r.sessions.EnforceChatCap()
	r.metrics.AddEvictions("sessions", idle)
	r.metrics.AddEvictions("chat", chat)
	total += ended + idle + chat

	caps := r.notifications.EnforceCap()
	r.metrics.AddEvictions("notifications", caps)
	total += caps

	if total > 0 {
		r.logger.Debug("sweep complete", zap.Int("evictions", total))
	}
	return total
}

// Run sweeps on the configured cadence until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Reaper.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

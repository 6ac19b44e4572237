package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// IndexSweeper periodically removes index entries whose job record was
// reaped by its retention TTL. The record is the source of truth; the
// indexes trail it.
type IndexSweeper struct {
	tracker  func() domain.JobTracker
	interval time.Duration
}

// NewIndexSweeper builds a sweeper over a lazily-resolved tracker.
func NewIndexSweeper(tracker func() domain.JobTracker, interval time.Duration) *IndexSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &IndexSweeper{tracker: tracker, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *IndexSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("index sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *IndexSweeper) sweepOnce(ctx context.Context) {
	t := s.tracker()
	if t == nil {
		return
	}
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "IndexSweeper.sweepOnce")
	defer span.End()

	pruned, err := t.CleanupStaleIndexEntries(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale index sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("index.pruned", pruned))
	if pruned > 0 {
		slog.Info("stale index entries pruned", slog.Int("pruned", pruned))
	}
}

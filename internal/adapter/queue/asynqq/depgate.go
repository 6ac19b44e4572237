package asynqq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// handleDepGate blocks one parent job on one dependency. It polls the
// referenced record every 5s up to a hard cap. A completed dependency
// resolves the gate; the last gate to resolve releases the parent onto its
// agent queue. A failed dependency fails the gate permanently (fail-fast):
// the parent is never launched.
func (w *WorkerPool) handleDepGate(ctx context.Context, task *asynq.Task) error {
	var p depGatePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode gate payload: %v: %w", err, asynq.SkipRetry)
	}

	deadline := time.Now().Add(depGatePollCap)
	ticker := time.NewTicker(depGatePollInterval)
	defer ticker.Stop()

	for {
		dep, err := w.store.GetJob(ctx, p.DependencyJobID)
		if err != nil {
			// Dependency record pruned; the chain can never resolve.
			observability.DepGateResolutionsTotal.WithLabelValues("missing").Inc()
			return fmt.Errorf("dependency %s gone: %w", p.DependencyJobID, asynq.SkipRetry)
		}

		switch dep.Status {
		case domain.JobCompleted:
			return w.resolveGate(ctx, p)
		case domain.JobFailed, domain.JobFailedPermanent:
			observability.DepGateResolutionsTotal.WithLabelValues("failed").Inc()
			slog.Warn("dependency failed; parent permanently blocked",
				slog.String("dependency_job_id", p.DependencyJobID),
				slog.String("parent_job_id", p.ParentJobID))
			return fmt.Errorf("dependency %s failed: %w", p.DependencyJobID, asynq.SkipRetry)
		}

		if time.Now().After(deadline) {
			// Recoverable: the queue's retry policy reschedules the gate.
			observability.DepGateResolutionsTotal.WithLabelValues("timeout").Inc()
			return fmt.Errorf("gate timed out waiting for dependency %s after %s", p.DependencyJobID, depGatePollCap)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *WorkerPool) resolveGate(ctx context.Context, p depGatePayload) error {
	remaining, err := w.store.DecrPendingGates(ctx, p.ParentJobID)
	if err != nil {
		return err
	}
	observability.DepGateResolutionsTotal.WithLabelValues("completed").Inc()
	if remaining > 0 {
		slog.Debug("gate resolved, more pending",
			slog.String("parent_job_id", p.ParentJobID),
			slog.Int("remaining", remaining))
		return nil
	}
	// The counter is not the source of truth: a gate redelivered after a
	// crash between DECR and ack decrements twice, so a zero here can be
	// premature. Release only once every dependency record reads completed;
	// a deferred release happens when the remaining gate resolves.
	parent, err := w.store.GetJob(ctx, p.ParentJobID)
	if err != nil {
		return fmt.Errorf("parent %s gone: %w", p.ParentJobID, asynq.SkipRetry)
	}
	if depID, blocked := w.unresolvedDependency(ctx, parent); blocked {
		slog.Warn("gate counter at zero with incomplete dependency; release deferred",
			slog.String("parent_job_id", p.ParentJobID),
			slog.String("dependency_job_id", depID))
		return nil
	}
	if err := w.tracker.EnqueueLaunch(ctx, p.ParentJobID, redisstore.QueueName(p.ParentTarget), 0); err != nil {
		return err
	}
	slog.Info("all dependencies completed; parent released",
		slog.String("parent_job_id", p.ParentJobID))
	return nil
}

// unresolvedDependency returns the first dependency of parent that has not
// completed, or a missing record's ID. ("", false) means all completed.
func (w *WorkerPool) unresolvedDependency(ctx context.Context, parent domain.Job) (string, bool) {
	for _, depID := range parent.DependsOn {
		dep, err := w.store.GetJob(ctx, depID)
		if err != nil || dep.Status != domain.JobCompleted {
			return depID, true
		}
	}
	return "", false
}

func nowUTC() time.Time { return time.Now().UTC() }

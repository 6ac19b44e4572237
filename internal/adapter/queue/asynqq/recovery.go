package asynqq

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// RestartErrorMessage is written into records interrupted by a restart. The
// child session has no persistent executor here, so recovery is
// fail-forward: the record is failed and the caller may re-dispatch.
const RestartErrorMessage = "Gateway restart during execution — job state unknown"

// RecoverInterrupted scans every indexed job and force-fails records left in
// active or announcing status by a previous process. Runs once at startup,
// before the workers start, so no duplicate child session is launched.
func (t *Tracker) RecoverInterrupted(ctx context.Context) (int, error) {
	entries, err := t.store.JobIndexEntries(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for jobID := range entries {
		j, gerr := t.store.GetJob(ctx, jobID)
		if gerr != nil {
			if errors.Is(gerr, domain.ErrNotFound) {
				continue
			}
			return recovered, gerr
		}
		if j.Status != domain.JobActive && j.Status != domain.JobAnnouncing {
			continue
		}
		if _, uerr := t.store.UpdateJobStatus(ctx, jobID, domain.JobFailed, domain.StatusExtras{
			Error:       RestartErrorMessage,
			CompletedAt: nowUTC(),
		}); uerr != nil {
			slog.Error("recovery failed to mark interrupted job",
				slog.String("job_id", jobID), slog.Any("error", uerr))
			continue
		}
		recovered++
		slog.Warn("recovered interrupted job as failed",
			slog.String("job_id", jobID),
			slog.String("previous_status", string(j.Status)))
	}
	if recovered > 0 {
		slog.Info("restart recovery complete", slog.Int("recovered", recovered))
	}
	return recovered, nil
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/notify"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// directSpawnTool is the legacy tool name some agents still call instead of
// dispatch. Spawns observed through it are tracked after the fact.
const directSpawnTool = "sessions_spawn"

// ToolCallEvent is emitted by the session host after an agent tool call.
type ToolCallEvent struct {
	ToolName         string
	CallerAgentID    string
	CallerSessionKey string
	Target           string
	Task             string
	Label            string
	RunID            string
	ChildSessionKey  string
}

// AgentEndEvent is emitted when a child session finishes executing.
type AgentEndEvent struct {
	SessionKey string
	RunID      string
	Success    bool
	Error      string
}

// Hooks consumes the two session-host events that drive the execution
// lifecycle. Hooks never raise to the host runtime: every failure is caught
// and logged.
type Hooks struct {
	cfg     config.Config
	tracker func() domain.JobTracker
	host    domain.SessionHost
	alerter *notify.Alerter
}

// NewHooks wires the lifecycle hooks.
func NewHooks(cfg config.Config, tracker func() domain.JobTracker, host domain.SessionHost, alerter *notify.Alerter) *Hooks {
	return &Hooks{cfg: cfg, tracker: tracker, host: host, alerter: alerter}
}

// AfterToolCall observes direct spawns made outside of dispatch and creates
// a tracking record for them so they appear in queue views too.
func (h *Hooks) AfterToolCall(ctx context.Context, ev ToolCallEvent) {
	if ev.ToolName != directSpawnTool || ev.RunID == "" {
		return
	}
	t := h.tracker()
	if t == nil {
		return
	}
	if ev.ChildSessionKey != "" {
		if _, err := t.FindJobBySessionKey(ctx, ev.ChildSessionKey); err == nil {
			return // already tracked (dispatch path)
		}
	}
	jobID, err := t.TrackExternalLaunch(ctx, domain.CreateJobParams{
		Target:               ev.Target,
		Task:                 ev.Task,
		Label:                ev.Label,
		DispatchedBy:         ev.CallerAgentID,
		DispatcherAgentID:    ev.CallerAgentID,
		DispatcherSessionKey: ev.CallerSessionKey,
	}, ev.RunID, ev.ChildSessionKey)
	if err != nil {
		slog.Error("failed to track direct spawn",
			slog.String("run_id", ev.RunID),
			slog.Any("error", err))
		return
	}
	observability.JobsActive.WithLabelValues(ev.Target).Inc()
	slog.Info("direct spawn tracked",
		slog.String("job_id", jobID),
		slog.String("caller", ev.CallerAgentID),
		slog.String("target", ev.Target))
}

// AgentEnd closes out the execution lifecycle of a finished child session:
// terminal status, optional result capture, and the agent-level retry chain
// on failure.
func (h *Hooks) AgentEnd(ctx context.Context, ev AgentEndEvent) {
	t := h.tracker()
	if t == nil {
		return
	}
	job, err := t.FindJobBySessionKey(ctx, ev.SessionKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("agent_end job lookup failed",
				slog.String("session_key", ev.SessionKey), slog.Any("error", err))
		}
		return
	}
	if job.Status.Terminal() || job.Status == domain.JobRetrying {
		return // duplicate event after the record moved on
	}

	now := time.Now().UTC()
	if ev.Success {
		extras := domain.StatusExtras{CompletedAt: now}
		if job.StoreResult {
			extras.Result = h.captureResult(ctx, ev.SessionKey)
		}
		if err := t.UpdateJobStatus(ctx, job.JobID, domain.JobCompleted, extras); err != nil {
			slog.Error("failed to complete job",
				slog.String("job_id", job.JobID), slog.Any("error", err))
			return
		}
		observability.JobsActive.WithLabelValues(job.Target).Dec()
		slog.Info("job completed",
			slog.String("job_id", job.JobID),
			slog.String("target", job.Target))
		return
	}

	h.handleFailure(ctx, t, job, ev.Error, now)
}

// captureResult reads the last assistant message of the child transcript,
// truncated to the stored-result cap (characters, with an ellipsis marker).
func (h *Hooks) captureResult(ctx context.Context, sessionKey string) string {
	msgs, err := h.host.FetchSessionHistory(ctx, sessionKey, 50)
	if err != nil {
		slog.Warn("result capture failed",
			slog.String("session_key", sessionKey), slog.Any("error", err))
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && msgs[i].Content != "" {
			return notify.Truncate(msgs[i].Content, domain.MaxResultChars)
		}
	}
	return ""
}

// handleFailure runs the agent-level retry path: a new job with retryCount+1
// after exponential backoff, or terminal failure with dispatcher
// notification plus DLQ alert once attempts are exhausted. Only the terminal
// record notifies; intermediate retries stay quiet.
func (h *Hooks) handleFailure(ctx context.Context, t domain.JobTracker, job domain.Job, execErr string, now time.Time) {
	if execErr == "" {
		execErr = "agent session failed without detail"
	}
	if err := t.UpdateJobStatus(ctx, job.JobID, domain.JobFailed, domain.StatusExtras{
		Error:       execErr,
		CompletedAt: now,
	}); err != nil {
		slog.Error("failed to mark job failed",
			slog.String("job_id", job.JobID), slog.Any("error", err))
		return
	}
	observability.JobsActive.WithLabelValues(job.Target).Dec()

	if job.RetryCount < h.cfg.AgentFailureAttempts-1 {
		h.enqueueRetry(ctx, t, job, execErr)
		return
	}

	if err := t.UpdateJobStatus(ctx, job.JobID, domain.JobFailedPermanent, domain.StatusExtras{}); err != nil {
		slog.Error("failed to mark job permanently failed",
			slog.String("job_id", job.JobID), slog.Any("error", err))
	}
	slog.Error("job failed permanently",
		slog.String("job_id", job.JobID),
		slog.String("target", job.Target),
		slog.Int("retry_count", job.RetryCount),
		slog.String("error", execErr))

	h.notifyDispatcher(ctx, job, execErr)
	h.alerter.JobFailedPermanently(ctx, job, execErr)
}

func (h *Hooks) enqueueRetry(ctx context.Context, t domain.JobTracker, job domain.Job, execErr string) {
	delay := h.cfg.AgentFailureBaseDelay * (1 << job.RetryCount)
	newID := uuid.NewString()
	_, err := t.CreateJob(ctx, domain.CreateJobParams{
		JobID:                newID,
		Target:               job.Target,
		Task:                 job.Task,
		DispatchedBy:         job.DispatchedBy,
		Project:              job.Project,
		Label:                job.Label,
		Model:                job.Model,
		ThinkingLevel:        job.ThinkingLevel,
		SystemPromptAddition: job.SystemPromptAddition,
		Cleanup:              job.Cleanup,
		TimeoutMs:            job.TimeoutMs,
		StoreResult:          job.StoreResult,
		RetryCount:           job.RetryCount + 1,
		OriginalJobID:        job.Root(),
		Delay:                delay,
		DispatcherSessionKey: job.DispatcherSessionKey,
		DispatcherAgentID:    job.DispatcherAgentID,
		DispatcherDepth:      job.DispatcherDepth,
		DispatcherOrigin:     job.DispatcherOrigin,
	})
	if err != nil {
		slog.Error("failed to enqueue agent-level retry",
			slog.String("job_id", job.JobID), slog.Any("error", err))
		return
	}
	if err := t.UpdateJobStatus(ctx, job.JobID, domain.JobRetrying, domain.StatusExtras{
		RetriedByJobID: newID,
	}); err != nil {
		slog.Error("failed to link retry job",
			slog.String("job_id", job.JobID), slog.Any("error", err))
	}
	observability.AgentRetriesTotal.WithLabelValues(job.Target).Inc()
	slog.Warn("agent-level retry scheduled",
		slog.String("job_id", job.JobID),
		slog.String("retry_job_id", newID),
		slog.Int("attempt", job.RetryCount+2),
		slog.Duration("delay", delay),
		slog.String("error", execErr))
}

// notifyDispatcher sends the sanitized terminal-failure notice back to the
// session that dispatched the chain.
func (h *Hooks) notifyDispatcher(ctx context.Context, job domain.Job, execErr string) {
	if job.DispatcherSessionKey == "" {
		return
	}
	label := job.Label
	if label == "" {
		label = job.Root()
	}
	msg := fmt.Sprintf("Dispatched job %q to %s failed permanently after %d attempts: %s",
		notify.SanitizeNotification(label), job.Target,
		job.RetryCount+1, notify.RedactForAlert(execErr))
	if err := h.host.SendToSession(ctx, job.DispatcherSessionKey, msg); err != nil {
		slog.Warn("dispatcher failure notice undelivered",
			slog.String("job_id", job.JobID),
			slog.Any("error", err))
	}
}

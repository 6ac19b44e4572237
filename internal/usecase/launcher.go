// Package usecase implements the orchestrator's application services:
// dispatch, launch, lifecycle hooks, approvals, queries and learnings.
// It depends only on the domain ports and configuration.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/notify"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// maxRunTimeout caps the per-job run timeout a dispatcher may request.
const maxRunTimeout = 24 * time.Hour

// spawnRequest is the single parameterization of the child-spawn routine.
// The worker path runs with safety checks on; the approved-agent spawner
// runs the same routine with checks off and depth pinned (a human approved
// the dispatch explicitly).
type spawnRequest struct {
	Caller               string
	Target               string
	Task                 string
	Label                string
	Model                string
	ThinkingLevel        string
	SystemPromptAddition string
	TimeoutMs            int64

	DispatcherSessionKey string
	DispatcherDepth      *int
	DispatcherOrigin     domain.DispatcherOrigin

	// SafetyChecks enables depth, fan-out and allowlist validation.
	SafetyChecks bool
	// FixedCallerDepth overrides depth resolution when SafetyChecks is off.
	FixedCallerDepth int
}

// spawnResult is what a successful spawn hands back.
type spawnResult struct {
	RunID      string
	SessionKey string
	ChildDepth int
}

// Launcher runs the child-session spawn sequence. It is handed to the worker
// pool as its launch function and reused by the approval spawner.
type Launcher struct {
	cfg     config.Config
	agents  *config.AgentRegistry
	host    domain.SessionHost
	tracker func() domain.JobTracker
}

// NewLauncher wires a launcher. tracker resolves lazily so hooks registered
// before the service finishes starting observe the live component, and a nil
// result means the store is unreachable.
func NewLauncher(cfg config.Config, agents *config.AgentRegistry, host domain.SessionHost, tracker func() domain.JobTracker) *Launcher {
	return &Launcher{cfg: cfg, agents: agents, host: host, tracker: tracker}
}

// Launch is the worker-pool entry point: it runs the spawn sequence for a
// queued job record, writes the active transition plus the session index, and
// returns the child run id. The queue treats a non-error return as
// dispatch-completed; the child's execution continues independently.
func (l *Launcher) Launch(ctx context.Context, job domain.Job) (string, error) {
	res, err := l.spawn(ctx, spawnRequest{
		Caller:               job.DispatchedBy,
		Target:               job.Target,
		Task:                 job.Task,
		Label:                job.Label,
		Model:                job.Model,
		ThinkingLevel:        job.ThinkingLevel,
		SystemPromptAddition: job.SystemPromptAddition,
		TimeoutMs:            job.TimeoutMs,
		DispatcherSessionKey: job.DispatcherSessionKey,
		DispatcherDepth:      job.DispatcherDepth,
		DispatcherOrigin:     job.DispatcherOrigin,
		SafetyChecks:         true,
	})
	if err != nil {
		return "", err
	}

	t := l.tracker()
	if t == nil {
		return "", fmt.Errorf("op=usecase.Launch: tracker unavailable after spawn: %w", domain.ErrUnavailable)
	}
	if err := t.UpdateJobStatus(ctx, job.JobID, domain.JobActive, domain.StatusExtras{
		OpenclawRunID:      res.RunID,
		OpenclawSessionKey: res.SessionKey,
		StartedAt:          time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("op=usecase.Launch: mark active: %w", err)
	}
	if err := t.IndexJobBySessionKey(ctx, res.SessionKey, job.JobID, "agent-"+job.Target); err != nil {
		// The scan fallback repairs a missing entry on next lookup.
		slog.Warn("session index write failed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err))
	}
	observability.JobsActive.WithLabelValues(job.Target).Inc()
	slog.Info("job launched",
		slog.String("job_id", job.JobID),
		slog.String("target", job.Target),
		slog.String("run_id", res.RunID),
		slog.Int("child_depth", res.ChildDepth))
	return res.RunID, nil
}

// SpawnDirect is the store-less fallback path: run the spawn sequence with
// safety checks (no job record exists to update).
func (l *Launcher) SpawnDirect(ctx context.Context, req spawnRequest) (spawnResult, error) {
	req.SafetyChecks = true
	return l.spawn(ctx, req)
}

// SpawnApproved runs the simplified sequence for a human-approved dispatch:
// caller depth pinned to 0, no depth/fan-out/allowlist checks. The stored
// task is untrusted input; control and override characters are stripped
// before it is wrapped in the approval preamble.
func (l *Launcher) SpawnApproved(ctx context.Context, a domain.Approval) (spawnResult, error) {
	task := fmt.Sprintf("Kevin has approved this request.\n\n%s", notify.StripControl(a.Task))
	return l.spawn(ctx, spawnRequest{
		Caller:               a.Caller,
		Target:               a.Target,
		Task:                 task,
		Label:                a.Label,
		Model:                a.Model,
		ThinkingLevel:        a.ThinkingLevel,
		TimeoutMs:            a.TimeoutMs,
		DispatcherSessionKey: a.DispatcherSessionKey,
		DispatcherOrigin:     a.DispatcherOrigin,
		SafetyChecks:         false,
		FixedCallerDepth:     0,
	})
}

// spawn is the shared sequence. Unrecoverable failures (configuration, depth,
// allowlist) carry the domain no-retry marker; everything else is left
// retryable for the queue's launch-retry policy.
func (l *Launcher) spawn(ctx context.Context, req spawnRequest) (spawnResult, error) {
	timeoutMs := clampTimeout(req.TimeoutMs)

	targetCfg, ok := l.agents.Get(req.Target)
	if !ok {
		return spawnResult{}, domain.NewUnrecoverable(
			fmt.Errorf("op=usecase.spawn: unknown target agent %q: %w", req.Target, domain.ErrNotFound))
	}

	callerDepth := req.FixedCallerDepth
	if req.SafetyChecks {
		d, err := l.resolveCallerDepth(ctx, req)
		if err != nil {
			return spawnResult{}, err
		}
		callerDepth = d
		if callerDepth >= l.cfg.MaxSpawnDepth {
			return spawnResult{}, domain.NewUnrecoverable(fmt.Errorf(
				"op=usecase.spawn: spawn depth %d reached limit %d: %w",
				callerDepth, l.cfg.MaxSpawnDepth, domain.ErrForbidden))
		}
		if err := l.checkFanOut(ctx, req.Caller); err != nil {
			return spawnResult{}, err
		}
		if err := l.checkAllowlist(req.Caller, req.Target); err != nil {
			return spawnResult{}, err
		}
	}

	childSessionKey := fmt.Sprintf("agent:%s:subagent:%s", req.Target, uuid.NewString())
	childDepth := callerDepth + 1

	model, thinking := l.resolveModel(req, targetCfg)
	if err := l.patchChildSession(ctx, childSessionKey, childDepth, model, thinking); err != nil {
		return spawnResult{}, fmt.Errorf("op=usecase.spawn: patch session: %w", err)
	}

	prompt := buildSubagentPrompt(req)
	runID, err := l.host.StartSession(ctx, domain.StartSessionParams{
		SessionKey: childSessionKey,
		Prompt:     prompt,
		TimeoutMs:  timeoutMs,
		Deliver:    false,
	})
	if err != nil {
		return spawnResult{}, fmt.Errorf("op=usecase.spawn: start session: %w", err)
	}

	if err := l.host.RegisterSubagentRun(ctx, domain.RunRegistration{
		RunID:               runID,
		ChildSessionKey:     childSessionKey,
		RequesterSessionKey: req.DispatcherSessionKey,
		RequesterOrigin:     req.DispatcherOrigin,
		Label:               req.Label,
	}); err != nil {
		// The run is already alive; registration failure only loses the
		// announce route. Log and continue.
		slog.Error("announce registration failed",
			slog.String("run_id", runID),
			slog.Any("error", err))
	}

	return spawnResult{RunID: runID, SessionKey: childSessionKey, ChildDepth: childDepth}, nil
}

// resolveCallerDepth prefers the explicit dispatcher depth and falls back to
// a session-host lookup. An unknown session counts as depth 0.
func (l *Launcher) resolveCallerDepth(ctx context.Context, req spawnRequest) (int, error) {
	if req.DispatcherDepth != nil {
		return *req.DispatcherDepth, nil
	}
	if req.DispatcherSessionKey == "" {
		return 0, nil
	}
	d, err := l.host.SessionDepth(ctx, req.DispatcherSessionKey)
	if err != nil {
		slog.Debug("dispatcher depth lookup failed, assuming 0",
			slog.String("session_key", req.DispatcherSessionKey),
			slog.Any("error", err))
		return 0, nil
	}
	return d, nil
}

// checkFanOut rejects (recoverably) when the caller already has the maximum
// number of active children. The launch retries after backoff, by which time
// a child may have finished.
func (l *Launcher) checkFanOut(ctx context.Context, caller string) error {
	t := l.tracker()
	if t == nil {
		return nil
	}
	n, err := t.CountActiveChildren(ctx, caller)
	if err != nil {
		return fmt.Errorf("op=usecase.spawn: count active children: %w", err)
	}
	if n >= l.cfg.MaxChildrenPerAgent {
		return fmt.Errorf("op=usecase.spawn: agent %s has %d active children (max %d): %w",
			caller, n, l.cfg.MaxChildrenPerAgent, domain.ErrQueueFull)
	}
	return nil
}

func (l *Launcher) checkAllowlist(caller, target string) error {
	if caller == target {
		return nil
	}
	callerCfg, ok := l.agents.Get(caller)
	if !ok || !callerCfg.AllowsTarget(target) {
		return domain.NewUnrecoverable(fmt.Errorf(
			"op=usecase.spawn: agent %s may not dispatch to %s: %w",
			caller, target, domain.ErrForbidden))
	}
	return nil
}

// resolveModel applies the layered override chain: job > target-agent
// subagent settings > default subagent > default primary > platform default
// (empty string).
func (l *Launcher) resolveModel(req spawnRequest, targetCfg config.AgentConfig) (model, thinking string) {
	model = firstNonEmpty(req.Model, targetCfg.SubagentModel, l.cfg.DefaultSubagentModel, l.cfg.DefaultPrimaryModel)
	thinking = firstNonEmpty(req.ThinkingLevel, targetCfg.SubagentThinking, l.cfg.DefaultSubagentThinking)
	return model, thinking
}

// patchChildSession applies depth plus optional model/thinking in a single
// round-trip. A failure of the combined patch is retried once without the
// model field: a bad model override must not sink the whole launch.
func (l *Launcher) patchChildSession(ctx context.Context, sessionKey string, depth int, model, thinking string) error {
	patch := domain.SessionPatch{Depth: &depth, Model: model, ThinkingLevel: thinking}
	err := l.host.PatchSession(ctx, sessionKey, patch)
	if err == nil {
		return nil
	}
	if model == "" {
		return err
	}
	slog.Warn("session patch with model failed, retrying without model",
		slog.String("session_key", sessionKey),
		slog.String("model", model),
		slog.Any("error", err))
	patch.Model = ""
	return l.host.PatchSession(ctx, sessionKey, patch)
}

// buildSubagentPrompt assembles the child's system prompt from the task and
// optional extras.
func buildSubagentPrompt(req spawnRequest) string {
	var b strings.Builder
	b.WriteString("You are running as a subagent")
	if req.Label != "" {
		fmt.Fprintf(&b, " for task %q", req.Label)
	}
	fmt.Fprintf(&b, ", dispatched by %s.\n", req.Caller)
	b.WriteString("Complete the task below and report your result; delivery is handled for you.\n\n")
	if req.SystemPromptAddition != "" {
		b.WriteString(req.SystemPromptAddition)
		b.WriteString("\n\n")
	}
	b.WriteString(req.Task)
	return b.String()
}

func clampTimeout(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	if max := maxRunTimeout.Milliseconds(); ms > max {
		return max
	}
	return ms
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// Result status codes. Tool results never throw; errors are encoded here.
const (
	StatusQueued          = "queued"
	StatusPendingApproval = "pending_approval"
	StatusDispatched      = "dispatched"
	StatusError           = "error"
	StatusForbidden       = "forbidden"
	StatusNotFound        = "not_found"
	StatusRateLimited     = "rate_limited"
	StatusQueueFull       = "queue_full"
	StatusUnauthorized    = "unauthorized"
)

// fallbackSentinel prefixes the run id returned by the breaker's fallback
// path so the dispatcher can tell a tracked job from a direct spawn.
const fallbackSentinel = "__fallback__:"

var validate = validator.New()

// DispatchInput is the dispatch tool's parameter set. Length bounds count
// characters, not bytes.
type DispatchInput struct {
	Target               string   `json:"target" validate:"required"`
	Task                 string   `json:"task" validate:"required,max=50000"`
	Label                string   `json:"label,omitempty" validate:"max=200"`
	Project              string   `json:"project,omitempty" validate:"max=200"`
	Model                string   `json:"model,omitempty"`
	Thinking             string   `json:"thinking,omitempty"`
	RunTimeoutSeconds    int64    `json:"runTimeoutSeconds,omitempty" validate:"min=0"`
	Cleanup              string   `json:"cleanup,omitempty" validate:"omitempty,oneof=delete keep"`
	DependsOn            []string `json:"dependsOn,omitempty" validate:"max=20,dive,required"`
	SystemPromptAddition string   `json:"systemPromptAddition,omitempty"`
	Depth                *int     `json:"depth,omitempty"`
	StoreResult          bool     `json:"storeResult,omitempty"`
	RequiresApproval     bool     `json:"requiresApproval,omitempty"`
	Reason               string   `json:"reason,omitempty" validate:"max=500"`

	// Dispatcher context, filled by the host integration rather than the
	// calling agent.
	SessionKey string                  `json:"-"`
	Origin     domain.DispatcherOrigin `json:"-"`
}

// DispatchResult is the structured response every dispatch returns.
type DispatchResult struct {
	JobID          string `json:"jobId,omitempty"`
	Status         string `json:"status"`
	Target         string `json:"target,omitempty"`
	Fallback       bool   `json:"fallback,omitempty"`
	FallbackReason string `json:"fallbackReason,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Dispatcher validates and routes every dispatch: approval gating, rate
// limiting, queue-depth capping, then job creation behind the circuit
// breaker with a direct-spawn fallback.
type Dispatcher struct {
	cfg       config.Config
	agents    *config.AgentRegistry
	tracker   func() domain.JobTracker
	limiter   func() domain.RateLimiter
	breaker   *observability.Breaker
	launcher  *Launcher
	approvals *Approvals
}

// NewDispatcher wires the dispatch tool. tracker and limiter resolve lazily;
// nil results mean the store is unreachable and the fallback path applies.
func NewDispatcher(
	cfg config.Config,
	agents *config.AgentRegistry,
	tracker func() domain.JobTracker,
	limiter func() domain.RateLimiter,
	breaker *observability.Breaker,
	launcher *Launcher,
	approvals *Approvals,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		agents:    agents,
		tracker:   tracker,
		limiter:   limiter,
		breaker:   breaker,
		launcher:  launcher,
		approvals: approvals,
	}
}

// Dispatch runs the full routing sequence for one request. It never returns
// an error to the caller; failures are encoded in the result status.
func (d *Dispatcher) Dispatch(ctx context.Context, callerID string, in DispatchInput) DispatchResult {
	if err := validate.Struct(in); err != nil {
		return d.reject(callerID, in.Target, StatusError, validationMessage(err))
	}
	if res, rejected := d.authorize(callerID, in); rejected {
		return res
	}

	tracker := d.tracker()
	if tracker == nil {
		return d.directFallback(ctx, callerID, in, "store unavailable")
	}

	if in.RequiresApproval || !d.cfg.IsOrchestrator(callerID) {
		return d.routeToApproval(ctx, callerID, in)
	}

	if res, rejected := d.checkRateLimit(ctx, callerID, in.Target); rejected {
		return res
	}
	if res, rejected := d.checkQueueDepth(ctx, tracker, callerID, in.Target); rejected {
		return res
	}

	jobID, fell, err := observability.Execute(d.breaker,
		func() (string, error) {
			return tracker.CreateJob(ctx, d.createParams(callerID, in))
		},
		func(reason string) (string, error) {
			res, serr := d.launcher.SpawnDirect(ctx, spawnFromInput(callerID, in))
			if serr != nil {
				return "", fmt.Errorf("%s; fallback spawn: %w", reason, serr)
			}
			slog.Warn("dispatch served by direct-spawn fallback",
				slog.String("caller", callerID),
				slog.String("target", in.Target),
				slog.String("reason", reason))
			return fallbackSentinel + res.RunID, nil
		},
	)
	if err != nil {
		observability.DispatchesTotal.WithLabelValues(in.Target, "error").Inc()
		return d.reject(callerID, in.Target, StatusError, err.Error())
	}
	if fell || strings.HasPrefix(jobID, fallbackSentinel) {
		observability.DispatchesTotal.WithLabelValues(in.Target, "fallback").Inc()
		return DispatchResult{
			JobID:          syntheticFallbackID(),
			Status:         StatusDispatched,
			Target:         in.Target,
			Fallback:       true,
			FallbackReason: "job tracker unavailable, spawned directly",
		}
	}
	observability.DispatchesTotal.WithLabelValues(in.Target, "ok").Inc()
	slog.Info("job dispatched",
		slog.String("job_id", jobID),
		slog.String("caller", callerID),
		slog.String("target", in.Target))
	return DispatchResult{JobID: jobID, Status: StatusQueued, Target: in.Target}
}

// authorize applies the configuration and allowlist checks that precede any
// store access.
func (d *Dispatcher) authorize(callerID string, in DispatchInput) (DispatchResult, bool) {
	if _, ok := d.agents.Get(in.Target); !ok {
		return d.reject(callerID, in.Target, StatusNotFound,
			fmt.Sprintf("unknown target agent %q", in.Target)), true
	}
	if in.SystemPromptAddition != "" && !d.cfg.IsSystemAgent(callerID) {
		return d.reject(callerID, in.Target, StatusForbidden,
			"systemPromptAddition is restricted to system agents"), true
	}
	if callerID != in.Target {
		callerCfg, ok := d.agents.Get(callerID)
		if !ok || !callerCfg.AllowsTarget(in.Target) {
			return d.reject(callerID, in.Target, StatusForbidden,
				fmt.Sprintf("agent %s may not dispatch to %s", callerID, in.Target)), true
		}
	}
	return DispatchResult{}, false
}

func (d *Dispatcher) routeToApproval(ctx context.Context, callerID string, in DispatchInput) DispatchResult {
	if d.cfg.ApprovalChannelID == "" {
		// Without a notification channel the record would be an orphan
		// nobody can ever approve. Reject instead.
		return d.reject(callerID, in.Target, StatusError,
			"approval required but no approval channel is configured")
	}
	id, err := d.approvals.CreateFromDispatch(ctx, callerID, in)
	if err != nil {
		return d.reject(callerID, in.Target, StatusError, err.Error())
	}
	observability.DispatchesTotal.WithLabelValues(in.Target, "pending_approval").Inc()
	return DispatchResult{JobID: id, Status: StatusPendingApproval, Target: in.Target}
}

// checkRateLimit increments the caller's windowed counter and rejects past
// the cap. Store errors make the check advisory: limits are soft by design.
func (d *Dispatcher) checkRateLimit(ctx context.Context, callerID, target string) (DispatchResult, bool) {
	limiter := d.limiter()
	if limiter == nil || d.cfg.DispatchesPerMinute <= 0 {
		return DispatchResult{}, false
	}
	count, err := limiter.IncrDispatchCount(ctx, callerID)
	if err != nil {
		slog.Warn("rate limit check unavailable", slog.Any("error", err))
		return DispatchResult{}, false
	}
	if count > int64(d.cfg.DispatchesPerMinute) {
		return d.reject(callerID, target, StatusRateLimited,
			fmt.Sprintf("Rate limit exceeded: %d/%d dispatches this minute",
				count, d.cfg.DispatchesPerMinute)), true
	}
	return DispatchResult{}, false
}

func (d *Dispatcher) checkQueueDepth(ctx context.Context, tracker domain.JobTracker, callerID, target string) (DispatchResult, bool) {
	depth, err := tracker.QueueDepth(ctx, target)
	if err != nil {
		slog.Warn("queue depth check unavailable", slog.Any("error", err))
		return DispatchResult{}, false
	}
	if depth >= d.cfg.MaxQueueDepth {
		return d.reject(callerID, target, StatusQueueFull,
			fmt.Sprintf("queue for %s is full (%d/%d)", target, depth, d.cfg.MaxQueueDepth)), true
	}
	return DispatchResult{}, false
}

// directFallback serves a dispatch when no tracker exists at all (store
// never came up). The synthetic job id tells the caller tracking is off.
func (d *Dispatcher) directFallback(ctx context.Context, callerID string, in DispatchInput, reason string) DispatchResult {
	res, err := d.launcher.SpawnDirect(ctx, spawnFromInput(callerID, in))
	if err != nil {
		observability.DispatchesTotal.WithLabelValues(in.Target, "error").Inc()
		return d.reject(callerID, in.Target, StatusError, err.Error())
	}
	observability.DispatchesTotal.WithLabelValues(in.Target, "fallback").Inc()
	slog.Warn("dispatch served without store",
		slog.String("caller", callerID),
		slog.String("target", in.Target),
		slog.String("run_id", res.RunID))
	return DispatchResult{
		JobID:          syntheticFallbackID(),
		Status:         StatusDispatched,
		Target:         in.Target,
		Fallback:       true,
		FallbackReason: reason,
	}
}

func (d *Dispatcher) createParams(callerID string, in DispatchInput) domain.CreateJobParams {
	return domain.CreateJobParams{
		Target:               in.Target,
		Task:                 in.Task,
		DispatchedBy:         callerID,
		Project:              in.Project,
		Label:                in.Label,
		Model:                in.Model,
		ThinkingLevel:        in.Thinking,
		SystemPromptAddition: in.SystemPromptAddition,
		Cleanup:              coerceCleanup(in.Cleanup),
		DependsOn:            in.DependsOn,
		TimeoutMs:            in.RunTimeoutSeconds * 1000,
		StoreResult:          in.StoreResult,
		DispatcherSessionKey: in.SessionKey,
		DispatcherAgentID:    callerID,
		DispatcherDepth:      in.Depth,
		DispatcherOrigin:     in.Origin,
	}
}

func (d *Dispatcher) reject(callerID, target, status, msg string) DispatchResult {
	slog.Info("dispatch rejected",
		slog.String("caller", callerID),
		slog.String("target", target),
		slog.String("status", status),
		slog.String("reason", msg))
	return DispatchResult{Status: status, Error: msg}
}

func spawnFromInput(callerID string, in DispatchInput) spawnRequest {
	return spawnRequest{
		Caller:               callerID,
		Target:               in.Target,
		Task:                 in.Task,
		Label:                in.Label,
		Model:                in.Model,
		ThinkingLevel:        in.Thinking,
		SystemPromptAddition: in.SystemPromptAddition,
		TimeoutMs:            in.RunTimeoutSeconds * 1000,
		DispatcherSessionKey: in.SessionKey,
		DispatcherDepth:      in.Depth,
		DispatcherOrigin:     in.Origin,
	}
}

func syntheticFallbackID() string {
	return fmt.Sprintf("fallback-%d", time.Now().UnixMilli())
}

func coerceCleanup(s string) domain.CleanupMode {
	if s == string(domain.CleanupKeep) {
		return domain.CleanupKeep
	}
	return domain.CleanupDelete
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
		return strings.Join(parts, "; ")
	}
	return err.Error()
}

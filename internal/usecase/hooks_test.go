package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/notify"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/sessionhost"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

type hooksEnv struct {
	tracker *fakeTracker
	host    *sessionhost.Fake
	sender  *sessionhost.FakeSender
	hooks   *Hooks
}

func newHooksEnv(t *testing.T) *hooksEnv {
	t.Helper()
	env := &hooksEnv{
		tracker: newFakeTracker(),
		host:    sessionhost.NewFake(),
		sender:  &sessionhost.FakeSender{},
	}
	cfg := testConfig()
	cfg.DLQAlertChannelID = "chan-dlq"
	env.hooks = NewHooks(cfg, trackerFn(env.tracker), env.host,
		notify.NewAlerter(env.sender, cfg.DLQAlertChannelID))
	return env
}

// activeJob seeds a job in active status with its session linkage, the state
// a launched job is in when its end event arrives.
func (env *hooksEnv) activeJob(t *testing.T, id, sessionKey string, mutate func(*domain.CreateJobParams)) domain.Job {
	t.Helper()
	ctx := context.Background()
	p := domain.CreateJobParams{
		JobID:                id,
		Target:               "jarvis",
		Task:                 "do the thing",
		DispatchedBy:         "main",
		DispatcherSessionKey: "agent:main:main",
	}
	if mutate != nil {
		mutate(&p)
	}
	_, err := env.tracker.CreateJob(ctx, p)
	require.NoError(t, err)
	require.NoError(t, env.tracker.UpdateJobStatus(ctx, id, domain.JobActive, domain.StatusExtras{
		OpenclawSessionKey: sessionKey,
		StartedAt:          time.Now().UTC(),
	}))
	return env.tracker.job(t, id)
}

func TestHooks_AgentEnd_Completed(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	key := "agent:jarvis:subagent:ok"
	env.activeJob(t, "j1", key, nil)

	env.hooks.AgentEnd(context.Background(), AgentEndEvent{SessionKey: key, Success: true})

	job := env.tracker.job(t, "j1")
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.False(t, job.CompletedAt.IsZero())
	assert.Empty(t, job.Result, "result capture is opt-in")
}

func TestHooks_AgentEnd_CapturesTruncatedResult(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	key := "agent:jarvis:subagent:res"
	env.activeJob(t, "j1", key, func(p *domain.CreateJobParams) { p.StoreResult = true })

	long := strings.Repeat("r", domain.MaxResultChars+100)
	env.host.Histories[key] = []domain.SessionMessage{
		{Role: "user", Content: "task"},
		{Role: "assistant", Content: "working on it"},
		{Role: "assistant", Content: long},
	}

	env.hooks.AgentEnd(context.Background(), AgentEndEvent{SessionKey: key, Success: true})

	job := env.tracker.job(t, "j1")
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Len(t, []rune(job.Result), domain.MaxResultChars)
	assert.True(t, strings.HasSuffix(job.Result, "…"))
}

func TestHooks_AgentEnd_FailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	key := "agent:jarvis:subagent:f1"
	env.activeJob(t, "j1", key, nil)

	env.hooks.AgentEnd(context.Background(), AgentEndEvent{
		SessionKey: key, Success: false, Error: "tool crashed",
	})

	job := env.tracker.job(t, "j1")
	assert.Equal(t, domain.JobRetrying, job.Status)
	assert.Equal(t, "tool crashed", job.Error)
	require.NotEmpty(t, job.RetriedByJobID)

	require.Len(t, env.tracker.created, 2) // original + retry
	retry := env.tracker.created[1]
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, "j1", retry.OriginalJobID)
	assert.Equal(t, 5*time.Minute, retry.Delay)
	assert.Equal(t, job.RetriedByJobID, retry.JobID)
}

func TestHooks_AgentEnd_RetryDelayDoubles(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	key := "agent:jarvis:subagent:f2"
	env.activeJob(t, "j2", key, func(p *domain.CreateJobParams) {
		p.RetryCount = 1
		p.OriginalJobID = "j1"
	})
	// CreateJob leaves the record queued; force it active for the event.
	require.NoError(t, env.tracker.UpdateJobStatus(context.Background(), "j2", domain.JobActive, domain.StatusExtras{
		OpenclawSessionKey: key,
	}))

	env.hooks.AgentEnd(context.Background(), AgentEndEvent{SessionKey: key, Success: false, Error: "boom"})

	retry := env.tracker.created[len(env.tracker.created)-1]
	assert.Equal(t, 2, retry.RetryCount)
	assert.Equal(t, 10*time.Minute, retry.Delay)
	assert.Equal(t, "j1", retry.OriginalJobID, "the chain keeps pointing at its root")
}

func TestHooks_AgentEnd_PermanentFailureNotifiesAndAlerts(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	key := "agent:jarvis:subagent:f3"
	env.activeJob(t, "j3", key, func(p *domain.CreateJobParams) {
		p.RetryCount = 2 // attempts exhausted (3 total)
		p.OriginalJobID = "j1"
		p.Label = "deploy run"
	})

	env.hooks.AgentEnd(context.Background(), AgentEndEvent{SessionKey: key, Success: false, Error: "still broken"})

	job := env.tracker.job(t, "j3")
	assert.Equal(t, domain.JobFailedPermanent, job.Status)
	require.Len(t, env.tracker.created, 1, "no further retry is enqueued")

	// Dispatcher session gets the sanitized notice.
	notices := env.host.Sent["agent:main:main"]
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "deploy run")
	assert.Contains(t, notices[0], "failed permanently after 3 attempts")

	// The operator channel gets the redacted DLQ alert.
	require.Len(t, env.sender.Messages, 1)
	alert := env.sender.Messages[0]
	assert.Equal(t, "chan-dlq", alert.Target)
	assert.Equal(t, "dlq:j3", alert.IdempotencyKey)
	assert.Contains(t, alert.Content, "still broken")
}

func TestHooks_AgentEnd_IgnoresUnknownAndSettledSessions(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	ctx := context.Background()

	env.hooks.AgentEnd(ctx, AgentEndEvent{SessionKey: "agent:jarvis:subagent:ghost", Success: true})
	assert.Empty(t, env.tracker.created)

	// A duplicate event after completion must not touch the record.
	key := "agent:jarvis:subagent:done"
	env.activeJob(t, "j1", key, nil)
	env.hooks.AgentEnd(ctx, AgentEndEvent{SessionKey: key, Success: true})
	env.hooks.AgentEnd(ctx, AgentEndEvent{SessionKey: key, Success: false, Error: "late"})

	job := env.tracker.job(t, "j1")
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Empty(t, job.Error)
}

func TestHooks_AfterToolCall_TracksDirectSpawn(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	ctx := context.Background()

	env.hooks.AfterToolCall(ctx, ToolCallEvent{
		ToolName:        "sessions_spawn",
		CallerAgentID:   "main",
		Target:          "jarvis",
		Task:            "untracked work",
		RunID:           "run-1",
		ChildSessionKey: "agent:jarvis:subagent:direct",
	})

	job, err := env.tracker.FindJobBySessionKey(ctx, "agent:jarvis:subagent:direct")
	require.NoError(t, err)
	assert.Equal(t, domain.JobActive, job.Status)
	assert.Equal(t, "run-1", job.OpenclawRunID)
	assert.Equal(t, "main", job.DispatchedBy)
}

func TestHooks_AfterToolCall_SkipsTrackedAndForeign(t *testing.T) {
	t.Parallel()
	env := newHooksEnv(t)
	ctx := context.Background()

	// Already tracked by the dispatch path: no duplicate record.
	key := "agent:jarvis:subagent:known"
	env.activeJob(t, "j1", key, nil)
	before := len(env.tracker.jobs)
	env.hooks.AfterToolCall(ctx, ToolCallEvent{
		ToolName: "sessions_spawn", Target: "jarvis", RunID: "run-2", ChildSessionKey: key,
	})
	assert.Len(t, env.tracker.jobs, before)

	// Other tools and runless events are ignored.
	env.hooks.AfterToolCall(ctx, ToolCallEvent{ToolName: "sessions_send", RunID: "run-3"})
	env.hooks.AfterToolCall(ctx, ToolCallEvent{ToolName: "sessions_spawn"})
	assert.Len(t, env.tracker.jobs, before)
}

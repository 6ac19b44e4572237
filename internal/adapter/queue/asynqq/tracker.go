package asynqq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// Tracker owns the queue clients, the job records and both indexes. It
// implements domain.JobTracker.
type Tracker struct {
	store     *redisstore.Store
	client    *asynq.Client
	inspector *asynq.Inspector
	agents    []string
}

// NewTracker builds a tracker over the shared store and queue connection.
// agents lists every configured agent id (one queue each).
func NewTracker(store *redisstore.Store, opt asynq.RedisClientOpt, agents []string) *Tracker {
	return &Tracker{
		store:     store,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		agents:    agents,
	}
}

// Close releases the queue connections. The shared store is closed by its
// owner.
func (t *Tracker) Close() error {
	ierr := t.inspector.Close()
	cerr := t.client.Close()
	if cerr != nil {
		return cerr
	}
	return ierr
}

// CreateJob persists the record and enqueues the launch. The jobId doubles
// as the queue-level idempotency key: re-dispatching an existing id is a
// no-op that returns the same id. Jobs with dependencies are not enqueued
// directly; one gate task per dependency goes on the dep-gates queue and the
// last resolved gate releases the parent.
func (t *Tracker) CreateJob(ctx context.Context, p domain.CreateJobParams) (string, error) {
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	if p.Target == "" {
		return "", fmt.Errorf("op=asynqq.CreateJob: missing target: %w", domain.ErrInvalidArgument)
	}
	queueName := redisstore.QueueName(p.Target)

	if len(p.DependsOn) > 0 {
		// Single-level chains only: every referenced job must already exist.
		for _, dep := range p.DependsOn {
			if _, err := t.store.LookupJobQueue(ctx, dep); err != nil {
				return "", fmt.Errorf("op=asynqq.CreateJob: dependency %s: %w", dep, domain.ErrNotFound)
			}
		}
	}

	now := time.Now().UTC()
	job := domain.Job{
		JobID:                p.JobID,
		OriginalJobID:        p.OriginalJobID,
		Target:               p.Target,
		Task:                 p.Task,
		DispatchedBy:         p.DispatchedBy,
		Project:              p.Project,
		Label:                p.Label,
		Model:                p.Model,
		ThinkingLevel:        p.ThinkingLevel,
		SystemPromptAddition: p.SystemPromptAddition,
		Cleanup:              p.Cleanup,
		DependsOn:            p.DependsOn,
		Status:               domain.JobQueued,
		QueuedAt:             now,
		DispatcherSessionKey: p.DispatcherSessionKey,
		DispatcherAgentID:    p.DispatcherAgentID,
		DispatcherDepth:      p.DispatcherDepth,
		DispatcherOrigin:     p.DispatcherOrigin,
		TimeoutMs:            p.TimeoutMs,
		RetryCount:           p.RetryCount,
		StoreResult:          p.StoreResult,
	}
	if err := t.store.SaveJob(ctx, job); err != nil {
		return "", err
	}
	if err := t.store.IndexJob(ctx, p.JobID, queueName); err != nil {
		return "", err
	}

	if len(p.DependsOn) > 0 {
		if err := t.store.InitPendingGates(ctx, p.JobID, len(p.DependsOn)); err != nil {
			return "", err
		}
		for _, dep := range p.DependsOn {
			if err := t.enqueueGate(ctx, dep, p.JobID, p.Target); err != nil {
				return "", err
			}
		}
		slog.Info("job gated on dependencies",
			slog.String("job_id", p.JobID),
			slog.Int("dependencies", len(p.DependsOn)))
		return p.JobID, nil
	}

	if err := t.EnqueueLaunch(ctx, p.JobID, queueName, p.Delay); err != nil {
		return "", err
	}
	return p.JobID, nil
}

// EnqueueLaunch places the launch task on an agent queue. Duplicate task ids
// are treated as success (idempotent creation).
func (t *Tracker) EnqueueLaunch(ctx context.Context, jobID, queueName string, delay time.Duration) error {
	b, _ := json.Marshal(launchPayload{JobID: jobID})
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(launchAttempts - 1),
		asynq.Timeout(launchTimeout),
		asynq.Retention(completedTaskRetention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err := t.client.EnqueueContext(ctx, asynq.NewTask(taskLaunch, b), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Debug("duplicate launch enqueue ignored", slog.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=asynqq.EnqueueLaunch: %w", err)
	}
	return nil
}

func (t *Tracker) enqueueGate(ctx context.Context, depJobID, parentJobID, parentTarget string) error {
	b, _ := json.Marshal(depGatePayload{
		DependencyJobID: depJobID,
		ParentJobID:     parentJobID,
		ParentTarget:    parentTarget,
	})
	_, err := t.client.EnqueueContext(ctx, asynq.NewTask(taskDepGate, b),
		asynq.Queue(redisstore.DepGatesQueue),
		asynq.TaskID(parentJobID+":"+depJobID),
		asynq.MaxRetry(launchAttempts-1),
		asynq.Timeout(depGateTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=asynqq.enqueueGate: %w", err)
	}
	return nil
}

// UpdateJobStatus applies a transition to the record. Index miss triggers no
// failure here because records are keyed directly; the index is repaired
// when a lookup finds it missing.
func (t *Tracker) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, extras domain.StatusExtras) error {
	_, err := t.store.UpdateJobStatus(ctx, jobID, status, extras)
	return err
}

// FindJobByRunID loads a record by job id, repairing a missing index entry
// on the way.
func (t *Tracker) FindJobByRunID(ctx context.Context, jobID string) (domain.Job, error) {
	j, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if _, ierr := t.store.LookupJobQueue(ctx, jobID); errors.Is(ierr, domain.ErrNotFound) {
		if rerr := t.store.IndexJob(ctx, jobID, redisstore.QueueName(j.Target)); rerr == nil {
			slog.Warn("repaired missing job index entry", slog.String("job_id", jobID))
		}
	}
	return j, nil
}

// FindJobBySessionKey resolves the reverse index, falling back to a record
// scan with index repair when the entry is stale or missing.
func (t *Tracker) FindJobBySessionKey(ctx context.Context, sessionKey string) (domain.Job, error) {
	jobID, _, err := t.store.LookupSession(ctx, sessionKey)
	if err == nil {
		j, gerr := t.store.GetJob(ctx, jobID)
		if gerr == nil {
			return j, nil
		}
		// Stale entry pointing at a pruned record.
		_ = t.store.RemoveSessionIndex(ctx, sessionKey)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Job{}, err
	}

	// Scan fallback: walk the job index and repair the reverse entry.
	entries, err := t.store.JobIndexEntries(ctx)
	if err != nil {
		return domain.Job{}, err
	}
	for id, queueName := range entries {
		j, gerr := t.store.GetJob(ctx, id)
		if gerr != nil {
			continue
		}
		if j.OpenclawSessionKey == sessionKey {
			if rerr := t.store.IndexSession(ctx, sessionKey, id, queueName); rerr == nil {
				slog.Warn("repaired missing session index entry",
					slog.String("session_key", sessionKey),
					slog.String("job_id", id))
			}
			return j, nil
		}
	}
	return domain.Job{}, fmt.Errorf("op=asynqq.FindJobBySessionKey: session %s: %w", sessionKey, domain.ErrNotFound)
}

// IndexJobBySessionKey writes the reverse index once the worker learns the
// child session key.
func (t *Tracker) IndexJobBySessionKey(ctx context.Context, sessionKey, jobID, queueName string) error {
	return t.store.IndexSession(ctx, sessionKey, jobID, queueName)
}

// ListJobs returns records matching the filter, newest first.
func (t *Tracker) ListJobs(ctx context.Context, f domain.ListFilter) ([]domain.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	entries, err := t.store.JobIndexEntries(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(entries))
	for id := range entries {
		j, gerr := t.store.GetJob(ctx, id)
		if gerr != nil {
			continue
		}
		if f.Agent != "" && j.Target != f.Agent {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Project != "" && j.Project != f.Project {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].QueuedAt.After(jobs[k].QueuedAt) })
	if len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

// GetQueueStats returns per-queue counters. Empty agentID covers every
// configured agent.
func (t *Tracker) GetQueueStats(ctx context.Context, agentID string) ([]domain.QueueStats, error) {
	agents := t.agents
	if agentID != "" {
		agents = []string{agentID}
	}
	out := make([]domain.QueueStats, 0, len(agents))
	for _, a := range agents {
		info, err := t.inspector.GetQueueInfo(redisstore.QueueName(a))
		if err != nil {
			// A queue materializes on first enqueue; absent means empty.
			out = append(out, domain.QueueStats{Agent: a})
			continue
		}
		out = append(out, domain.QueueStats{
			Agent:     a,
			Waiting:   info.Pending,
			Active:    info.Active,
			Completed: info.Completed,
			Failed:    info.Archived,
			Delayed:   info.Scheduled + info.Retry,
			Paused:    boolToInt(info.Paused),
		})
	}
	_ = ctx
	return out, nil
}

// QueueDepth counts wait+delayed+active for the target queue, the number the
// dispatch cap compares against.
func (t *Tracker) QueueDepth(ctx context.Context, agentID string) (int, error) {
	_ = ctx
	info, err := t.inspector.GetQueueInfo(redisstore.QueueName(agentID))
	if err != nil {
		return 0, nil // queue not created yet
	}
	return info.Pending + info.Scheduled + info.Retry + info.Active, nil
}

// TrackExternalLaunch records a job that was already spawned outside the
// queue (direct sessions_spawn path). The record starts active with the
// linkage filled in; no launch task is enqueued.
func (t *Tracker) TrackExternalLaunch(ctx context.Context, p domain.CreateJobParams, runID, sessionKey string) (string, error) {
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	if p.Target == "" {
		return "", fmt.Errorf("op=asynqq.TrackExternalLaunch: missing target: %w", domain.ErrInvalidArgument)
	}
	queueName := redisstore.QueueName(p.Target)
	now := time.Now().UTC()
	job := domain.Job{
		JobID:                p.JobID,
		Target:               p.Target,
		Task:                 p.Task,
		DispatchedBy:         p.DispatchedBy,
		Project:              p.Project,
		Label:                p.Label,
		Status:               domain.JobActive,
		QueuedAt:             now,
		StartedAt:            now,
		DispatcherSessionKey: p.DispatcherSessionKey,
		DispatcherAgentID:    p.DispatcherAgentID,
		DispatcherDepth:      p.DispatcherDepth,
		DispatcherOrigin:     p.DispatcherOrigin,
		OpenclawRunID:        runID,
		OpenclawSessionKey:   sessionKey,
		StoreResult:          p.StoreResult,
	}
	if err := t.store.SaveJob(ctx, job); err != nil {
		return "", err
	}
	if err := t.store.IndexJob(ctx, p.JobID, queueName); err != nil {
		return "", err
	}
	if sessionKey != "" {
		if err := t.store.IndexSession(ctx, sessionKey, p.JobID, queueName); err != nil {
			return "", err
		}
	}
	slog.Info("tracking externally launched job",
		slog.String("job_id", p.JobID),
		slog.String("target", p.Target))
	return p.JobID, nil
}

// CountActiveChildren counts the agent's currently active dispatched jobs.
func (t *Tracker) CountActiveChildren(ctx context.Context, agentID string) (int, error) {
	return t.store.CountActiveChildren(ctx, agentID)
}

// PendingGates reports unresolved dependency gates for a job.
func (t *Tracker) PendingGates(ctx context.Context, jobID string) (int, error) {
	return t.store.PendingGates(ctx, jobID)
}

// CleanupStaleIndexEntries scans both indexes and removes entries whose
// underlying job is gone. Processes in batches of 50 so a sweep never turns
// into one long-running operation.
func (t *Tracker) CleanupStaleIndexEntries(ctx context.Context) (int, error) {
	const batchSize = 50
	pruned := 0

	entries, err := t.store.JobIndexEntries(ctx)
	if err != nil {
		return 0, err
	}
	batch := 0
	for jobID := range entries {
		if _, gerr := t.store.GetJob(ctx, jobID); errors.Is(gerr, domain.ErrNotFound) {
			if derr := t.store.RemoveJobIndex(ctx, jobID); derr == nil {
				pruned++
			}
		}
		batch++
		if batch%batchSize == 0 {
			if ctx.Err() != nil {
				return pruned, ctx.Err()
			}
		}
	}

	sessions, err := t.store.SessionIndexEntries(ctx)
	if err != nil {
		return pruned, err
	}
	batch = 0
	for sessionKey, raw := range sessions {
		var e struct {
			JobID string `json:"jobId"`
		}
		if uerr := json.Unmarshal([]byte(raw), &e); uerr != nil {
			if derr := t.store.RemoveSessionIndex(ctx, sessionKey); derr == nil {
				pruned++
			}
			continue
		}
		if _, gerr := t.store.GetJob(ctx, e.JobID); errors.Is(gerr, domain.ErrNotFound) {
			if derr := t.store.RemoveSessionIndex(ctx, sessionKey); derr == nil {
				pruned++
			}
		}
		batch++
		if batch%batchSize == 0 {
			if ctx.Err() != nil {
				return pruned, ctx.Err()
			}
		}
	}
	if pruned > 0 {
		observability.StaleIndexPrunedTotal.Add(float64(pruned))
	}
	return pruned, nil
}

// RetryFailedTask re-enqueues an archived launch task. Operator CLI support.
func (t *Tracker) RetryFailedTask(queueName, jobID string) error {
	if err := t.inspector.RunTask(queueName, jobID); err != nil {
		return fmt.Errorf("op=asynqq.RetryFailedTask: %w", err)
	}
	return nil
}

// DrainQueue deletes every pending task on an agent's queue.
func (t *Tracker) DrainQueue(agentID string) (int, error) {
	n, err := t.inspector.DeleteAllPendingTasks(redisstore.QueueName(agentID))
	if err != nil {
		return 0, fmt.Errorf("op=asynqq.DrainQueue: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// Retention for terminal job records. The queue engine prunes its own task
// metadata separately; these TTLs bound the authoritative record store.
const (
	completedRetention = 7 * 24 * time.Hour
	failedRetention    = 30 * 24 * time.Hour
)

type sessionIndexEntry struct {
	JobID     string `json:"jobId"`
	QueueName string `json:"queueName"`
}

// SaveJob writes the full job record.
func (s *Store) SaveJob(ctx context.Context, j domain.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=redisstore.SaveJob: %w", err)
	}
	if err := s.rdb.Set(ctx, keyJobPrefix+j.JobID, b, 0).Err(); err != nil {
		return fmt.Errorf("op=redisstore.SaveJob: %w", err)
	}
	return nil
}

// GetJob loads one job record.
func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	b, err := s.rdb.Get(ctx, keyJobPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, fmt.Errorf("op=redisstore.GetJob: job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.GetJob: %w", err)
	}
	var j domain.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return domain.Job{}, fmt.Errorf("op=redisstore.GetJob: decode %s: %w", jobID, err)
	}
	return j, nil
}

// DeleteJob removes a record. Used only by stale-index repair paths.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, keyJobPrefix+jobID).Err()
}

// UpdateJobStatus applies a status transition plus extras to the record.
// Idempotent: re-applying the current status is a no-op write. Illegal
// transitions are rejected with ErrConflict. Completed and failed statuses
// arm the retention TTL and maintain the active-children set.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, extras domain.StatusExtras) (domain.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !j.Status.CanTransition(status) {
		return domain.Job{}, fmt.Errorf("op=redisstore.UpdateJobStatus: %s -> %s for job %s: %w",
			j.Status, status, jobID, domain.ErrConflict)
	}
	prev := j.Status
	j.Status = status
	if extras.Error != "" {
		j.Error = extras.Error
	}
	if extras.Result != "" {
		j.Result = extras.Result
	}
	if extras.OpenclawRunID != "" {
		j.OpenclawRunID = extras.OpenclawRunID
	}
	if extras.OpenclawSessionKey != "" {
		j.OpenclawSessionKey = extras.OpenclawSessionKey
	}
	if extras.RetriedByJobID != "" {
		j.RetriedByJobID = extras.RetriedByJobID
	}
	if !extras.StartedAt.IsZero() {
		j.StartedAt = extras.StartedAt
	}
	if !extras.CompletedAt.IsZero() {
		j.CompletedAt = extras.CompletedAt
	}
	if err := s.SaveJob(ctx, j); err != nil {
		return domain.Job{}, err
	}

	// Active-children bookkeeping for the fan-out cap.
	wasRunning := prev == domain.JobActive || prev == domain.JobAnnouncing
	isRunning := status == domain.JobActive || status == domain.JobAnnouncing
	if isRunning && !wasRunning {
		_ = s.rdb.SAdd(ctx, keyActiveChildren+j.DispatchedBy, jobID).Err()
	} else if wasRunning && !isRunning {
		_ = s.rdb.SRem(ctx, keyActiveChildren+j.DispatchedBy, jobID).Err()
	}

	// SaveJob rewrites the key without a TTL, so every failed-family
	// transition re-arms retention. failed and retrying records are part of
	// a settled chain too: without a TTL they would accumulate forever.
	switch status {
	case domain.JobCompleted:
		_ = s.rdb.Expire(ctx, keyJobPrefix+jobID, completedRetention).Err()
	case domain.JobFailed, domain.JobRetrying, domain.JobFailedPermanent:
		_ = s.rdb.Expire(ctx, keyJobPrefix+jobID, failedRetention).Err()
	}
	return j, nil
}

// IndexJob writes the jobId -> queueName index entry.
func (s *Store) IndexJob(ctx context.Context, jobID, queueName string) error {
	if err := s.rdb.HSet(ctx, keyJobIndex, jobID, queueName).Err(); err != nil {
		return fmt.Errorf("op=redisstore.IndexJob: %w", err)
	}
	return nil
}

// LookupJobQueue resolves a jobId to its queue via the index.
func (s *Store) LookupJobQueue(ctx context.Context, jobID string) (string, error) {
	q, err := s.rdb.HGet(ctx, keyJobIndex, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("op=redisstore.LookupJobQueue: job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=redisstore.LookupJobQueue: %w", err)
	}
	return q, nil
}

// RemoveJobIndex deletes a jobId index entry.
func (s *Store) RemoveJobIndex(ctx context.Context, jobID string) error {
	return s.rdb.HDel(ctx, keyJobIndex, jobID).Err()
}

// JobIndexEntries returns the whole jobId -> queueName index. The index is
// bounded by retention, so a full read is acceptable for sweeps and scans.
func (s *Store) JobIndexEntries(ctx context.Context) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, keyJobIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.JobIndexEntries: %w", err)
	}
	return m, nil
}

// IndexSession writes the sessionKey -> {jobId, queueName} reverse index.
func (s *Store) IndexSession(ctx context.Context, sessionKey, jobID, queueName string) error {
	b, _ := json.Marshal(sessionIndexEntry{JobID: jobID, QueueName: queueName})
	if err := s.rdb.HSet(ctx, keySessionIndex, sessionKey, b).Err(); err != nil {
		return fmt.Errorf("op=redisstore.IndexSession: %w", err)
	}
	return nil
}

// LookupSession resolves a session key to its job id and queue.
func (s *Store) LookupSession(ctx context.Context, sessionKey string) (jobID, queueName string, err error) {
	b, err := s.rdb.HGet(ctx, keySessionIndex, sessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", "", fmt.Errorf("op=redisstore.LookupSession: session %s: %w", sessionKey, domain.ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("op=redisstore.LookupSession: %w", err)
	}
	var e sessionIndexEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return "", "", fmt.Errorf("op=redisstore.LookupSession: decode: %w", err)
	}
	return e.JobID, e.QueueName, nil
}

// RemoveSessionIndex deletes a sessionKey index entry.
func (s *Store) RemoveSessionIndex(ctx context.Context, sessionKey string) error {
	return s.rdb.HDel(ctx, keySessionIndex, sessionKey).Err()
}

// SessionIndexEntries returns the whole session index for sweeps.
func (s *Store) SessionIndexEntries(ctx context.Context) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, keySessionIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.SessionIndexEntries: %w", err)
	}
	return m, nil
}

// CountActiveChildren returns how many of agentID's dispatched jobs are
// currently active.
func (s *Store) CountActiveChildren(ctx context.Context, agentID string) (int, error) {
	n, err := s.rdb.SCard(ctx, keyActiveChildren+agentID).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.CountActiveChildren: %w", err)
	}
	return int(n), nil
}

// InitPendingGates arms the gate countdown for a parent job.
func (s *Store) InitPendingGates(ctx context.Context, jobID string, n int) error {
	if err := s.rdb.Set(ctx, keyJobPrefix+jobID+":pending-gates", n, 0).Err(); err != nil {
		return fmt.Errorf("op=redisstore.InitPendingGates: %w", err)
	}
	return nil
}

// PendingGates returns the number of unresolved gates for a parent job; zero
// when the key is absent.
func (s *Store) PendingGates(ctx context.Context, jobID string) (int, error) {
	n, err := s.rdb.Get(ctx, keyJobPrefix+jobID+":pending-gates").Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.PendingGates: %w", err)
	}
	return n, nil
}

// DecrPendingGates atomically decrements the gate countdown, returning the
// remaining count. At zero the key is removed and the parent may launch.
func (s *Store) DecrPendingGates(ctx context.Context, jobID string) (int, error) {
	res, err := s.gateDecr.Run(ctx, s.rdb, []string{keyJobPrefix + jobID + ":pending-gates"}).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.DecrPendingGates: %w", err)
	}
	return int(res), nil
}

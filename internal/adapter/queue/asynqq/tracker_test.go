package asynqq_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

func newTestTracker(t *testing.T, agents ...string) (*asynqq.Tracker, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.New(rdb, redisstore.Options{})
	tr := asynqq.NewTracker(store, asynq.RedisClientOpt{Addr: mr.Addr()}, agents)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, store
}

// seedJob writes a record and its index directly through the store, the state
// a launched job leaves behind.
func seedJob(t *testing.T, s *redisstore.Store, j domain.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveJob(ctx, j))
	require.NoError(t, s.IndexJob(ctx, j.JobID, redisstore.QueueName(j.Target)))
}

func TestTracker_ListJobs(t *testing.T) {
	t.Parallel()
	tr, s := newTestTracker(t, "jarvis", "codex")
	ctx := context.Background()

	base := time.Now().UTC()
	seedJob(t, s, domain.Job{JobID: "j1", Target: "jarvis", DispatchedBy: "main", Status: domain.JobQueued, QueuedAt: base})
	seedJob(t, s, domain.Job{JobID: "j2", Target: "jarvis", DispatchedBy: "main", Status: domain.JobCompleted, QueuedAt: base.Add(time.Minute)})
	seedJob(t, s, domain.Job{JobID: "j3", Target: "codex", DispatchedBy: "main", Project: "deploys", Status: domain.JobQueued, QueuedAt: base.Add(2 * time.Minute)})

	jobs, err := tr.ListJobs(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	// Newest first.
	assert.Equal(t, "j3", jobs[0].JobID)
	assert.Equal(t, "j1", jobs[2].JobID)

	jobs, err = tr.ListJobs(ctx, domain.ListFilter{Agent: "jarvis"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = tr.ListJobs(ctx, domain.ListFilter{Status: domain.JobCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j2", jobs[0].JobID)

	jobs, err = tr.ListJobs(ctx, domain.ListFilter{Project: "deploys"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j3", jobs[0].JobID)

	jobs, err = tr.ListJobs(ctx, domain.ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j3", jobs[0].JobID)
}

func TestTracker_FindJobBySessionKey_RepairsIndex(t *testing.T) {
	t.Parallel()
	tr, s := newTestTracker(t, "jarvis")
	ctx := context.Background()

	key := "agent:jarvis:subagent:abc"
	seedJob(t, s, domain.Job{
		JobID:              "j1",
		Target:             "jarvis",
		DispatchedBy:       "main",
		Status:             domain.JobActive,
		QueuedAt:           time.Now().UTC(),
		OpenclawSessionKey: key,
	})

	// No reverse entry yet: the scan fallback finds the record and writes one.
	job, err := tr.FindJobBySessionKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.JobID)

	jobID, queue, err := s.LookupSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "j1", jobID)
	assert.Equal(t, "agent-jarvis", queue)

	_, err = tr.FindJobBySessionKey(ctx, "agent:jarvis:subagent:unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTracker_FindJobBySessionKey_PrunesStaleEntry(t *testing.T) {
	t.Parallel()
	tr, s := newTestTracker(t, "jarvis")
	ctx := context.Background()

	key := "agent:jarvis:subagent:gone"
	require.NoError(t, s.IndexSession(ctx, key, "deleted-job", "agent-jarvis"))

	_, err := tr.FindJobBySessionKey(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The dangling reverse entry was removed along the way.
	_, _, err = s.LookupSession(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTracker_FindJobByRunID_RepairsJobIndex(t *testing.T) {
	t.Parallel()
	tr, s := newTestTracker(t, "jarvis")
	ctx := context.Background()

	require.NoError(t, s.SaveJob(ctx, domain.Job{
		JobID: "j1", Target: "jarvis", DispatchedBy: "main",
		Status: domain.JobActive, QueuedAt: time.Now().UTC(),
	}))

	job, err := tr.FindJobByRunID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "jarvis", job.Target)

	q, err := s.LookupJobQueue(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "agent-jarvis", q)
}

func TestTracker_TrackExternalLaunch(t *testing.T) {
	t.Parallel()
	tr, s := newTestTracker(t, "jarvis")
	ctx := context.Background()

	key := "agent:jarvis:subagent:direct"
	jobID, err := tr.TrackExternalLaunch(ctx, domain.CreateJobParams{
		Target:            "jarvis",
		Task:              "spawned directly",
		DispatchedBy:      "main",
		DispatcherAgentID: "main",
	}, "run-7", key)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobActive, job.Status)
	assert.Equal(t, "run-7", job.OpenclawRunID)
	assert.False(t, job.StartedAt.IsZero())

	gotID, _, err := s.LookupSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, jobID, gotID)

	_, err = tr.TrackExternalLaunch(ctx, domain.CreateJobParams{}, "run-8", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTracker_CleanupStaleIndexEntries(t *testing.T) {
	t.Parallel()
	tr, s := newTestTracker(t, "jarvis")
	ctx := context.Background()

	seedJob(t, s, domain.Job{JobID: "alive", Target: "jarvis", DispatchedBy: "main", Status: domain.JobQueued, QueuedAt: time.Now().UTC()})
	require.NoError(t, s.IndexJob(ctx, "ghost", "agent-jarvis"))
	require.NoError(t, s.IndexSession(ctx, "agent:jarvis:subagent:ghost", "ghost", "agent-jarvis"))

	pruned, err := tr.CleanupStaleIndexEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	entries, err := s.JobIndexEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alive": "agent-jarvis"}, entries)

	pruned, err = tr.CleanupStaleIndexEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

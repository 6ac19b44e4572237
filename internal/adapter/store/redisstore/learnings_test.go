package redisstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

func learningEntry(id, project, job string, at time.Time) domain.LearningEntry {
	return domain.LearningEntry{
		ID:        id,
		JobID:     job,
		ProjectID: project,
		AgentID:   "jarvis",
		Learning:  "migrations must run before the workers restart",
		Tags:      []string{"deploy"},
		Timestamp: at,
	}
}

func TestStore_AddLearning_TTL(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	e := learningEntry("l1", "deploys", "j1", time.Now().UTC())
	require.NoError(t, s.AddLearning(ctx, e))

	assert.Equal(t, 365*24*time.Hour, mr.TTL("orch:learning:l1"))
	assert.Equal(t, 365*24*time.Hour, mr.TTL("orch:learnings:deploys"))
	assert.Equal(t, 365*24*time.Hour, mr.TTL("orch:learnings:job:j1"))
}

func TestStore_LearningsByProject_NewestFirst(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e := learningEntry(fmt.Sprintf("l%d", i), "deploys", fmt.Sprintf("j%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.AddLearning(ctx, e))
	}

	got, err := s.LearningsByProject(ctx, "deploys", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "l4", got[0].ID)
	assert.Equal(t, "l3", got[1].ID)
	assert.Equal(t, "l2", got[2].ID)

	got, err = s.LearningsByProject(ctx, "unknown-project", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_LearningsByJob_NewestFirst(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		e := learningEntry(fmt.Sprintf("l%d", i), "deploys", "j1", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.AddLearning(ctx, e))
	}

	got, err := s.LearningsByJob(ctx, "j1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "l2", got[0].ID)
	assert.Equal(t, "l1", got[1].ID)
}

func TestStore_Learnings_ExpiredEntrySkipped(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddLearning(ctx, learningEntry("l1", "deploys", "j1", time.Now().UTC())))
	require.NoError(t, s.AddLearning(ctx, learningEntry("l2", "deploys", "j1", time.Now().UTC().Add(time.Minute))))

	// Simulate the record expiring while its index entry survives.
	mr.Del("orch:learning:l1")

	got, err := s.LearningsByProject(ctx, "deploys", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "l2", got[0].ID)
}

func TestLearningEntry_HasAnyTag(t *testing.T) {
	t.Parallel()
	e := domain.LearningEntry{Tags: []string{"deploy", "redis"}}
	assert.True(t, e.HasAnyTag(nil))
	assert.True(t, e.HasAnyTag([]string{"redis"}))
	assert.True(t, e.HasAnyTag([]string{"missing", "deploy"}))
	assert.False(t, e.HasAnyTag([]string{"missing"}))
}

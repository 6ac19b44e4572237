package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

func TestJobStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.JobCompleted.Terminal())
	assert.True(t, domain.JobFailedPermanent.Terminal())
	assert.False(t, domain.JobFailed.Terminal())
	assert.False(t, domain.JobActive.Terminal())
	assert.False(t, domain.JobRetrying.Terminal())
}

func TestJobStatus_CanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to domain.JobStatus
		want     bool
	}{
		{domain.JobQueued, domain.JobActive, true},
		{domain.JobQueued, domain.JobFailed, true},
		{domain.JobQueued, domain.JobFailedPermanent, true},
		{domain.JobQueued, domain.JobCompleted, false},
		{domain.JobActive, domain.JobAnnouncing, true},
		{domain.JobActive, domain.JobCompleted, true},
		{domain.JobActive, domain.JobFailed, true},
		{domain.JobActive, domain.JobQueued, false},
		{domain.JobAnnouncing, domain.JobCompleted, true},
		{domain.JobFailed, domain.JobRetrying, true},
		{domain.JobFailed, domain.JobFailedPermanent, true},
		{domain.JobFailed, domain.JobActive, false},
		{domain.JobStalled, domain.JobActive, true},
		{domain.JobCompleted, domain.JobFailed, false},
		{domain.JobFailedPermanent, domain.JobRetrying, false},
		{domain.JobRetrying, domain.JobActive, false},
		// idempotent same-status updates
		{domain.JobActive, domain.JobActive, true},
		{domain.JobCompleted, domain.JobCompleted, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.from.CanTransition(tc.to))
		})
	}
}

func TestJobStatus_EveryObservedPathIsValid(t *testing.T) {
	t.Parallel()
	// The lifecycle paths the system actually produces.
	paths := [][]domain.JobStatus{
		{domain.JobQueued, domain.JobActive, domain.JobCompleted},
		{domain.JobQueued, domain.JobActive, domain.JobAnnouncing, domain.JobCompleted},
		{domain.JobQueued, domain.JobActive, domain.JobFailed, domain.JobRetrying},
		{domain.JobQueued, domain.JobActive, domain.JobFailed, domain.JobFailedPermanent},
		{domain.JobQueued, domain.JobFailedPermanent},
		{domain.JobQueued, domain.JobStalled, domain.JobActive, domain.JobCompleted},
	}
	for _, path := range paths {
		for i := 0; i < len(path)-1; i++ {
			assert.True(t, path[i].CanTransition(path[i+1]),
				"%s -> %s must be legal", path[i], path[i+1])
		}
	}
}

func TestUnrecoverable(t *testing.T) {
	t.Parallel()
	base := errors.New("bad allowlist")
	err := domain.NewUnrecoverable(base)
	require.Error(t, err)
	assert.True(t, domain.IsUnrecoverable(err))
	assert.True(t, domain.IsUnrecoverable(fmt.Errorf("wrap: %w", err)))
	assert.False(t, domain.IsUnrecoverable(base))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad allowlist", err.Error())
}

func TestJob_Root(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a", domain.Job{JobID: "a"}.Root())
	assert.Equal(t, "root", domain.Job{JobID: "b", OriginalJobID: "root"}.Root())
}

package usecase

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// testConfig returns the baseline configuration the services are exercised
// with: main is the orchestrator and system agent, kevin the only approver.
func testConfig() config.Config {
	return config.Config{
		AppEnv:                "dev",
		DispatchesPerMinute:   10,
		MaxQueueDepth:         50,
		MaxSpawnDepth:         3,
		MaxChildrenPerAgent:   5,
		AgentFailureAttempts:  3,
		AgentFailureBaseDelay: 5 * time.Minute,
		ApprovalTTL:           168 * time.Hour,
		ApprovalChannelID:     "chan-approvals",
		ApprovalBotUserID:     "bot-1",
		Orchestrators:         []string{"main"},
		SystemAgents:          []string{"main"},
		AuthorizedApprovers:   []string{"kevin"},
	}
}

// testRegistry: main may dispatch anywhere, jarvis only to codex, codex to
// nobody but itself.
func testRegistry(t *testing.T) *config.AgentRegistry {
	t.Helper()
	reg, err := config.NewAgentRegistry([]config.AgentConfig{
		{ID: "main", AllowAgents: []string{"*"}},
		{ID: "jarvis", AllowAgents: []string{"codex"}},
		{ID: "codex"},
	})
	require.NoError(t, err)
	return reg
}

// fakeTracker is an in-memory domain.JobTracker.
type fakeTracker struct {
	mu sync.Mutex

	jobs    map[string]domain.Job
	created []domain.CreateJobParams
	nextID  int

	sessionIndex map[string]string // sessionKey -> jobID

	depth          int
	depthErr       error
	createErr      error
	activeChildren map[string]int
	pendingGates   map[string]int
	stats          []domain.QueueStats
	statsErr       error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		jobs:           map[string]domain.Job{},
		sessionIndex:   map[string]string{},
		activeChildren: map[string]int{},
		pendingGates:   map[string]int{},
	}
}

func (f *fakeTracker) CreateJob(_ domain.Context, p domain.CreateJobParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if p.JobID == "" {
		f.nextID++
		p.JobID = fmt.Sprintf("job-%d", f.nextID)
	}
	f.created = append(f.created, p)
	f.jobs[p.JobID] = domain.Job{
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
		QueuedAt:             time.Now().UTC(),
		DispatcherSessionKey: p.DispatcherSessionKey,
		DispatcherAgentID:    p.DispatcherAgentID,
		DispatcherDepth:      p.DispatcherDepth,
		DispatcherOrigin:     p.DispatcherOrigin,
		TimeoutMs:            p.TimeoutMs,
		RetryCount:           p.RetryCount,
		StoreResult:          p.StoreResult,
	}
	return p.JobID, nil
}

func (f *fakeTracker) UpdateJobStatus(_ domain.Context, jobID string, status domain.JobStatus, extras domain.StatusExtras) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if !j.Status.CanTransition(status) {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, j.Status, status, domain.ErrConflict)
	}
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
	f.jobs[jobID] = j
	return nil
}

func (f *fakeTracker) FindJobByRunID(_ domain.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return j, nil
}

func (f *fakeTracker) FindJobBySessionKey(_ domain.Context, sessionKey string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.OpenclawSessionKey == sessionKey {
			return j, nil
		}
	}
	return domain.Job{}, fmt.Errorf("session %s: %w", sessionKey, domain.ErrNotFound)
}

func (f *fakeTracker) IndexJobBySessionKey(_ domain.Context, sessionKey, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionIndex[sessionKey] = jobID
	return nil
}

func (f *fakeTracker) ListJobs(_ domain.Context, flt domain.ListFilter) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		if flt.Agent != "" && j.Target != flt.Agent {
			continue
		}
		if flt.Status != "" && j.Status != flt.Status {
			continue
		}
		if flt.Project != "" && j.Project != flt.Project {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].QueuedAt.After(out[k].QueuedAt) })
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, nil
}

func (f *fakeTracker) GetQueueStats(_ domain.Context, _ string) ([]domain.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeTracker) QueueDepth(_ domain.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth, f.depthErr
}

func (f *fakeTracker) TrackExternalLaunch(_ domain.Context, p domain.CreateJobParams, runID, sessionKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.JobID == "" {
		f.nextID++
		p.JobID = fmt.Sprintf("ext-%d", f.nextID)
	}
	f.jobs[p.JobID] = domain.Job{
		JobID:              p.JobID,
		Target:             p.Target,
		Task:               p.Task,
		DispatchedBy:       p.DispatchedBy,
		Label:              p.Label,
		Status:             domain.JobActive,
		QueuedAt:           time.Now().UTC(),
		StartedAt:          time.Now().UTC(),
		OpenclawRunID:      runID,
		OpenclawSessionKey: sessionKey,
	}
	return p.JobID, nil
}

func (f *fakeTracker) CountActiveChildren(_ domain.Context, agentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeChildren[agentID], nil
}

func (f *fakeTracker) PendingGates(_ domain.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingGates[jobID], nil
}

func (f *fakeTracker) CleanupStaleIndexEntries(_ domain.Context) (int, error) { return 0, nil }

func (f *fakeTracker) job(t *testing.T, id string) domain.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	require.True(t, ok, "job %s not found in fake tracker", id)
	return j
}

var _ domain.JobTracker = (*fakeTracker)(nil)

// fakeApprovalStore mirrors the store's CAS semantics in memory.
type fakeApprovalStore struct {
	mu        sync.Mutex
	approvals map[string]domain.Approval
	byMsg     map[string]string
	createErr error
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{
		approvals: map[string]domain.Approval{},
		byMsg:     map[string]string{},
	}
}

func (f *fakeApprovalStore) CreateApproval(_ domain.Context, a domain.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.approvals[a.ID] = a
	if a.NotificationMessageID != "" {
		f.byMsg[a.NotificationMessageID] = a.ID
	}
	return nil
}

func (f *fakeApprovalStore) GetApproval(_ domain.Context, id string) (domain.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[id]
	if !ok {
		return domain.Approval{}, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (f *fakeApprovalStore) ResolveApprovalID(_ domain.Context, idOrPrefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(idOrPrefix) == 36 && strings.Contains(idOrPrefix, "-") {
		return idOrPrefix, nil
	}
	var match string
	for id, a := range f.approvals {
		if a.Status != domain.ApprovalPending || !strings.HasPrefix(id, idOrPrefix) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("prefix %q: %w", idOrPrefix, domain.ErrConflict)
		}
		match = id
	}
	if match == "" {
		return "", fmt.Errorf("prefix %q: %w", idOrPrefix, domain.ErrNotFound)
	}
	return match, nil
}

func (f *fakeApprovalStore) ApproveCAS(_ domain.Context, id string, at time.Time) (bool, domain.ApprovalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[id]
	if !ok {
		return false, "", fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != domain.ApprovalPending && a.Status != domain.ApprovalApprovedSpawnFail {
		return false, a.Status, nil
	}
	a.Status = domain.ApprovalApproved
	a.ApprovedAt = at
	f.approvals[id] = a
	return true, domain.ApprovalApproved, nil
}

func (f *fakeApprovalStore) RejectCAS(_ domain.Context, id string, at time.Time) (bool, domain.ApprovalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[id]
	if !ok {
		return false, "", fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != domain.ApprovalPending {
		return false, a.Status, nil
	}
	a.Status = domain.ApprovalRejected
	a.RejectedAt = at
	f.approvals[id] = a
	return true, domain.ApprovalRejected, nil
}

func (f *fakeApprovalStore) MarkApprovalExpired(_ domain.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.approvals[id]
	a.Status = domain.ApprovalExpired
	a.ExpiredAt = at
	f.approvals[id] = a
	return nil
}

func (f *fakeApprovalStore) MarkApprovalSpawnFailed(_ domain.Context, id, spawnErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.approvals[id]
	a.Status = domain.ApprovalApprovedSpawnFail
	a.SpawnError = spawnErr
	f.approvals[id] = a
	return nil
}

func (f *fakeApprovalStore) SetApprovalSpawnResult(_ domain.Context, id, runID, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.approvals[id]
	a.SpawnRunID = runID
	a.SpawnSessionKey = sessionKey
	f.approvals[id] = a
	return nil
}

func (f *fakeApprovalStore) ListPendingApprovals(_ domain.Context, limit int) ([]domain.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Approval, 0, len(f.approvals))
	for _, a := range f.approvals {
		if a.Status == domain.ApprovalPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeApprovalStore) ApprovalByNotificationMessage(_ domain.Context, messageID string) (domain.Approval, error) {
	f.mu.Lock()
	id, ok := f.byMsg[messageID]
	f.mu.Unlock()
	if !ok {
		return domain.Approval{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return f.GetApproval(nil, id)
}

func (f *fakeApprovalStore) get(t *testing.T, id string) domain.Approval {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[id]
	require.True(t, ok, "approval %s not found in fake store", id)
	return a
}

var _ domain.ApprovalStore = (*fakeApprovalStore)(nil)

// fakeLimiter is an in-memory domain.RateLimiter.
type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newFakeLimiter() *fakeLimiter { return &fakeLimiter{counts: map[string]int64{}} }

func (f *fakeLimiter) IncrDispatchCount(_ domain.Context, callerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[callerID]++
	return f.counts[callerID], nil
}

var _ domain.RateLimiter = (*fakeLimiter)(nil)

// fakeLearningStore is an in-memory domain.LearningStore.
type fakeLearningStore struct {
	mu      sync.Mutex
	entries []domain.LearningEntry
	addErr  error
}

func (f *fakeLearningStore) AddLearning(_ domain.Context, e domain.LearningEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLearningStore) LearningsByProject(_ domain.Context, projectID string, limit int) ([]domain.LearningEntry, error) {
	return f.filter(func(e domain.LearningEntry) bool { return e.ProjectID == projectID }, limit), nil
}

func (f *fakeLearningStore) LearningsByJob(_ domain.Context, jobID string, limit int) ([]domain.LearningEntry, error) {
	return f.filter(func(e domain.LearningEntry) bool { return e.JobID == jobID }, limit), nil
}

func (f *fakeLearningStore) filter(keep func(domain.LearningEntry) bool, limit int) []domain.LearningEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LearningEntry, 0, len(f.entries))
	for _, e := range f.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Timestamp.After(out[k].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ domain.LearningStore = (*fakeLearningStore)(nil)

// fakeModerator records reaction removals.
type fakeModerator struct {
	mu      sync.Mutex
	removed []string // "message:emoji:user"
}

func (f *fakeModerator) RemoveReaction(_ domain.Context, _, messageID, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, messageID+":"+emoji+":"+userID)
	return nil
}

var _ domain.ReactionModerator = (*fakeModerator)(nil)

func trackerFn(t domain.JobTracker) func() domain.JobTracker {
	return func() domain.JobTracker { return t }
}

func nilTrackerFn() func() domain.JobTracker {
	return func() domain.JobTracker { return nil }
}

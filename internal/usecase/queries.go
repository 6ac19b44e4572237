package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// StatusResult projects one job record for an authorized caller.
type StatusResult struct {
	Status string     `json:"status"`
	Job    domain.Job `json:"job,omitzero"`
	// WaitingForDependencies is set while unresolved gates block the job.
	WaitingForDependencies bool   `json:"waitingForDependencies,omitempty"`
	Error                  string `json:"error,omitempty"`
}

// ListResult is the structured list response.
type ListResult struct {
	Status string       `json:"status"`
	Jobs   []domain.Job `json:"jobs"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Error  string       `json:"error,omitempty"`
}

// AgentActivity summarizes one agent's current workload.
type AgentActivity struct {
	Status         string     `json:"status"` // working | idle | offline
	Pending        int        `json:"pending"`
	Active         int        `json:"active"`
	CompletedTotal int        `json:"completedTotal"`
	FailedTotal    int        `json:"failedTotal"`
	Job            *domain.Job `json:"job,omitempty"`
	Since          time.Time  `json:"since,omitzero"`
}

// ActivityResult is the cross-agent activity view.
type ActivityResult struct {
	Status  string                   `json:"status"`
	Agents  map[string]AgentActivity `json:"agents"`
	Summary string                   `json:"summary"`
	Error   string                   `json:"error,omitempty"`
}

// Queries serves the read-side tools: status, list and activity. Visibility
// is restricted to the caller's own records unless the caller is a system
// agent; the internal session key never leaves for non-system callers.
type Queries struct {
	cfg       config.Config
	agents    *config.AgentRegistry
	tracker   func() domain.JobTracker
	approvals func() domain.ApprovalStore
}

// NewQueries wires the read-side services.
func NewQueries(cfg config.Config, agents *config.AgentRegistry, tracker func() domain.JobTracker, approvals func() domain.ApprovalStore) *Queries {
	return &Queries{cfg: cfg, agents: agents, tracker: tracker, approvals: approvals}
}

// Status returns the record for jobID, projected to the caller's visibility.
func (q *Queries) Status(ctx context.Context, callerID, jobID string) StatusResult {
	t := q.tracker()
	if t == nil {
		return StatusResult{Status: StatusError, Error: "job tracker unavailable"}
	}
	job, err := t.FindJobByRunID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StatusResult{Status: StatusNotFound, Error: fmt.Sprintf("no job %s", jobID)}
		}
		return StatusResult{Status: StatusError, Error: err.Error()}
	}
	if !q.mayView(callerID, job) {
		// Same shape as a miss: existence must not leak across agents.
		return StatusResult{Status: StatusNotFound, Error: fmt.Sprintf("no job %s", jobID)}
	}

	res := StatusResult{Status: "ok", Job: q.project(callerID, job)}
	if job.Status == domain.JobQueued && len(job.DependsOn) > 0 {
		n, gerr := t.PendingGates(ctx, job.JobID)
		if gerr != nil {
			slog.Warn("pending gates lookup failed",
				slog.String("job_id", job.JobID), slog.Any("error", gerr))
		}
		res.WaitingForDependencies = n > 0
	}
	return res
}

// List returns records matching the filter, restricted to what the caller
// may see, newest first.
func (q *Queries) List(ctx context.Context, callerID string, f domain.ListFilter) ListResult {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	// Pending approvals have no job record yet; that status is served from
	// the approval store.
	if string(f.Status) == StatusPendingApproval {
		return q.listPendingApprovals(ctx, callerID, f)
	}

	t := q.tracker()
	if t == nil {
		return ListResult{Status: StatusError, Error: "job tracker unavailable"}
	}
	jobs, err := t.ListJobs(ctx, f)
	if err != nil {
		return ListResult{Status: StatusError, Error: err.Error()}
	}
	visible := make([]domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if !q.mayView(callerID, j) {
			continue
		}
		visible = append(visible, q.project(callerID, j))
	}
	return ListResult{Status: "ok", Jobs: visible, Count: len(visible), Limit: f.Limit}
}

// listPendingApprovals serves list requests for records still waiting on an
// approver. They live in the approval store until approved, so the tracker
// never sees them.
func (q *Queries) listPendingApprovals(ctx context.Context, callerID string, f domain.ListFilter) ListResult {
	store := q.approvals()
	if store == nil {
		return ListResult{Status: StatusError, Error: "approval store unavailable"}
	}
	pending, err := store.ListPendingApprovals(ctx, f.Limit)
	if err != nil {
		return ListResult{Status: StatusError, Error: err.Error()}
	}
	visible := make([]domain.Job, 0, len(pending))
	for _, a := range pending {
		if f.Agent != "" && a.Target != f.Agent {
			continue
		}
		if f.Project != "" && a.Project != f.Project {
			continue
		}
		if callerID != a.Caller && callerID != a.Target && !q.cfg.IsSystemAgent(callerID) {
			continue
		}
		visible = append(visible, pendingApprovalRecord(a))
	}
	return ListResult{Status: "ok", Jobs: visible, Count: len(visible), Limit: f.Limit}
}

// pendingApprovalRecord projects an approval into the job shape the list
// response carries. Approvals hold no session key, so nothing needs stripping.
func pendingApprovalRecord(a domain.Approval) domain.Job {
	return domain.Job{
		JobID:        a.ID,
		Target:       a.Target,
		Task:         a.Task,
		DispatchedBy: a.Caller,
		Project:      a.Project,
		Label:        a.Label,
		Status:       domain.JobStatus(StatusPendingApproval),
		QueuedAt:     a.CreatedAt,
	}
}

// Activity summarizes every configured agent: queue counters plus the
// currently-running job when there is one.
func (q *Queries) Activity(ctx context.Context) ActivityResult {
	t := q.tracker()
	if t == nil {
		return ActivityResult{Status: StatusError, Error: "job tracker unavailable"}
	}
	stats, err := t.GetQueueStats(ctx, "")
	if err != nil {
		return ActivityResult{Status: StatusError, Error: err.Error()}
	}

	agents := make(map[string]AgentActivity, len(stats))
	working, idle, offline := 0, 0, 0
	for _, s := range stats {
		act := AgentActivity{
			Pending:        s.Waiting + s.Delayed,
			Active:         s.Active,
			CompletedTotal: s.Completed,
			FailedTotal:    s.Failed,
		}
		switch {
		case s.Active > 0:
			act.Status = "working"
			working++
			if current := q.currentJob(ctx, t, s.Agent); current != nil {
				act.Job = current
				act.Since = current.StartedAt
			}
		case s.Waiting+s.Delayed+s.Completed+s.Failed > 0:
			act.Status = "idle"
			idle++
		default:
			// No queue traffic ever recorded for this agent.
			act.Status = "offline"
			offline++
		}
		agents[s.Agent] = act
	}
	return ActivityResult{
		Status:  "ok",
		Agents:  agents,
		Summary: fmt.Sprintf("%d working, %d idle, %d offline", working, idle, offline),
	}
}

func (q *Queries) currentJob(ctx context.Context, t domain.JobTracker, agentID string) *domain.Job {
	jobs, err := t.ListJobs(ctx, domain.ListFilter{Agent: agentID, Status: domain.JobActive, Limit: 1})
	if err != nil || len(jobs) == 0 {
		return nil
	}
	j := jobs[0]
	j.OpenclawSessionKey = ""
	return &j
}

// mayView applies the visibility rule: dispatcher, target, or system agent.
func (q *Queries) mayView(callerID string, j domain.Job) bool {
	return callerID == j.DispatchedBy || callerID == j.Target || q.cfg.IsSystemAgent(callerID)
}

// project strips fields a non-system caller must not see.
func (q *Queries) project(callerID string, j domain.Job) domain.Job {
	if !q.cfg.IsSystemAgent(callerID) {
		j.OpenclawSessionKey = ""
	}
	return j
}

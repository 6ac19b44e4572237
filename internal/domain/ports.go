package domain

import "time"

// CreateJobParams carries everything the tracker needs to enqueue a job.
type CreateJobParams struct {
	JobID                string
	Target               string
	Task                 string
	DispatchedBy         string
	Project              string
	Label                string
	Model                string
	ThinkingLevel        string
	SystemPromptAddition string
	Cleanup              CleanupMode
	DependsOn            []string
	TimeoutMs            int64
	StoreResult          bool
	RetryCount           int
	OriginalJobID        string
	Delay                time.Duration

	DispatcherSessionKey string
	DispatcherAgentID    string
	DispatcherDepth      *int
	DispatcherOrigin     DispatcherOrigin
}

// StatusExtras are the optional fields written alongside a status change.
type StatusExtras struct {
	Error              string
	Result             string
	OpenclawRunID      string
	OpenclawSessionKey string
	RetriedByJobID     string
	StartedAt          time.Time
	CompletedAt        time.Time
}

// ListFilter narrows job listings.
type ListFilter struct {
	Agent   string
	Status  JobStatus
	Project string
	Limit   int
}

// JobTracker owns the queues, the job records and both indexes.
//
//go:generate mockery --name=JobTracker --with-expecter --filename=job_tracker_mock.go
type JobTracker interface {
	CreateJob(ctx Context, p CreateJobParams) (string, error)
	UpdateJobStatus(ctx Context, jobID string, status JobStatus, extras StatusExtras) error
	FindJobByRunID(ctx Context, jobID string) (Job, error)
	FindJobBySessionKey(ctx Context, sessionKey string) (Job, error)
	IndexJobBySessionKey(ctx Context, sessionKey, jobID, queueName string) error
	ListJobs(ctx Context, f ListFilter) ([]Job, error)
	GetQueueStats(ctx Context, agentID string) ([]QueueStats, error)
	// QueueDepth counts wait+delayed+active on the agent's queue; the
	// dispatch-time cap compares against this.
	QueueDepth(ctx Context, agentID string) (int, error)
	// TrackExternalLaunch records a job that is already running on the
	// session host (direct-spawn path); no launch is enqueued.
	TrackExternalLaunch(ctx Context, p CreateJobParams, runID, sessionKey string) (string, error)
	CountActiveChildren(ctx Context, agentID string) (int, error)
	PendingGates(ctx Context, jobID string) (int, error)
	CleanupStaleIndexEntries(ctx Context) (int, error)
}

// ApprovalStore persists approval records and their indexes. Status
// transitions are compare-and-swap at the store level; ApproveCAS and
// RejectCAS return the status found when the swap did not happen.
type ApprovalStore interface {
	CreateApproval(ctx Context, a Approval) error
	GetApproval(ctx Context, id string) (Approval, error)
	// ResolveApprovalID accepts a full UUID or a unique prefix of a pending id.
	ResolveApprovalID(ctx Context, idOrPrefix string) (string, error)
	// ApproveCAS swaps pending|approved_spawn_failed -> approved.
	ApproveCAS(ctx Context, id string, at time.Time) (swapped bool, current ApprovalStatus, err error)
	// RejectCAS swaps pending -> rejected only.
	RejectCAS(ctx Context, id string, at time.Time) (swapped bool, current ApprovalStatus, err error)
	MarkApprovalExpired(ctx Context, id string, at time.Time) error
	MarkApprovalSpawnFailed(ctx Context, id string, spawnErr string) error
	SetApprovalSpawnResult(ctx Context, id, runID, sessionKey string) error
	ListPendingApprovals(ctx Context, limit int) ([]Approval, error)
	ApprovalByNotificationMessage(ctx Context, messageID string) (Approval, error)
}

// LearningStore is the append-only project knowledge index.
type LearningStore interface {
	AddLearning(ctx Context, e LearningEntry) error
	LearningsByProject(ctx Context, projectID string, limit int) ([]LearningEntry, error)
	LearningsByJob(ctx Context, jobID string, limit int) ([]LearningEntry, error)
}

// RateLimiter counts dispatches per caller in a fixed window. Returns the
// count after increment; the first increment in a window arms the TTL.
type RateLimiter interface {
	IncrDispatchCount(ctx Context, callerID string) (int64, error)
}

// StartSessionParams starts a child agent run on the session host.
type StartSessionParams struct {
	SessionKey string
	Prompt     string
	TimeoutMs  int64
	// Deliver=false: the announce pipeline delivers results independently.
	Deliver bool
}

// SessionPatch updates session metadata. Nil fields are left untouched; the
// host applies the whole patch in a single round-trip.
type SessionPatch struct {
	Depth         *int
	Model         string
	ThinkingLevel string
}

// SessionMessage is one entry of a session transcript.
type SessionMessage struct {
	Role    string
	Content string
	At      time.Time
}

// RunRegistration wires a child run into the announce pipeline so results
// route back to the requester session.
type RunRegistration struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     DispatcherOrigin
	Label               string
}

// SessionHost is the external runtime that executes agent sessions. The
// orchestrator never runs model calls itself.
//
//go:generate mockery --name=SessionHost --with-expecter --filename=session_host_mock.go
type SessionHost interface {
	StartSession(ctx Context, p StartSessionParams) (runID string, err error)
	PatchSession(ctx Context, sessionKey string, patch SessionPatch) error
	SendToSession(ctx Context, sessionKey, content string) error
	FetchSessionHistory(ctx Context, sessionKey string, limit int) ([]SessionMessage, error)
	SessionDepth(ctx Context, sessionKey string) (int, error)
	RegisterSubagentRun(ctx Context, r RunRegistration) error
}

// MessageSender delivers chat-platform notifications (approvals, DLQ
// alerts). Implementations live outside the core.
type MessageSender interface {
	Send(ctx Context, channel, target, content, idempotencyKey string) (messageID string, err error)
}

// ReactionModerator removes reactions from approval notifications. Optional:
// a nil moderator disables reaction cleanup.
type ReactionModerator interface {
	RemoveReaction(ctx Context, channelID, messageID, emoji, userID string) error
}

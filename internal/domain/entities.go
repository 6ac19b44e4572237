// Package domain defines the orchestrator's entities, error taxonomy and
// ports. Adapters depend on this package; it depends on nothing but the
// standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrQueueFull       = errors.New("queue full")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// Unrecoverable wraps an error that must never be retried by the queue's
// launch-retry policy (bad configuration, depth or allowlist violations).
// The queue adapter translates it into its skip-retry sentinel.
type Unrecoverable struct{ Err error }

func (u *Unrecoverable) Error() string { return u.Err.Error() }
func (u *Unrecoverable) Unwrap() error { return u.Err }

// NewUnrecoverable marks err as a non-retryable launch failure.
func NewUnrecoverable(err error) error { return &Unrecoverable{Err: err} }

// IsUnrecoverable reports whether err carries the no-retry marker.
func IsUnrecoverable(err error) bool {
	var u *Unrecoverable
	return errors.As(err, &u)
}

// JobStatus is the execution-lifecycle status of a job record. The queue's
// own notion of completion ("launch succeeded") is tracked separately by the
// queue engine and must never be conflated with this.
type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobActive          JobStatus = "active"
	JobAnnouncing      JobStatus = "announcing"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobFailedPermanent JobStatus = "failed_permanent"
	JobRetrying        JobStatus = "retrying"
	JobStalled         JobStatus = "stalled"
)

// Terminal reports whether s admits no further transitions. JobFailed is not
// terminal: the agent-level retry path may move it to retrying.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailedPermanent
}

// CanTransition reports whether moving from s to next is a legal step of the
// state machine. failed is reachable from any non-terminal state; the only
// loop is failed -> retrying (a new record restarts at queued).
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true // idempotent updates are explicitly allowed
	}
	if s.Terminal() {
		return false
	}
	if next == JobFailed || next == JobStalled {
		return true
	}
	switch s {
	case JobQueued:
		return next == JobActive || next == JobFailedPermanent
	case JobActive:
		return next == JobAnnouncing || next == JobCompleted
	case JobAnnouncing:
		return next == JobCompleted
	case JobFailed:
		return next == JobRetrying || next == JobFailedPermanent
	case JobStalled:
		return next == JobActive || next == JobFailedPermanent
	case JobRetrying:
		return false
	}
	return false
}

// CleanupMode controls what happens to the child session after the run.
type CleanupMode string

const (
	CleanupDelete CleanupMode = "delete"
	CleanupKeep   CleanupMode = "keep"
)

// Bounds enforced on dispatch input.
const (
	MaxTaskChars     = 50000
	MaxResultChars   = 5000
	MaxDependsOn     = 20
	MaxLearningChars = 1024
	MaxLearningTags  = 10
)

// DispatcherOrigin records where the dispatching conversation lives so that
// results and failure notices can be routed back.
type DispatcherOrigin struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Job is the persistent record of one dispatched unit of work.
type Job struct {
	// Identity
	JobID          string `json:"jobId"`
	OriginalJobID  string `json:"originalJobId,omitempty"`
	RetriedByJobID string `json:"retriedByJobId,omitempty"`

	// Dispatch parameters
	Target               string      `json:"target"`
	Task                 string      `json:"task"`
	DispatchedBy         string      `json:"dispatchedBy"`
	Project              string      `json:"project,omitempty"`
	Label                string      `json:"label,omitempty"`
	Model                string      `json:"model,omitempty"`
	ThinkingLevel        string      `json:"thinkingLevel,omitempty"`
	SystemPromptAddition string      `json:"systemPromptAddition,omitempty"`
	Cleanup              CleanupMode `json:"cleanup,omitempty"`
	Depth                int         `json:"depth"`
	DependsOn            []string    `json:"dependsOn,omitempty"`

	// Lifecycle
	Status      JobStatus `json:"status"`
	QueuedAt    time.Time `json:"queuedAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`

	// Result
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Dispatcher context
	DispatcherSessionKey string           `json:"dispatcherSessionKey,omitempty"`
	DispatcherAgentID    string           `json:"dispatcherAgentId,omitempty"`
	DispatcherDepth      *int             `json:"dispatcherDepth,omitempty"`
	DispatcherOrigin     DispatcherOrigin `json:"dispatcherOrigin,omitzero"`

	// Session-host linkage
	OpenclawRunID      string `json:"openclawRunId,omitempty"`
	OpenclawSessionKey string `json:"openclawSessionKey,omitempty"`

	// Timeouts / retry
	TimeoutMs   int64 `json:"timeoutMs,omitempty"`
	RetryCount  int   `json:"retryCount"`
	StoreResult bool  `json:"storeResult,omitempty"`
}

// Root returns the root job id of a retry chain.
func (j Job) Root() string {
	if j.OriginalJobID != "" {
		return j.OriginalJobID
	}
	return j.JobID
}

// QueueStats are the per-queue counters exposed by stats and activity views.
type QueueStats struct {
	Agent     string `json:"agent"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Paused    int    `json:"paused"`
}

// Context aliases context.Context; adapters pass the standard context
// through unchanged.
type Context = context.Context

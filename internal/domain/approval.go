package domain

import "time"

// ApprovalStatus is the lifecycle status of a human-gated dispatch.
type ApprovalStatus string

const (
	ApprovalPending           ApprovalStatus = "pending"
	ApprovalApproved          ApprovalStatus = "approved"
	ApprovalRejected          ApprovalStatus = "rejected"
	ApprovalExpired           ApprovalStatus = "expired"
	ApprovalApprovedSpawnFail ApprovalStatus = "approved_spawn_failed"
)

// Approval is a durable record of a dispatch awaiting (or past) human
// review. It carries the full, untruncated dispatch parameters so an
// approved spawn needs no other source of truth.
type Approval struct {
	ID     string         `json:"id"`
	Status ApprovalStatus `json:"status"`

	// Dispatch parameters as originally requested.
	Caller               string      `json:"caller"`
	Target               string      `json:"target"`
	Task                 string      `json:"task"`
	Label                string      `json:"label,omitempty"`
	Project              string      `json:"project,omitempty"`
	Model                string      `json:"model,omitempty"`
	ThinkingLevel        string      `json:"thinkingLevel,omitempty"`
	TimeoutMs            int64       `json:"timeoutMs,omitempty"`
	Cleanup              CleanupMode `json:"cleanup,omitempty"`
	StoreResult          bool        `json:"storeResult,omitempty"`
	Reason               string      `json:"reason,omitempty"`
	DispatcherSessionKey string      `json:"dispatcherSessionKey,omitempty"`
	DispatcherOrigin     DispatcherOrigin `json:"dispatcherOrigin,omitzero"`

	// Timestamps
	CreatedAt  time.Time `json:"createdAt"`
	ApprovedAt time.Time `json:"approvedAt,omitzero"`
	RejectedAt time.Time `json:"rejectedAt,omitzero"`
	ExpiredAt  time.Time `json:"expiredAt,omitzero"`

	// Delivery linkage
	NotificationMessageID string `json:"notificationMessageId,omitempty"`
	NotificationChannelID string `json:"notificationChannelId,omitempty"`

	// Post-approval spawn result
	SpawnRunID      string `json:"spawnRunId,omitempty"`
	SpawnSessionKey string `json:"spawnSessionKey,omitempty"`
	SpawnError      string `json:"spawnError,omitempty"`
}

// ExpiresAt returns the moment the record leaves the pending flow.
func (a Approval) ExpiresAt(ttl time.Duration) time.Time {
	return a.CreatedAt.Add(ttl)
}

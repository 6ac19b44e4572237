package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/notify"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

const (
	approveEmoji = "✅"
	rejectEmoji  = "❌"
)

// ReactionEvent is a platform reaction on an approval notification.
type ReactionEvent struct {
	ChannelID string
	MessageID string
	Emoji     string
	UserID    string
	FromBot   bool
}

// Approvals is the human-gate workflow: pending records with a notification
// each, resolved by command or reaction through an atomic compare-and-swap.
type Approvals struct {
	cfg       config.Config
	store     func() domain.ApprovalStore
	sender    domain.MessageSender
	moderator domain.ReactionModerator
	launcher  *Launcher
}

// NewApprovals wires the approval workflow. moderator may be nil (reaction
// cleanup disabled).
func NewApprovals(
	cfg config.Config,
	store func() domain.ApprovalStore,
	sender domain.MessageSender,
	moderator domain.ReactionModerator,
	launcher *Launcher,
) *Approvals {
	return &Approvals{
		cfg:       cfg,
		store:     store,
		sender:    sender,
		moderator: moderator,
		launcher:  launcher,
	}
}

// CreateFromDispatch builds a pending record for a gated dispatch. The
// notification goes out first; if it cannot be delivered the record is never
// written (no orphans nobody can see).
func (s *Approvals) CreateFromDispatch(ctx context.Context, callerID string, in DispatchInput) (string, error) {
	store := s.store()
	if store == nil {
		return "", fmt.Errorf("op=usecase.CreateFromDispatch: approval store unavailable: %w", domain.ErrUnavailable)
	}
	a := domain.Approval{
		ID:                   uuid.NewString(),
		Status:               domain.ApprovalPending,
		Caller:               callerID,
		Target:               in.Target,
		Task:                 in.Task,
		Label:                in.Label,
		Project:              in.Project,
		Model:                in.Model,
		ThinkingLevel:        in.Thinking,
		TimeoutMs:            in.RunTimeoutSeconds * 1000,
		Cleanup:              coerceCleanup(in.Cleanup),
		StoreResult:          in.StoreResult,
		Reason:               in.Reason,
		DispatcherSessionKey: in.SessionKey,
		DispatcherOrigin:     in.Origin,
		CreatedAt:            time.Now().UTC(),
	}

	msgID, err := s.sender.Send(ctx, "discord", s.cfg.ApprovalChannelID,
		s.notificationText(a), "approval:"+a.ID)
	if err != nil {
		return "", fmt.Errorf("op=usecase.CreateFromDispatch: notification failed, approval not created: %w", err)
	}
	a.NotificationMessageID = msgID
	a.NotificationChannelID = s.cfg.ApprovalChannelID

	if err := store.CreateApproval(ctx, a); err != nil {
		return "", fmt.Errorf("op=usecase.CreateFromDispatch: %w", err)
	}
	observability.ApprovalsTotal.WithLabelValues("created").Inc()
	slog.Info("approval created",
		slog.String("approval_id", a.ID),
		slog.String("caller", callerID),
		slog.String("target", in.Target))
	return a.ID, nil
}

func (s *Approvals) notificationText(a domain.Approval) string {
	text := fmt.Sprintf(
		"Approval requested: %s → %s\nID: `%s` (short: `%s`)\nTask: %s",
		a.Caller, a.Target, a.ID, shortID(a.ID),
		notify.SanitizeNotification(a.Task))
	if a.Reason != "" {
		text += "\nReason: " + notify.SanitizeNotification(a.Reason)
	}
	return text + fmt.Sprintf("\nReact %s to approve or %s to reject.", approveEmoji, rejectEmoji)
}

// Approve resolves and approves by command. The returned string is the
// user-facing reply; failures are encoded there, never raised.
func (s *Approvals) Approve(ctx context.Context, approverID, idOrPrefix string) string {
	if !s.cfg.IsAuthorizedApprover(approverID) {
		return "You are not authorized to approve dispatches."
	}
	_, msg := s.doApprove(ctx, idOrPrefix)
	return msg
}

// Reject resolves and rejects by command.
func (s *Approvals) Reject(ctx context.Context, approverID, idOrPrefix string) string {
	if !s.cfg.IsAuthorizedApprover(approverID) {
		return "You are not authorized to reject dispatches."
	}
	_, msg := s.doReject(ctx, idOrPrefix)
	return msg
}

// Pending lists open approvals, oldest first.
func (s *Approvals) Pending(ctx context.Context, limit int) ([]domain.Approval, error) {
	store := s.store()
	if store == nil {
		return nil, fmt.Errorf("op=usecase.Pending: approval store unavailable: %w", domain.ErrUnavailable)
	}
	return store.ListPendingApprovals(ctx, limit)
}

// HandleReaction applies the same control flow as the commands, triggered by
// a platform reaction. Unauthorized or malformed reactions are removed
// silently; the configured channel and non-bot origin are hard gates.
func (s *Approvals) HandleReaction(ctx context.Context, ev ReactionEvent) {
	if ev.FromBot || ev.ChannelID != s.cfg.ApprovalChannelID {
		return
	}
	if ev.Emoji != approveEmoji && ev.Emoji != rejectEmoji {
		return
	}
	store := s.store()
	if store == nil {
		return
	}
	a, err := store.ApprovalByNotificationMessage(ctx, ev.MessageID)
	if err != nil {
		return
	}
	if !s.cfg.IsAuthorizedApprover(ev.UserID) {
		s.removeReaction(ctx, ev.ChannelID, ev.MessageID, ev.Emoji, ev.UserID)
		return
	}

	switch ev.Emoji {
	case approveEmoji:
		out, msg := s.doApprove(ctx, a.ID)
		slog.Info("reaction approve processed",
			slog.String("approval_id", a.ID),
			slog.String("approver", ev.UserID),
			slog.String("result", msg))
		switch out {
		case outcomeApproved:
			// The opposing bot reaction would invite a stale reject.
			s.removeReaction(ctx, ev.ChannelID, ev.MessageID, rejectEmoji, s.cfg.ApprovalBotUserID)
		case outcomeSpawnFailed:
			// Let the approver re-react to retry the spawn.
			s.removeReaction(ctx, ev.ChannelID, ev.MessageID, approveEmoji, ev.UserID)
		}
	case rejectEmoji:
		out, msg := s.doReject(ctx, a.ID)
		slog.Info("reaction reject processed",
			slog.String("approval_id", a.ID),
			slog.String("approver", ev.UserID),
			slog.String("result", msg))
		if out == outcomeRejected {
			s.removeReaction(ctx, ev.ChannelID, ev.MessageID, approveEmoji, s.cfg.ApprovalBotUserID)
		}
	}
}

type approvalOutcome int

const (
	outcomeError approvalOutcome = iota
	outcomeApproved
	outcomeRejected
	outcomeAlready
	outcomeExpired
	outcomeSpawnFailed
)

func (s *Approvals) doApprove(ctx context.Context, idOrPrefix string) (approvalOutcome, string) {
	store := s.store()
	if store == nil {
		return outcomeError, "Approval store is unavailable; try again later."
	}
	id, msg, ok := s.resolve(ctx, store, idOrPrefix)
	if !ok {
		return outcomeError, msg
	}
	if out, m, expired := s.expireIfPast(ctx, store, id); expired {
		return out, m
	}

	now := time.Now().UTC()
	swapped, current, err := store.ApproveCAS(ctx, id, now)
	if err != nil {
		return outcomeError, "Approve failed: " + err.Error()
	}
	if !swapped {
		return outcomeAlready, fmt.Sprintf("Job %s is already %s", shortID(id), current)
	}

	a, err := store.GetApproval(ctx, id)
	if err != nil {
		return outcomeError, "Approved, but reload failed: " + err.Error()
	}
	res, err := s.launcher.SpawnApproved(ctx, a)
	if err != nil {
		observability.ApprovalsTotal.WithLabelValues("spawn_failed").Inc()
		if merr := store.MarkApprovalSpawnFailed(ctx, id, err.Error()); merr != nil {
			slog.Error("failed to record spawn failure",
				slog.String("approval_id", id), slog.Any("error", merr))
		}
		return outcomeSpawnFailed, fmt.Sprintf(
			"Approved %s, but spawning failed: %s. Approve again to retry.",
			shortID(id), notify.RedactForAlert(err.Error()))
	}
	if err := store.SetApprovalSpawnResult(ctx, id, res.RunID, res.SessionKey); err != nil {
		slog.Error("failed to record spawn linkage",
			slog.String("approval_id", id), slog.Any("error", err))
	}
	observability.ApprovalsTotal.WithLabelValues("approved").Inc()
	return outcomeApproved, fmt.Sprintf("Approved %s: %s → %s (run %s)",
		shortID(id), a.Caller, a.Target, res.RunID)
}

func (s *Approvals) doReject(ctx context.Context, idOrPrefix string) (approvalOutcome, string) {
	store := s.store()
	if store == nil {
		return outcomeError, "Approval store is unavailable; try again later."
	}
	id, msg, ok := s.resolve(ctx, store, idOrPrefix)
	if !ok {
		return outcomeError, msg
	}
	if out, m, expired := s.expireIfPast(ctx, store, id); expired {
		return out, m
	}

	swapped, current, err := store.RejectCAS(ctx, id, time.Now().UTC())
	if err != nil {
		return outcomeError, "Reject failed: " + err.Error()
	}
	if !swapped {
		return outcomeAlready, fmt.Sprintf("Job %s is already %s", shortID(id), current)
	}
	observability.ApprovalsTotal.WithLabelValues("rejected").Inc()
	return outcomeRejected, fmt.Sprintf("Rejected %s", shortID(id))
}

func (s *Approvals) resolve(ctx context.Context, store domain.ApprovalStore, idOrPrefix string) (id, msg string, ok bool) {
	id, err := store.ResolveApprovalID(ctx, idOrPrefix)
	switch {
	case errors.Is(err, domain.ErrConflict):
		return "", fmt.Sprintf("Ambiguous id %q: multiple pending approvals match.", idOrPrefix), false
	case errors.Is(err, domain.ErrNotFound):
		return "", fmt.Sprintf("No approval matches %q.", idOrPrefix), false
	case err != nil:
		return "", "Lookup failed: " + err.Error(), false
	}
	return id, "", true
}

// expireIfPast lazily expires a pending record whose TTL clock has run out
// before the store-native expiry reaped it.
func (s *Approvals) expireIfPast(ctx context.Context, store domain.ApprovalStore, id string) (approvalOutcome, string, bool) {
	a, err := store.GetApproval(ctx, id)
	if err != nil {
		return outcomeError, "Lookup failed: " + err.Error(), true
	}
	if a.Status != domain.ApprovalPending || time.Now().Before(a.ExpiresAt(s.cfg.ApprovalTTL)) {
		return 0, "", false
	}
	if merr := store.MarkApprovalExpired(ctx, id, time.Now().UTC()); merr != nil {
		slog.Error("failed to mark approval expired",
			slog.String("approval_id", id), slog.Any("error", merr))
	}
	observability.ApprovalsTotal.WithLabelValues("expired").Inc()
	return outcomeExpired, fmt.Sprintf("Approval %s has expired.", shortID(id)), true
}

func (s *Approvals) removeReaction(ctx context.Context, channelID, messageID, emoji, userID string) {
	if s.moderator == nil || userID == "" {
		return
	}
	if err := s.moderator.RemoveReaction(ctx, channelID, messageID, emoji, userID); err != nil {
		slog.Debug("reaction removal failed",
			slog.String("message_id", messageID),
			slog.Any("error", err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

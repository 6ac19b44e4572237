package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// Alerter posts redacted dead-letter notifications to the operator channel.
// A nil sender or empty channel disables alerting; failures are logged and
// swallowed — an alert must never take down the retry path that triggered it.
type Alerter struct {
	sender    domain.MessageSender
	channelID string
}

// NewAlerter builds an alerter. Either argument may be zero to disable.
func NewAlerter(sender domain.MessageSender, channelID string) *Alerter {
	return &Alerter{sender: sender, channelID: channelID}
}

// JobFailedPermanently sends the redacted terminal-failure alert for a job.
func (a *Alerter) JobFailedPermanently(ctx context.Context, job domain.Job, failErr string) {
	if a == nil || a.sender == nil || a.channelID == "" {
		return
	}
	content := fmt.Sprintf("Job %s (%s → %s) failed permanently after %d retries: %s",
		job.JobID, job.DispatchedBy, job.Target, job.RetryCount, RedactForAlert(failErr))
	if job.Label != "" {
		content = fmt.Sprintf("[%s] %s", RedactForAlert(job.Label), content)
	}
	if _, err := a.sender.Send(ctx, "discord", a.channelID, content, "dlq:"+job.JobID); err != nil {
		slog.Error("DLQ alert send failed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err))
		return
	}
	observability.DLQAlertsTotal.Inc()
}

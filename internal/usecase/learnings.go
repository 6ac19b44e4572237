package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// AddLearningInput is the add_learning tool parameter set.
type AddLearningInput struct {
	ProjectID     string   `json:"projectId" validate:"required"`
	JobID         string   `json:"jobId" validate:"required"`
	Learning      string   `json:"learning" validate:"required"`
	Tags          []string `json:"tags,omitempty" validate:"max=10,dive,required"`
	PreviousJobID string   `json:"previousJobId,omitempty"`
	Phase         string   `json:"phase,omitempty"`
}

// AddLearningResult is the structured add_learning response.
type AddLearningResult struct {
	Status    string   `json:"status"`
	ID        string   `json:"id,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
	JobID     string   `json:"jobId,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// LearningsQuery narrows the learnings tool. Exactly one of ProjectID or
// JobID must be set.
type LearningsQuery struct {
	ProjectID string   `json:"projectId,omitempty"`
	JobID     string   `json:"jobId,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// LearningsResult is the structured learnings response.
type LearningsResult struct {
	Status  string                 `json:"status"`
	Entries []domain.LearningEntry `json:"entries"`
	Count   int                    `json:"count"`
	Error   string                 `json:"error,omitempty"`
}

// Learnings is the append-only project knowledge service. Writes are
// restricted to system agents; reads are open to any agent.
type Learnings struct {
	cfg   config.Config
	store func() domain.LearningStore
}

// NewLearnings wires the learnings service.
func NewLearnings(cfg config.Config, store func() domain.LearningStore) *Learnings {
	return &Learnings{cfg: cfg, store: store}
}

// Add records a learning entry. System agents only.
func (l *Learnings) Add(ctx context.Context, callerID string, in AddLearningInput) AddLearningResult {
	if !l.cfg.IsSystemAgent(callerID) {
		return AddLearningResult{Status: StatusUnauthorized, Error: "add_learning is restricted to system agents"}
	}
	if err := validate.Struct(in); err != nil {
		return AddLearningResult{Status: StatusError, Error: validationMessage(err)}
	}
	if utf8.RuneCountInString(in.Learning) > domain.MaxLearningChars {
		return AddLearningResult{Status: StatusError,
			Error: fmt.Sprintf("learning exceeds %d characters", domain.MaxLearningChars)}
	}
	store := l.store()
	if store == nil {
		return AddLearningResult{Status: StatusError, Error: "learning store unavailable"}
	}

	e := domain.LearningEntry{
		// ulid.Make reads the package-level locked entropy source; Add may
		// run from concurrent tool handlers.
		ID:            ulid.Make().String(),
		JobID:         in.JobID,
		PreviousJobID: in.PreviousJobID,
		ProjectID:     in.ProjectID,
		Phase:         in.Phase,
		AgentID:       callerID,
		Learning:      in.Learning,
		Tags:          in.Tags,
		Timestamp:     time.Now().UTC(),
	}
	if err := store.AddLearning(ctx, e); err != nil {
		return AddLearningResult{Status: StatusError, Error: err.Error()}
	}
	slog.Info("learning recorded",
		slog.String("learning_id", e.ID),
		slog.String("project_id", e.ProjectID),
		slog.String("job_id", e.JobID))
	return AddLearningResult{
		Status:    "ok",
		ID:        e.ID,
		ProjectID: e.ProjectID,
		JobID:     e.JobID,
		Tags:      e.Tags,
	}
}

// Query returns matching entries, newest first.
func (l *Learnings) Query(ctx context.Context, q LearningsQuery) LearningsResult {
	if (q.ProjectID == "") == (q.JobID == "") {
		return LearningsResult{Status: StatusError, Error: "exactly one of projectId or jobId is required"}
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	store := l.store()
	if store == nil {
		return LearningsResult{Status: StatusError, Error: "learning store unavailable"}
	}

	var (
		entries []domain.LearningEntry
		err     error
	)
	if q.ProjectID != "" {
		entries, err = store.LearningsByProject(ctx, q.ProjectID, q.Limit)
	} else {
		entries, err = store.LearningsByJob(ctx, q.JobID, q.Limit)
	}
	if err != nil {
		return LearningsResult{Status: StatusError, Error: err.Error()}
	}

	if len(q.Tags) > 0 {
		filtered := entries[:0]
		for _, e := range entries {
			if e.HasAnyTag(q.Tags) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return LearningsResult{Status: "ok", Entries: entries, Count: len(entries)}
}

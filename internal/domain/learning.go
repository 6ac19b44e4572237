package domain

import "time"

// LearningEntry is an append-only, project-scoped piece of knowledge
// recorded by a system agent after a job phase.
type LearningEntry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	PreviousJobID string    `json:"previousJobId,omitempty"`
	ProjectID     string    `json:"projectId"`
	Phase         string    `json:"phase,omitempty"`
	AgentID       string    `json:"agentId"`
	Learning      string    `json:"learning"`
	Tags          []string  `json:"tags,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HasAnyTag reports whether the entry carries at least one of the wanted
// tags. An empty filter matches everything.
func (e LearningEntry) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range e.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

package redisstore

import (
	"context"
	"errors"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// AddLearning appends an entry and indexes it per project (timestamp
// ordered) and per job (insertion ordered). Entries expire with the
// configured learning TTL.
func (s *Store) AddLearning(ctx context.Context, e domain.LearningEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=redisstore.AddLearning: %w", err)
	}
	score := float64(e.Timestamp.UnixMilli())
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyLearningPrefix+e.ID, b, s.learningTTL)
	pipe.ZAdd(ctx, keyLearningProject+e.ProjectID, redis.Z{Score: score, Member: e.ID})
	pipe.Expire(ctx, keyLearningProject+e.ProjectID, s.learningTTL)
	pipe.RPush(ctx, keyLearningJob+e.JobID, e.ID)
	pipe.Expire(ctx, keyLearningJob+e.JobID, s.learningTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisstore.AddLearning: %w", err)
	}
	return nil
}

// LearningsByProject returns the newest entries for a project.
func (s *Store) LearningsByProject(ctx context.Context, projectID string, limit int) ([]domain.LearningEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.ZRevRange(ctx, keyLearningProject+projectID, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.LearningsByProject: %w", err)
	}
	return s.loadLearnings(ctx, ids)
}

// LearningsByJob returns entries recorded against a job, newest first.
func (s *Store) LearningsByJob(ctx context.Context, jobID string, limit int) ([]domain.LearningEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.LRange(ctx, keyLearningJob+jobID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.LearningsByJob: %w", err)
	}
	// Insertion order, newest last; reverse and cap.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return s.loadLearnings(ctx, ids)
}

func (s *Store) loadLearnings(ctx context.Context, ids []string) ([]domain.LearningEntry, error) {
	out := make([]domain.LearningEntry, 0, len(ids))
	for _, id := range ids {
		b, err := s.rdb.Get(ctx, keyLearningPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // entry expired under its index
		}
		if err != nil {
			return nil, fmt.Errorf("op=redisstore.loadLearnings: %w", err)
		}
		var e domain.LearningEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("op=redisstore.loadLearnings: decode %s: %w", id, err)
		}
		out = append(out, e)
	}
	return out, nil
}

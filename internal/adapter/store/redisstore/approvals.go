package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// Approval records are hashes with two fields: "status" (the CAS target the
// Lua scripts operate on) and "record" (full JSON). Status read from the
// hash field is authoritative; the JSON copy is refreshed by the winning
// writer after a swap.

const fullUUIDLen = 36

// CreateApproval pipelines the record, the pending sorted set entry, the
// project set (when tagged) and the reverse notification index. The
// notification must already have been sent: records are never created before
// their notification succeeds.
func (s *Store) CreateApproval(ctx context.Context, a domain.Approval) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("op=redisstore.CreateApproval: %w", err)
	}
	key := keyApprovalPrefix + a.ID
	score := float64(a.CreatedAt.UnixMilli())

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "status", string(a.Status), "record", b)
	pipe.Expire(ctx, key, s.approvalTTL)
	pipe.ZAdd(ctx, keyApprovalPending, redis.Z{Score: score, Member: a.ID})
	if a.Project != "" {
		pipe.ZAdd(ctx, keyApprovalProject+a.Project, redis.Z{Score: score, Member: a.ID})
	}
	if a.NotificationMessageID != "" {
		// Reverse index must not expire before the primary record.
		pipe.Set(ctx, keyApprovalMsg+a.NotificationMessageID, a.ID, s.approvalTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisstore.CreateApproval: %w", err)
	}
	return nil
}

// GetApproval loads a record, overlaying the authoritative status field.
func (s *Store) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	vals, err := s.rdb.HMGet(ctx, keyApprovalPrefix+id, "status", "record").Result()
	if err != nil {
		return domain.Approval{}, fmt.Errorf("op=redisstore.GetApproval: %w", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return domain.Approval{}, fmt.Errorf("op=redisstore.GetApproval: approval %s: %w", id, domain.ErrNotFound)
	}
	var a domain.Approval
	if err := json.Unmarshal([]byte(vals[1].(string)), &a); err != nil {
		return domain.Approval{}, fmt.Errorf("op=redisstore.GetApproval: decode %s: %w", id, err)
	}
	a.Status = domain.ApprovalStatus(vals[0].(string))
	return a, nil
}

// saveApprovalRecord refreshes the JSON copy, preserving the hash TTL.
func (s *Store) saveApprovalRecord(ctx context.Context, a domain.Approval) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("op=redisstore.saveApprovalRecord: %w", err)
	}
	if err := s.rdb.HSet(ctx, keyApprovalPrefix+a.ID, "status", string(a.Status), "record", b).Err(); err != nil {
		return fmt.Errorf("op=redisstore.saveApprovalRecord: %w", err)
	}
	return nil
}

// ResolveApprovalID accepts a full UUID (exactly 36 chars containing '-') or
// a prefix matched against the pending set. Zero or multiple prefix matches
// are rejected.
func (s *Store) ResolveApprovalID(ctx context.Context, idOrPrefix string) (string, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return "", fmt.Errorf("op=redisstore.ResolveApprovalID: empty id: %w", domain.ErrInvalidArgument)
	}
	if len(idOrPrefix) == fullUUIDLen && strings.Contains(idOrPrefix, "-") {
		return idOrPrefix, nil
	}
	ids, err := s.rdb.ZRange(ctx, keyApprovalPending, 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("op=redisstore.ResolveApprovalID: %w", err)
	}
	var match string
	for _, id := range ids {
		if strings.HasPrefix(id, idOrPrefix) {
			if match != "" {
				return "", fmt.Errorf("op=redisstore.ResolveApprovalID: prefix %q is ambiguous: %w", idOrPrefix, domain.ErrConflict)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("op=redisstore.ResolveApprovalID: no pending approval matches %q: %w", idOrPrefix, domain.ErrNotFound)
	}
	return match, nil
}

// ApproveCAS attempts the pending|approved_spawn_failed -> approved swap.
// When the swap happens it refreshes the JSON record. Otherwise it reports
// the status that blocked it.
func (s *Store) ApproveCAS(ctx context.Context, id string, at time.Time) (bool, domain.ApprovalStatus, error) {
	res, err := s.approveCAS.Run(ctx, s.rdb, []string{keyApprovalPrefix + id}, at.UTC().Format(time.RFC3339)).Text()
	if err != nil {
		return false, "", fmt.Errorf("op=redisstore.ApproveCAS: %w", err)
	}
	switch res {
	case "ok":
		a, err := s.GetApproval(ctx, id)
		if err != nil {
			return true, domain.ApprovalApproved, err
		}
		a.Status = domain.ApprovalApproved
		a.ApprovedAt = at
		if err := s.saveApprovalRecord(ctx, a); err != nil {
			return true, domain.ApprovalApproved, err
		}
		return true, domain.ApprovalApproved, nil
	case "missing":
		return false, "", fmt.Errorf("op=redisstore.ApproveCAS: approval %s: %w", id, domain.ErrNotFound)
	case "malformed":
		return false, "", fmt.Errorf("op=redisstore.ApproveCAS: approval %s malformed: %w", id, domain.ErrInternal)
	default:
		return false, domain.ApprovalStatus(res), nil
	}
}

// RejectCAS attempts the pending -> rejected swap. It must not overwrite
// approved, approved_spawn_failed or rejected records.
func (s *Store) RejectCAS(ctx context.Context, id string, at time.Time) (bool, domain.ApprovalStatus, error) {
	res, err := s.rejectCAS.Run(ctx, s.rdb, []string{keyApprovalPrefix + id}, at.UTC().Format(time.RFC3339)).Text()
	if err != nil {
		return false, "", fmt.Errorf("op=redisstore.RejectCAS: %w", err)
	}
	switch res {
	case "ok":
		a, err := s.GetApproval(ctx, id)
		if err != nil {
			return true, domain.ApprovalRejected, err
		}
		a.Status = domain.ApprovalRejected
		a.RejectedAt = at
		if err := s.saveApprovalRecord(ctx, a); err != nil {
			return true, domain.ApprovalRejected, err
		}
		s.removeFromApprovalSets(ctx, a)
		return true, domain.ApprovalRejected, nil
	case "missing":
		return false, "", fmt.Errorf("op=redisstore.RejectCAS: approval %s: %w", id, domain.ErrNotFound)
	case "malformed":
		return false, "", fmt.Errorf("op=redisstore.RejectCAS: approval %s malformed: %w", id, domain.ErrInternal)
	default:
		return false, domain.ApprovalStatus(res), nil
	}
}

// MarkApprovalExpired transitions a record to expired and prunes it from the
// sorted sets. Not CAS-guarded: expiry wins only because callers pre-check
// the deadline before attempting approve/reject.
func (s *Store) MarkApprovalExpired(ctx context.Context, id string, at time.Time) error {
	a, err := s.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	a.Status = domain.ApprovalExpired
	a.ExpiredAt = at
	if err := s.saveApprovalRecord(ctx, a); err != nil {
		return err
	}
	s.removeFromApprovalSets(ctx, a)
	return nil
}

// MarkApprovalSpawnFailed records that the approved spawn failed; the record
// stays retry-eligible for a subsequent approve.
func (s *Store) MarkApprovalSpawnFailed(ctx context.Context, id, spawnErr string) error {
	a, err := s.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	a.Status = domain.ApprovalApprovedSpawnFail
	a.SpawnError = spawnErr
	return s.saveApprovalRecord(ctx, a)
}

// SetApprovalSpawnResult writes the spawn linkage after a successful
// approved spawn and cleans the pending/project sets. The record is terminal
// from here.
func (s *Store) SetApprovalSpawnResult(ctx context.Context, id, runID, sessionKey string) error {
	a, err := s.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	a.SpawnRunID = runID
	a.SpawnSessionKey = sessionKey
	if err := s.saveApprovalRecord(ctx, a); err != nil {
		return err
	}
	s.removeFromApprovalSets(ctx, a)
	return nil
}

// ListPendingApprovals returns pending records oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, limit int) ([]domain.Approval, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.ZRange(ctx, keyApprovalPending, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.ListPendingApprovals: %w", err)
	}
	out := make([]domain.Approval, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetApproval(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// Record expired underneath the set; prune the orphan entry.
			_ = s.rdb.ZRem(ctx, keyApprovalPending, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		// Only pending records belong to the pending index.
		if a.Status == domain.ApprovalPending {
			out = append(out, a)
		}
	}
	return out, nil
}

// ApprovalByNotificationMessage resolves the reverse index written at
// creation time.
func (s *Store) ApprovalByNotificationMessage(ctx context.Context, messageID string) (domain.Approval, error) {
	id, err := s.rdb.Get(ctx, keyApprovalMsg+messageID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Approval{}, fmt.Errorf("op=redisstore.ApprovalByNotificationMessage: message %s: %w", messageID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Approval{}, fmt.Errorf("op=redisstore.ApprovalByNotificationMessage: %w", err)
	}
	return s.GetApproval(ctx, id)
}

func (s *Store) removeFromApprovalSets(ctx context.Context, a domain.Approval) {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, keyApprovalPending, a.ID)
	if a.Project != "" {
		pipe.ZRem(ctx, keyApprovalProject+a.Project, a.ID)
	}
	_, _ = pipe.Exec(ctx)
}

// Package redisstore implements the orchestrator's shared state layer on a
// Redis-compatible store: job records and indexes, approval records with
// compare-and-swap transitions, the learning index and the dispatch rate
// limiter. All cross-component coordination goes through this keyspace.
package redisstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
)

// Keyspace. Queue infrastructure lives under bull:, orchestrator-owned
// records under orch:. The canonical per-agent queue name is agent-{id}.
const (
	keyJobPrefix      = "bull:job:"
	keyJobIndex       = "bull:job-index"
	keySessionIndex   = "bull:session-index"
	keyActiveChildren = "bull:active-children:" // + agentId, set of jobIds
	keyRateLimit      = "bull:ratelimit:dispatch:"

	keyApprovalPrefix  = "orch:approval:"
	keyApprovalPending = "orch:approvals:pending"
	keyApprovalProject = "orch:approvals:project:"
	keyApprovalMsg     = "orch:approvals:msg:"

	keyLearningPrefix  = "orch:learning:"
	keyLearningProject = "orch:learnings:"
	keyLearningJob     = "orch:learnings:job:"
)

// QueueName returns the canonical queue name for an agent.
func QueueName(agentID string) string { return "agent-" + agentID }

// DepGatesQueue is the shared queue for dependency gate jobs.
const DepGatesQueue = "dep-gates"

var authErrPattern = regexp.MustCompile(`NOAUTH|ERR AUTH`)

// IsAuthError reports whether err is a store authentication failure. Auth
// failures trip the circuit breaker immediately: retrying cannot help.
func IsAuthError(err error) bool {
	return err != nil && authErrPattern.MatchString(err.Error())
}

// Store wraps the Redis client with the orchestrator keyspace.
type Store struct {
	rdb         *redis.Client
	approveCAS  *redis.Script
	rejectCAS   *redis.Script
	rateLimit   *redis.Script
	gateDecr    *redis.Script
	approvalTTL time.Duration
	learningTTL time.Duration
}

// Options tune record lifetimes.
type Options struct {
	ApprovalTTL time.Duration
	LearningTTL time.Duration
}

// New wraps an existing client. Used directly by tests.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = 7 * 24 * time.Hour
	}
	if opts.LearningTTL <= 0 {
		opts.LearningTTL = 365 * 24 * time.Hour
	}
	return &Store{
		rdb:         rdb,
		approveCAS:  redis.NewScript(luaApproveCAS),
		rejectCAS:   redis.NewScript(luaRejectCAS),
		rateLimit:   redis.NewScript(luaRateLimit),
		gateDecr:    redis.NewScript(luaGateDecr),
		approvalTTL: opts.ApprovalTTL,
		learningTTL: opts.LearningTTL,
	}
}

// Connect dials the store and verifies it within cfg.StoreReadyTimeout.
func Connect(ctx context.Context, cfg config.Config) (*Store, error) {
	opt := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opt)

	readyCtx, cancel := context.WithTimeout(ctx, cfg.StoreReadyTimeout)
	defer cancel()
	if err := rdb.Ping(readyCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=redisstore.Connect: %w", err)
	}
	return New(rdb, Options{ApprovalTTL: cfg.ApprovalTTL, LearningTTL: cfg.LearningTTL}), nil
}

// Client exposes the underlying connection for adapters (queue engine) that
// share it.
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping checks liveness.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Close releases the connection.
func (s *Store) Close() error { return s.rdb.Close() }

// KeepAlive pings every interval to detect connection loss. On failure it
// calls onDown once, then waits for the store to come back with bounded
// exponential backoff (capped at 30s) and calls onRecovered. Runs until ctx
// is done.
func (s *Store) KeepAlive(ctx context.Context, interval time.Duration, onDown func(error), onRecovered func()) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.Ping(ctx)
		if err == nil {
			continue
		}
		slog.Error("store keep-alive failed", slog.Any("error", err))
		if onDown != nil {
			onDown(err)
		}

		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0 // retry until ctx cancels
		reErr := backoff.Retry(func() error {
			return s.Ping(ctx)
		}, backoff.WithContext(bo, ctx))
		if reErr != nil {
			return // ctx cancelled
		}
		slog.Info("store connection recovered")
		if onRecovered != nil {
			onRecovered()
		}
	}
}

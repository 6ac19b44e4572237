// Package asynqq adapts the asynq task queue as the orchestrator's queue
// engine: one queue per agent processed by a single-concurrency worker, a
// shared dep-gates queue for dependency gating, launch retry with
// exponential backoff, and recovery scans on restart.
package asynqq

import (
	"crypto/tls"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
)

// Queue tuning. These values carry the design's safety guarantees; in
// particular the launch timeout must not be lowered: a child session launch
// runs long, and a shorter lease causes false stalls and double-launches.
const (
	// launchTimeout bounds one launch attempt and doubles as the lease a
	// worker holds on the task.
	launchTimeout = 5 * time.Minute

	// Launch failures (the spawn sequence threw) retry with exponential
	// backoff. This is distinct from the agent-level retry path, which
	// handles execution failures after a successful launch.
	launchAttempts    = 3
	launchBackoffBase = 5 * time.Second

	// Dependency gates poll the referenced job; the task lease is strictly
	// greater than the polling cap plus buffer.
	depGateTimeout      = 35 * time.Minute
	depGatePollInterval = 5 * time.Second
	depGatePollCap      = 30 * time.Minute
	depGateConcurrency  = 10

	// Retention of queue-engine task metadata for completed launches. The
	// authoritative job record store applies its own retention.
	completedTaskRetention = 7 * 24 * time.Hour

	agentQueueConcurrency = 1
)

// Task type names.
const (
	taskLaunch  = "job:launch"
	taskDepGate = "job:depgate"
)

// RedisConnOpt builds the queue engine's connection options from the shared
// store configuration.
func RedisConnOpt(cfg config.Config) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opt
}

// launchRetryDelay implements the exponential launch backoff: base * 2^n.
func launchRetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := launchBackoffBase
	for i := 0; i < n; i++ {
		d *= 2
	}
	return d
}

// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all orchestrator configuration parsed from environment
// variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"dispatch-orchestrator"`
	Port        int    `env:"PORT" envDefault:"8080"`

	// Store connection
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`
	// StoreReadyTimeout bounds the startup readiness probe; past it the
	// service runs in direct-spawn fallback mode.
	StoreReadyTimeout time.Duration `env:"STORE_READY_TIMEOUT" envDefault:"10s"`

	// Circuit breaker
	BreakerFailureThreshold int           `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerResetTimeout     time.Duration `env:"CIRCUIT_BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Limits
	DispatchesPerMinute int `env:"RATE_LIMIT_DISPATCHES_PER_MINUTE" envDefault:"10"`
	MaxQueueDepth       int `env:"RATE_LIMIT_MAX_QUEUE_DEPTH" envDefault:"50"`
	MaxSpawnDepth       int `env:"MAX_SPAWN_DEPTH" envDefault:"3"`
	MaxChildrenPerAgent int `env:"MAX_CHILDREN_PER_AGENT" envDefault:"5"`

	// Agent-level retry (execution failures, distinct from launch retry)
	AgentFailureAttempts  int           `env:"RETRY_AGENT_FAILURE_ATTEMPTS" envDefault:"3"`
	AgentFailureBaseDelay time.Duration `env:"RETRY_AGENT_FAILURE_BASE_DELAY" envDefault:"5m"`

	// Approvals
	Orchestrators       []string      `env:"APPROVAL_ORCHESTRATORS" envSeparator:","`
	AuthorizedApprovers []string      `env:"APPROVAL_AUTHORIZED_APPROVERS" envSeparator:","`
	ApprovalChannelID   string        `env:"APPROVAL_DISCORD_CHANNEL_ID"`
	ApprovalBotUserID   string        `env:"APPROVAL_BOT_USER_ID"`
	ApprovalTTL         time.Duration `env:"APPROVAL_TTL" envDefault:"168h"`

	// Learnings
	LearningTTL time.Duration `env:"LEARNINGS_TTL" envDefault:"8760h"`

	// Agents
	AgentsFile   string   `env:"AGENTS_FILE" envDefault:"agents.json"`
	SystemAgents []string `env:"SYSTEM_AGENTS" envSeparator:","`

	// Session host gateway. Empty URL wires the in-memory fake (dev only).
	SessionHostURL     string        `env:"SESSION_HOST_URL"`
	SessionHostToken   string        `env:"SESSION_HOST_TOKEN"`
	SessionHostTimeout time.Duration `env:"SESSION_HOST_TIMEOUT" envDefault:"15s"`

	// DLQ alerting
	DLQAlertChannelID string `env:"DLQ_ALERT_CHANNEL_ID"`

	// Monitoring endpoint. Empty token disables the admin routes entirely.
	BoardAuthToken string `env:"BOARD_AUTH_TOKEN"`

	// Defaults applied when a job does not override them.
	DefaultSubagentModel    string `env:"DEFAULT_SUBAGENT_MODEL"`
	DefaultSubagentThinking string `env:"DEFAULT_SUBAGENT_THINKING"`
	DefaultPrimaryModel     string `env:"DEFAULT_PRIMARY_MODEL"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CleanupInterval       time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns the host:port address of the store.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsOrchestrator reports whether callerID is exempt from approval gating.
func (c Config) IsOrchestrator(callerID string) bool {
	return contains(c.Orchestrators, callerID)
}

// IsSystemAgent reports whether callerID may use elevated features and see
// all records.
func (c Config) IsSystemAgent(callerID string) bool {
	return contains(c.SystemAgents, callerID)
}

// IsAuthorizedApprover reports whether the opaque platform id may approve or
// reject. An empty list authorizes nobody (fail-secure).
func (c Config) IsAuthorizedApprover(id string) bool {
	return contains(c.AuthorizedApprovers, id)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

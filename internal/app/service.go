// Package app wires the orchestrator's components together: store, queues,
// workers, application services and the monitoring endpoint.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/notify"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/usecase"
)

const keepAliveInterval = 15 * time.Second

// Service is the composition root. Tools and hooks hold the Service and
// resolve components at call time: the store can come up (or go away) after
// they are registered, and a nil tracker routes dispatch into the
// direct-spawn fallback.
type Service struct {
	cfg    config.Config
	agents *config.AgentRegistry

	host      domain.SessionHost
	sender    domain.MessageSender
	moderator domain.ReactionModerator

	breaker *observability.Breaker
	alerter *notify.Alerter

	mu       sync.RWMutex
	store    *redisstore.Store
	tracker  *asynqq.Tracker
	workers  *asynqq.WorkerPool
	degraded bool

	Dispatcher *usecase.Dispatcher
	Approvals  *usecase.Approvals
	Queries    *usecase.Queries
	Learnings  *usecase.Learnings
	Hooks      *usecase.Hooks

	launcher *usecase.Launcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the service graph. Nothing touches the network until Start.
func New(
	cfg config.Config,
	agents *config.AgentRegistry,
	host domain.SessionHost,
	sender domain.MessageSender,
	moderator domain.ReactionModerator,
) *Service {
	s := &Service{
		cfg:       cfg,
		agents:    agents,
		host:      host,
		sender:    sender,
		moderator: moderator,
		breaker:   observability.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout),
		alerter:   notify.NewAlerter(sender, cfg.DLQAlertChannelID),
	}

	launcher := usecase.NewLauncher(cfg, agents, host, s.jobTracker)
	s.Approvals = usecase.NewApprovals(cfg, s.approvalStore, sender, moderator, launcher)
	s.Dispatcher = usecase.NewDispatcher(cfg, agents, s.jobTracker, s.rateLimiter, s.breaker, launcher, s.Approvals)
	s.Queries = usecase.NewQueries(cfg, agents, s.jobTracker, s.approvalStore)
	s.Learnings = usecase.NewLearnings(cfg, s.learningStore)
	s.Hooks = usecase.NewHooks(cfg, s.jobTracker, host, s.alerter)
	s.launcher = launcher
	return s
}

// Start connects the store (bounded by the readiness timeout), runs restart
// recovery, then brings up the workers and background loops. A store that
// never comes up is not fatal: the service runs in direct-spawn fallback
// mode with a nil tracker.
func (s *Service) Start(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	connectCtx, connectCancel := context.WithTimeout(ctx, s.cfg.StoreReadyTimeout)
	defer connectCancel()
	store, err := redisstore.Connect(connectCtx, s.cfg)
	if err != nil {
		slog.Warn("store unreachable at startup; running in direct-spawn fallback mode",
			slog.Duration("ready_timeout", s.cfg.StoreReadyTimeout),
			slog.Any("error", err))
		return nil
	}

	opt := asynqq.RedisConnOpt(s.cfg)
	tracker := asynqq.NewTracker(store, opt, s.agents.IDs())

	// Recovery runs before any worker starts so no duplicate child session
	// can launch against an interrupted record.
	if n, rerr := tracker.RecoverInterrupted(ctx); rerr != nil {
		slog.Error("restart recovery incomplete", slog.Int("recovered", n), slog.Any("error", rerr))
	}

	workers := asynqq.NewWorkerPool(opt, store, tracker, s.launcher.Launch, s.onDeadLetter)
	if err := workers.Start(s.agents.IDs()); err != nil {
		_ = tracker.Close()
		_ = store.Close()
		return err
	}

	s.mu.Lock()
	s.store = store
	s.tracker = tracker
	s.workers = workers
	s.degraded = false
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		store.KeepAlive(bg, keepAliveInterval, s.onStoreDown, s.onStoreRecovered)
	}()
	go func() {
		defer s.wg.Done()
		NewIndexSweeper(s.jobTracker, s.cfg.CleanupInterval).Run(bg)
	}()

	slog.Info("orchestrator service started",
		slog.Int("agents", len(s.agents.IDs())),
		slog.String("redis_addr", s.cfg.RedisAddr()))
	return nil
}

// Stop shuts everything down in dependency order: workers first (they hold
// task leases), then the tracker's queue clients, then the store.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	workers, tracker, store := s.workers, s.tracker, s.store
	s.workers, s.tracker, s.store = nil, nil, nil
	s.mu.Unlock()

	if workers != nil {
		workers.Shutdown()
	}
	if tracker != nil {
		if err := tracker.Close(); err != nil {
			slog.Error("tracker close failed", slog.Any("error", err))
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			slog.Error("store close failed", slog.Any("error", err))
		}
	}
	s.wg.Wait()
	slog.Info("orchestrator service stopped")
}

// Breaker exposes the circuit breaker for the monitoring endpoint.
func (s *Service) Breaker() *observability.Breaker { return s.breaker }

// Tracker exposes the concrete tracker for the operator CLI. Nil when the
// store is unavailable.
func (s *Service) Tracker() *asynqq.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded {
		return nil
	}
	return s.tracker
}

// Ready reports whether the store-backed path is serving.
func (s *Service) Ready(ctx context.Context) bool {
	s.mu.RLock()
	store, degraded := s.store, s.degraded
	s.mu.RUnlock()
	if store == nil || degraded {
		return false
	}
	return store.Ping(ctx) == nil
}

func (s *Service) onDeadLetter(ctx context.Context, job domain.Job, launchErr error) {
	s.alerter.JobFailedPermanently(ctx, job, launchErr.Error())
}

// onStoreDown flips the service into fallback mode. Auth failures force the
// breaker open immediately: retrying with bad credentials is pointless.
func (s *Service) onStoreDown(err error) {
	if redisstore.IsAuthError(err) {
		s.breaker.ForceOpen("store authentication failure")
	}
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !already {
		slog.Error("store connection lost; direct-spawn fallback active", slog.Any("error", err))
	}
}

func (s *Service) onStoreRecovered() {
	s.mu.Lock()
	s.degraded = false
	s.mu.Unlock()
	slog.Info("store connection recovered; tracked dispatch restored")
}

// Lazy port resolvers. The typed-nil guards matter: handing a nil *Store to
// an interface value would make the nil checks in the usecases pass.

func (s *Service) jobTracker() domain.JobTracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tracker == nil || s.degraded {
		return nil
	}
	return s.tracker
}

func (s *Service) approvalStore() domain.ApprovalStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil || s.degraded {
		return nil
	}
	return s.store
}

func (s *Service) learningStore() domain.LearningStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil || s.degraded {
		return nil
	}
	return s.store
}

func (s *Service) rateLimiter() domain.RateLimiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil || s.degraded {
		return nil
	}
	return s.store
}

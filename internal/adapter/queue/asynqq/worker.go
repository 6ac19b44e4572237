package asynqq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// LaunchFunc runs the child-session spawn sequence for one job and returns
// the child run id. Unrecoverable failures carry the domain no-retry marker.
type LaunchFunc func(ctx context.Context, job domain.Job) (runID string, err error)

// DeadLetterFunc observes a job whose launch attempts are exhausted.
type DeadLetterFunc func(ctx context.Context, job domain.Job, launchErr error)

// WorkerPool runs one single-concurrency server per agent queue plus the
// dep-gates server. Parallelism is across queues, never within one.
type WorkerPool struct {
	opt        asynq.RedisClientOpt
	store      *redisstore.Store
	tracker    *Tracker
	launch     LaunchFunc
	deadLetter DeadLetterFunc
	servers    []*asynq.Server
}

// NewWorkerPool wires the pool. deadLetter may be nil.
func NewWorkerPool(opt asynq.RedisClientOpt, store *redisstore.Store, tracker *Tracker, launch LaunchFunc, deadLetter DeadLetterFunc) *WorkerPool {
	return &WorkerPool{
		opt:        opt,
		store:      store,
		tracker:    tracker,
		launch:     launch,
		deadLetter: deadLetter,
	}
}

// Start launches the per-agent workers and the dep-gate worker.
func (w *WorkerPool) Start(agents []string) error {
	for _, agent := range agents {
		queueName := redisstore.QueueName(agent)
		srv := asynq.NewServer(w.opt, asynq.Config{
			Concurrency:    agentQueueConcurrency,
			Queues:         map[string]int{queueName: 1},
			RetryDelayFunc: launchRetryDelay,
			ErrorHandler:   asynq.ErrorHandlerFunc(w.onLaunchError),
		})
		mux := asynq.NewServeMux()
		mux.HandleFunc(taskLaunch, w.handleLaunch)
		if err := srv.Start(mux); err != nil {
			w.Shutdown()
			return fmt.Errorf("op=asynqq.WorkerPool.Start: queue %s: %w", queueName, err)
		}
		w.servers = append(w.servers, srv)
		slog.Info("agent queue worker started", slog.String("queue", queueName))
	}

	gateSrv := asynq.NewServer(w.opt, asynq.Config{
		Concurrency:    depGateConcurrency,
		Queues:         map[string]int{redisstore.DepGatesQueue: 1},
		RetryDelayFunc: launchRetryDelay,
	})
	gateMux := asynq.NewServeMux()
	gateMux.HandleFunc(taskDepGate, w.handleDepGate)
	if err := gateSrv.Start(gateMux); err != nil {
		w.Shutdown()
		return fmt.Errorf("op=asynqq.WorkerPool.Start: dep-gates: %w", err)
	}
	w.servers = append(w.servers, gateSrv)
	slog.Info("dependency gate worker started", slog.Int("concurrency", depGateConcurrency))
	return nil
}

// Shutdown stops every server, waiting for in-flight handlers to drain.
// Workers close before the tracker and store: they hold task leases.
func (w *WorkerPool) Shutdown() {
	for _, srv := range w.servers {
		srv.Shutdown()
	}
	w.servers = nil
}

// handleLaunch consumes a launch task: load the record, run the spawn
// sequence and let the queue mark the task done ("dispatch-completed"). The
// child's execution lifecycle continues independently and is observed by the
// lifecycle hooks.
func (w *WorkerPool) handleLaunch(ctx context.Context, task *asynq.Task) error {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "LaunchJob")
	defer span.End()

	var p launchPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode launch payload: %v: %w", err, asynq.SkipRetry)
	}
	span.SetAttributes(attribute.String("job.id", p.JobID))

	job, err := w.store.GetJob(ctx, p.JobID)
	if err != nil {
		// Record pruned between enqueue and launch; nothing to run.
		return fmt.Errorf("load job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
	}
	if job.Status != domain.JobQueued && job.Status != domain.JobStalled {
		// Duplicate delivery after a lease expiry; the record is ahead of us.
		slog.Warn("skipping launch for job not in queued status",
			slog.String("job_id", job.JobID),
			slog.String("status", string(job.Status)))
		return nil
	}

	runID, err := w.launch(ctx, job)
	if err != nil {
		observability.LaunchesTotal.WithLabelValues(job.Target, "error").Inc()
		if domain.IsUnrecoverable(err) {
			return fmt.Errorf("launch job %s: %v: %w", job.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("launch job %s: %w", job.JobID, err)
	}
	observability.LaunchesTotal.WithLabelValues(job.Target, "ok").Inc()
	span.SetAttributes(attribute.String("run.id", runID))
	return nil
}

// onLaunchError fires per failed launch attempt. When no retries remain (or
// the error skipped them) the record is terminally failed and the
// dead-letter hook alerts.
func (w *WorkerPool) onLaunchError(ctx context.Context, task *asynq.Task, err error) {
	if task.Type() != taskLaunch {
		return
	}
	var p launchPayload
	if uerr := json.Unmarshal(task.Payload(), &p); uerr != nil {
		return
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	exhausted := retried >= maxRetry || domain.IsUnrecoverable(err)
	slog.Error("launch attempt failed",
		slog.String("job_id", p.JobID),
		slog.Int("attempt", retried+1),
		slog.Bool("exhausted", exhausted),
		slog.Any("error", err))
	if !exhausted {
		return
	}
	job, gerr := w.store.GetJob(ctx, p.JobID)
	if gerr != nil {
		return
	}
	if _, uerr := w.store.UpdateJobStatus(ctx, p.JobID, domain.JobFailedPermanent, domain.StatusExtras{
		Error:       err.Error(),
		CompletedAt: nowUTC(),
	}); uerr != nil {
		slog.Error("failed to dead-letter job record",
			slog.String("job_id", p.JobID), slog.Any("error", uerr))
		return
	}
	if w.deadLetter != nil {
		w.deadLetter(ctx, job, err)
	}
}

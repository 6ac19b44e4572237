// Package main provides orchctl, the operator CLI for the dispatch
// orchestrator: queue stats, job listing and inspection, retry and drain.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cliEnv holds the connections a command needs.
type cliEnv struct {
	cfg     config.Config
	store   *redisstore.Store
	tracker *asynqq.Tracker
}

func connect(ctx context.Context) (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreReadyTimeout)
	defer cancel()
	store, err := redisstore.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store connect: %w", err)
	}
	agents, err := config.LoadAgents(cfg.AgentsFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &cliEnv{
		cfg:     cfg,
		store:   store,
		tracker: asynqq.NewTracker(store, asynqq.RedisConnOpt(cfg), agents.IDs()),
	}, nil
}

func (e *cliEnv) close() {
	_ = e.tracker.Close()
	_ = e.store.Close()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchctl",
		Short:         "Operator CLI for the dispatch orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStatsCmd(), newListCmd(), newInspectCmd(), newRetryCmd(), newDrainCmd())
	return root
}

func newStatsCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-agent queue counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			stats, err := env.tracker.GetQueueStats(cmd.Context(), agent)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
					s.Agent, s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "restrict to one agent")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		agent, status string
		limit         int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job records, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			jobs, err := env.tracker.ListJobs(cmd.Context(), domain.ListFilter{
				Agent:  agent,
				Status: domain.JobStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tTARGET\tSTATUS\tBY\tQUEUED\tLABEL")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.JobID, j.Target, j.Status, j.DispatchedBy,
					j.QueuedAt.Format(time.RFC3339), j.Label)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter by target agent")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <jobId>",
		Short: "Print the full record of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			job, err := env.tracker.FindJobByRunID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <jobId>",
		Short: "Retry a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			ctx := cmd.Context()

			job, err := env.tracker.FindJobByRunID(ctx, args[0])
			if err != nil {
				return err
			}
			if job.Status != domain.JobFailed && job.Status != domain.JobFailedPermanent {
				return fmt.Errorf("job %s is %s, not failed", job.JobID, job.Status)
			}

			// Launch failures leave an archived task that can be rerun in
			// place. Execution failures completed their launch task, so the
			// retry is a fresh job continuing the chain.
			if err := env.tracker.RetryFailedTask(redisstore.QueueName(job.Target), job.JobID); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Re-enqueued launch task for %s\n", job.JobID)
				return nil
			}
			newID, err := env.tracker.CreateJob(ctx, domain.CreateJobParams{
				Target:               job.Target,
				Task:                 job.Task,
				DispatchedBy:         job.DispatchedBy,
				Project:              job.Project,
				Label:                job.Label,
				Model:                job.Model,
				ThinkingLevel:        job.ThinkingLevel,
				SystemPromptAddition: job.SystemPromptAddition,
				Cleanup:              job.Cleanup,
				TimeoutMs:            job.TimeoutMs,
				StoreResult:          job.StoreResult,
				RetryCount:           job.RetryCount + 1,
				OriginalJobID:        job.Root(),
				DispatcherSessionKey: job.DispatcherSessionKey,
				DispatcherAgentID:    job.DispatcherAgentID,
				DispatcherOrigin:     job.DispatcherOrigin,
			})
			if err != nil {
				return err
			}
			if job.Status == domain.JobFailed {
				if err := env.tracker.UpdateJobStatus(ctx, job.JobID, domain.JobRetrying, domain.StatusExtras{
					RetriedByJobID: newID,
				}); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dispatched retry job %s for %s\n", newID, job.JobID)
			return nil
		},
	}
}

func newDrainCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "drain <agent>",
		Short: "Delete every pending task on an agent's queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("drain removes pending work; re-run with --confirm")
			}
			env, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			n, err := env.tracker.DrainQueue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d pending tasks from %s\n", n, redisstore.QueueName(args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge destructive drain")
	return cmd
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/liquorledger/liquorledger/jobs"
)

// Enqueuer is the queue client surface the jobs CLI needs.
type Enqueuer interface {
	EnqueueIntegrityScan(ctx context.Context, repair bool) (*asynq.TaskInfo, error)
	EnqueueRebuild(ctx context.Context, payload jobs.RebuildPayload) (*asynq.TaskInfo, error)
	EnqueueCleanup(ctx context.Context, retention time.Duration) (*asynq.TaskInfo, error)
}

// Inspector reads queue state, satisfied by *asynq.Inspector.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector Inspector
}

// NewJobsCLI builds the helpers over an existing client and inspector.
func NewJobsCLI(client Enqueuer, inspector Inspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// TriggerOptions names the job and its arguments.
type TriggerOptions struct {
	Name      string
	Repair    bool
	Chain     string
	Ledger    string
	Retention time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch opts.Name {
	case jobs.TaskIntegrityScan, "scan":
		return c.client.EnqueueIntegrityScan(ctx, opts.Repair)
	case jobs.TaskRebuild, "rebuild":
		payload := jobs.RebuildPayload{Chain: opts.Chain}
		if opts.Ledger != "" {
			key, err := ParseLedgerArg(opts.Ledger)
			if err != nil {
				return nil, err
			}
			payload.Book, payload.LedgerKey = string(key.Book()), key.String()
		}
		return c.client.EnqueueRebuild(ctx, payload)
	case jobs.TaskIdempotencyCleanup, "cleanup":
		return c.client.EnqueueCleanup(ctx, opts.Retention)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", opts.Name)
	}
}

// TriggerCommand enqueues the job and prints its id.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts TriggerOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	info, err := c.Trigger(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
		return ExitError
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return ExitOK
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for queue.
func (c *JobsCLI) InspectQueue(ctx context.Context, queue string) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	if queue == "" {
		queue = jobs.QueueDefault
	}
	stats := QueueStats{Queue: queue}
	info, err := c.inspector.GetQueueInfo(queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return stats, nil
	}
	if err != nil {
		return QueueStats{}, err
	}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// StatusCommand prints the state of both queues.
func (c *JobsCLI) StatusCommand(ctx context.Context, stdout, stderr io.Writer) int {
	stdout, stderr = writers(stdout, stderr)
	for _, q := range []string{jobs.QueueDefault, jobs.QueueMaintenance} {
		stats, err := c.InspectQueue(ctx, q)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs status: %v\n", err)
			return ExitError
		}
		_, _ = fmt.Fprintf(stdout, "%-12s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	}
	return ExitOK
}

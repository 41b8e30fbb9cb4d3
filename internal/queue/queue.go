// Package queue implements named, durable, FIFO job queues on top of
// PostgreSQL. Jobs are claimed with FOR UPDATE SKIP LOCKED so any number of
// workers can pull from the same queue without double delivery, and nacked
// jobs are rescheduled with exponential backoff until their attempt budget
// runs out. Delivery is at-least-once; consumers are expected to make their
// effects idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/metrics"
)

var (
	// ErrNoJob signals an empty queue on Dequeue.
	ErrNoJob = errors.New("no job available")
	// ErrRetriesExhausted is returned by Nack when the job's attempt budget
	// is spent and the job has been marked failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Job states within the queue_jobs table.
const (
	jobStateWaiting   = "waiting"
	jobStateActive    = "active"
	jobStateCompleted = "completed"
	jobStateFailed    = "failed"
)

// Delivery is one claimed job: the descriptor plus the handle needed to
// ack or nack it.
type Delivery struct {
	JobID      string
	Queue      string
	Attempt    int
	Descriptor domain.JobDescriptor
}

// Options tunes a Queue.
type Options struct {
	Retry RetryPolicy
	// KeepCompleted and KeepFailed bound how many terminal rows PruneTerminal
	// retains per queue for observability.
	KeepCompleted int
	KeepFailed    int
}

// DefaultOptions returns the queue defaults.
func DefaultOptions() Options {
	return Options{
		Retry:         DefaultRetryPolicy(),
		KeepCompleted: 100,
		KeepFailed:    50,
	}
}

// DB abstracts the database access layer. It is implemented by
// *pgxpool.Pool and by pgx transactions, so queue operations can run on
// either.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// Queue provides enqueue/dequeue/ack/nack over the shared queue_jobs table.
// A single Queue value serves every named queue; the name travels with each
// operation.
type Queue struct {
	pool   DB
	opts   Options
	logger infra.Logger
}

// New creates a Queue backed by the given pool.
func New(pool DB, opts Options, logger infra.Logger) *Queue {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = 100
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = 50
	}
	return &Queue{pool: pool, opts: opts, logger: logger}
}

// Retry exposes the queue's retry policy.
func (q *Queue) Retry() RetryPolicy {
	return q.opts.Retry
}

// Enqueue durably inserts a job descriptor onto the named queue. The call
// returns only once the row is committed.
func (q *Queue) Enqueue(ctx context.Context, queueName string, descriptor domain.JobDescriptor) error {
	payload, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("queue: encode descriptor: %w", err)
	}

	query := `
INSERT INTO queue_jobs (id, queue, execution_id, payload, state, attempts, max_attempts, available_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, NOW());
`
	_, err = q.pool.Exec(ctx, query,
		uuid.NewString(),
		queueName,
		descriptor.ExecutionID,
		payload,
		jobStateWaiting,
		q.opts.Retry.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue on %s: %w", queueName, err)
	}
	metrics.JobsEnqueued.WithLabelValues(queueName).Inc()
	return nil
}

// Dequeue claims the oldest available waiting job on the named queue,
// marking it active and incrementing its attempt counter. Returns ErrNoJob
// when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (*Delivery, error) {
	query := `
WITH next_job AS (
    SELECT id
    FROM queue_jobs
    WHERE queue = $1 AND state = $2 AND available_at <= NOW()
    ORDER BY created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
),
claimed AS (
    UPDATE queue_jobs
    SET state = $3, attempts = attempts + 1, updated_at = NOW()
    WHERE id IN (SELECT id FROM next_job)
    RETURNING id, attempts, payload
)
SELECT id, attempts, payload FROM claimed;
`
	row := q.pool.QueryRow(ctx, query, queueName, jobStateWaiting, jobStateActive)

	var (
		jobID   string
		attempt int
		payload []byte
	)
	if err := row.Scan(&jobID, &attempt, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("queue: claim on %s: %w", queueName, err)
	}

	var descriptor domain.JobDescriptor
	if err := json.Unmarshal(payload, &descriptor); err != nil {
		// An undecodable payload can never succeed; bury it.
		q.logger.Error().Err(err).Str("job_id", jobID).Str("queue", queueName).Msg("queue: dropping malformed job payload")
		if markErr := q.setState(ctx, jobID, jobStateFailed, "malformed payload"); markErr != nil {
			return nil, markErr
		}
		return nil, ErrNoJob
	}

	return &Delivery{JobID: jobID, Queue: queueName, Attempt: attempt, Descriptor: descriptor}, nil
}

// Ack marks the delivery's job completed. The row is retained until pruned.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.setState(ctx, d.JobID, jobStateCompleted, "")
}

// Fail marks the delivery's job permanently failed, bypassing any remaining
// retry budget. Used for non-retryable failures such as invalid parameters.
func (q *Queue) Fail(ctx context.Context, d *Delivery, reason string) error {
	return q.setState(ctx, d.JobID, jobStateFailed, reason)
}

// Nack returns the job to the queue with the policy's exponential backoff.
// When the attempt budget is spent the job is marked failed and
// ErrRetriesExhausted is returned so the caller can settle the execution.
func (q *Queue) Nack(ctx context.Context, d *Delivery, reason string) error {
	return q.NackAfter(ctx, d, reason, q.opts.Retry.Backoff(d.Attempt))
}

// NackAfter is Nack with an explicit redelivery delay, used when the caller
// knows a better time than the backoff curve (a rate limiter's retry-after).
func (q *Queue) NackAfter(ctx context.Context, d *Delivery, reason string, delay time.Duration) error {
	if d.Attempt >= q.opts.Retry.MaxAttempts {
		if err := q.setState(ctx, d.JobID, jobStateFailed, reason); err != nil {
			return err
		}
		return ErrRetriesExhausted
	}
	if delay < 0 {
		delay = 0
	}

	query := `
UPDATE queue_jobs
SET state = $2, available_at = NOW() + ($3 * INTERVAL '1 millisecond'), last_error = $4, updated_at = NOW()
WHERE id = $1;
`
	_, err := q.pool.Exec(ctx, query, d.JobID, jobStateWaiting, delay.Milliseconds(), reason)
	if err != nil {
		return fmt.Errorf("queue: nack job %s: %w", d.JobID, err)
	}
	metrics.JobsRetried.WithLabelValues(d.Queue).Inc()
	return nil
}

// RemoveByExecutionID deletes waiting jobs for the execution from the named
// queue. Active jobs are left alone: the terminal-state rule makes their
// eventual completion attempt a no-op. Returns whether a row was removed.
func (q *Queue) RemoveByExecutionID(ctx context.Context, queueName, executionID string) (bool, error) {
	query := `
DELETE FROM queue_jobs
WHERE queue = $1 AND execution_id = $2 AND state = $3;
`
	tag, err := q.pool.Exec(ctx, query, queueName, executionID, jobStateWaiting)
	if err != nil {
		return false, fmt.Errorf("queue: remove execution %s: %w", executionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseStuck returns active jobs older than the threshold to waiting.
// Covers workers that died mid-delivery; redelivery is safe because status
// transitions are idempotent.
func (q *Queue) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
UPDATE queue_jobs
SET state = $1, available_at = NOW(), updated_at = NOW()
WHERE state = $2 AND updated_at < NOW() - ($3 * INTERVAL '1 millisecond');
`
	tag, err := q.pool.Exec(ctx, query, jobStateWaiting, jobStateActive, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("queue: release stuck jobs: %w", err)
	}
	released := int(tag.RowsAffected())
	if released > 0 {
		q.logger.Warn().Int("count", released).Msg("queue: released stuck jobs")
	}
	return released, nil
}

// PruneTerminal trims retained completed and failed rows beyond the
// configured caps, per queue name.
func (q *Queue) PruneTerminal(ctx context.Context) error {
	query := `
DELETE FROM queue_jobs
WHERE state = $1 AND id NOT IN (
    SELECT id FROM queue_jobs
    WHERE state = $1 AND queue = $2
    ORDER BY updated_at DESC
    LIMIT $3
) AND queue = $2;
`
	names, err := q.queueNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := q.pool.Exec(ctx, query, jobStateCompleted, name, q.opts.KeepCompleted); err != nil {
			return fmt.Errorf("queue: prune completed on %s: %w", name, err)
		}
		if _, err := q.pool.Exec(ctx, query, jobStateFailed, name, q.opts.KeepFailed); err != nil {
			return fmt.Errorf("queue: prune failed on %s: %w", name, err)
		}
	}
	return nil
}

// Depth reports waiting jobs on the named queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (int, error) {
	var depth int
	query := `SELECT COUNT(*) FROM queue_jobs WHERE queue = $1 AND state = $2;`
	if err := q.pool.QueryRow(ctx, query, queueName, jobStateWaiting).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue: depth of %s: %w", queueName, err)
	}
	return depth, nil
}

func (q *Queue) queueNames(ctx context.Context) ([]string, error) {
	rows, err := q.pool.Query(ctx, `SELECT DISTINCT queue FROM queue_jobs;`)
	if err != nil {
		return nil, fmt.Errorf("queue: list queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (q *Queue) setState(ctx context.Context, jobID, state, lastError string) error {
	query := `
UPDATE queue_jobs
SET state = $2, last_error = NULLIF($3, ''), updated_at = NOW()
WHERE id = $1;
`
	if _, err := q.pool.Exec(ctx, query, jobID, state, lastError); err != nil {
		return fmt.Errorf("queue: mark job %s %s: %w", jobID, state, err)
	}
	return nil
}

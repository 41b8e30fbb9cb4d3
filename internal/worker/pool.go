package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/queue"
)

// DefaultPollInterval is how long an idle worker sleeps between dequeue
// attempts.
const DefaultPollInterval = 2 * time.Second

// Pool runs a fixed number of workers against one named queue. Jobs on the
// queue are claimed one at a time per worker; concurrency per media kind is
// exactly the pool size.
type Pool struct {
	queueName    string
	concurrency  int
	pollInterval time.Duration
	source       JobSource
	handler      *Handler
	logger       infra.Logger
}

func NewPool(queueName string, concurrency int, pollInterval time.Duration, source JobSource, handler *Handler, logger infra.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Pool{
		queueName:    queueName,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		source:       source,
		handler:      handler,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight deliveries to
// settle before returning.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Str("queue", p.queueName).
		Int("concurrency", p.concurrency).
		Msg("worker: pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			return p.loop(ctx)
		})
	}
	err := g.Wait()
	p.logger.Info().Str("queue", p.queueName).Msg("worker: pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := p.source.Dequeue(ctx, p.queueName)
		if err != nil {
			if errors.Is(err, queue.ErrNoJob) {
				if !sleep(ctx, p.pollInterval) {
					return ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error().Err(err).Str("queue", p.queueName).Msg("worker: dequeue failed")
			if !sleep(ctx, p.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := p.handler.Handle(ctx, d); err != nil {
			p.logger.Error().Err(err).
				Str("queue", p.queueName).
				Str("job_id", d.JobID).
				Msg("worker: delivery failed, job left active for release")
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

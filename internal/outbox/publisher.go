package outbox

import (
	"context"
	"log/slog"
	"time"

	otelx "custhub/libs/otel"
)

// Broker hands one event to the transport. A nil error means the transport
// durably accepted the event for downstream distribution; it says nothing
// about consumer receipt.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
}

// store is the slice of Repository the publisher needs.
type store interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	ClaimPending(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, errText string) error
}

type Publisher struct {
	repo           store
	broker         Broker
	logger         *slog.Logger
	pollEvery      time.Duration
	batchSize      int
	publishTimeout time.Duration
	staleAfter     time.Duration
}

type PublisherConfig struct {
	PollEvery      time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	StaleAfter     time.Duration
}

func NewPublisher(repo *Repository, broker Broker, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	return newPublisher(repo, broker, logger, cfg)
}

func newPublisher(repo store, broker Broker, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Publisher{
		repo:           repo,
		broker:         broker,
		logger:         logger,
		pollEvery:      cfg.PollEvery,
		batchSize:      cfg.BatchSize,
		publishTimeout: cfg.PublishTimeout,
		staleAfter:     cfg.StaleAfter,
	}
}

// Run polls until ctx is cancelled. Store failures are logged and retried on
// the next tick; delivery failures never surface here at all, they are
// recorded on the row.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox drain failed", "err", err)
			}
		}
	}
}

// RunOnce drains the pending set observed at claim time, oldest-first. Each
// message ends published or failed; a delivery error is local to its row and
// the loop keeps going. Only store errors abort the run.
func (p *Publisher) RunOnce(ctx context.Context) error {
	if requeued, err := p.repo.RequeueStale(ctx, p.staleAfter); err != nil {
		return err
	} else if requeued > 0 {
		p.logger.Warn("requeued stale in-flight messages", "count", requeued)
	}

	msgs, err := p.repo.ClaimPending(ctx, p.batchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := p.publishOne(ctx, msg); err != nil {
			// Run-context cancellation is a shutdown, not a delivery verdict.
			// Leave the row in_flight; a later run requeues it once the
			// claim goes stale.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if markErr := p.repo.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
				return markErr
			}
			p.logger.Error("event delivery failed",
				"message_id", msg.ID,
				"event_type", msg.EventType,
				"aggregate_id", msg.AggregateID,
				"err", err,
			)
			continue
		}

		if err := p.repo.MarkPublished(ctx, msg.ID, time.Now().UTC()); err != nil {
			return err
		}
		p.logger.Info("event published",
			"message_id", msg.ID,
			"event_type", msg.EventType,
			"aggregate_id", msg.AggregateID,
		)
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, msg Message) error {
	// Resume the trace that produced the row, and bound the broker call so a
	// hung transport cannot stall the rest of the batch indefinitely.
	msgCtx := otelx.ContextWithTraceContext(ctx, msg.Traceparent, msg.Tracestate)
	msgCtx, cancel := context.WithTimeout(msgCtx, p.publishTimeout)
	defer cancel()
	return p.broker.Publish(msgCtx, msg)
}

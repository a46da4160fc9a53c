package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"custhub/libs/db"
	otelx "custhub/libs/otel"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends a pending row inside the caller's transaction so the event
// commits or rolls back together with the entity mutation.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_messages (event_id, aggregate_type, aggregate_id, event_type, payload, status, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, StatusPending, traceparent, tracestate)
	if err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

const messageColumns = `id, event_id, aggregate_type, aggregate_id, event_type, payload, status, COALESCE(error_message, ''), published_at, claimed_at, COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at`

// ClaimPending flips up to limit of the oldest pending rows to in_flight and
// returns them oldest-first. SKIP LOCKED keeps two concurrent publishers from
// claiming the same row; the claim commits before any publish attempt so no
// row lock is held across broker I/O.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Message, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		UPDATE outbox_messages
		SET status = $1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = $2
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, messageColumns), StatusInFlight, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING gives no ordering guarantee; restore oldest-first.
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = $1, published_at = $2
		WHERE id = $3
	`, StatusPublished, at, id)
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox: mark published: message %d not found", id)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, errText string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = $1, error_message = $2
		WHERE id = $3
	`, StatusFailed, errText, id)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox: mark failed: message %d not found", id)
	}
	return nil
}

// RequeueStale returns in_flight rows abandoned by a crashed publisher to
// pending so a later run can pick them up again.
func (r *Repository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < now() - ($3 * interval '1 second')
	`, StatusPending, StatusInFlight, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox: requeue stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByStatus is an observability query; the delivery path never uses it.
func (r *Repository) ListByStatus(ctx context.Context, status Status, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, messageColumns), status, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list by status: %w", err)
	}
	return scanMessages(rows)
}

// ListByAggregate returns every message recorded for one aggregate, oldest-first.
func (r *Repository) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]Message, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM outbox_messages
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY created_at, id
	`, messageColumns), aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("outbox: list by aggregate: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.EventID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Payload, &m.Status, &m.ErrorMessage, &m.PublishedAt, &m.ClaimedAt, &m.Traceparent, &m.Tracestate, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("outbox: rows: %w", rows.Err())
	}
	return msgs, nil
}

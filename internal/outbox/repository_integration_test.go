package outbox_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"custhub/internal/outbox"
	"custhub/libs/db"
	"custhub/test/infra"
)

func setupStore(t *testing.T) (context.Context, *db.Pool, *outbox.Repository) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	pgC, dsn, err := infra.StartPostgres16(ctx)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, err := infra.OpenMigrated(ctx, dsn)
	if err != nil {
		t.Fatalf("open migrated pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return ctx, pool, outbox.NewRepository(pool)
}

func insertPending(ctx context.Context, t *testing.T, pool *db.Pool, repo *outbox.Repository, eventType string) {
	t.Helper()
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = repo.Insert(ctx, tx, outbox.Event{
		AggregateType: "customer",
		AggregateID:   "c-1",
		EventType:     eventType,
		Payload:       []byte(`{"id":"c-1"}`),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestInsert_RollsBackWithTransaction(t *testing.T) {
	ctx, pool, repo := setupStore(t)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = repo.Insert(ctx, tx, outbox.Event{
		AggregateType: "customer",
		AggregateID:   "c-9",
		EventType:     "customer.created",
		Payload:       []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	msgs, err := repo.ListByStatus(ctx, outbox.StatusPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rolled-back insert left %d rows", len(msgs))
	}
}

func TestClaimPending_OrdersOldestFirstAndClaimsOnce(t *testing.T) {
	ctx, pool, repo := setupStore(t)

	insertPending(ctx, t, pool, repo, "customer.created")
	insertPending(ctx, t, pool, repo, "customer.updated")
	insertPending(ctx, t, pool, repo, "customer.deleted")

	claimed, err := repo.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d, want 3", len(claimed))
	}
	for i := 1; i < len(claimed); i++ {
		prev, cur := claimed[i-1], claimed[i]
		if cur.CreatedAt.Before(prev.CreatedAt) || (cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID) {
			t.Fatalf("claim order not oldest-first: %d before %d", prev.ID, cur.ID)
		}
	}
	for _, m := range claimed {
		if m.Status != outbox.StatusInFlight {
			t.Errorf("message %d status = %s, want in_flight", m.ID, m.Status)
		}
	}

	// A second claim sees nothing: the rows are no longer pending.
	again, err := repo.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("second ClaimPending: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim got %d rows, want 0", len(again))
	}
}

func TestMarkTerminalStates(t *testing.T) {
	ctx, pool, repo := setupStore(t)

	insertPending(ctx, t, pool, repo, "customer.created")
	insertPending(ctx, t, pool, repo, "customer.updated")

	claimed, err := repo.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.MarkPublished(ctx, claimed[0].ID, at); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := repo.MarkFailed(ctx, claimed[1].ID, "timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	published, err := repo.ListByStatus(ctx, outbox.StatusPublished, 10)
	if err != nil {
		t.Fatalf("ListByStatus(published): %v", err)
	}
	if len(published) != 1 || published[0].PublishedAt == nil {
		t.Fatalf("expected one published row with published_at, got %+v", published)
	}

	failed, err := repo.ListByStatus(ctx, outbox.StatusFailed, 10)
	if err != nil {
		t.Fatalf("ListByStatus(failed): %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "timeout" {
		t.Fatalf("expected one failed row with error_message, got %+v", failed)
	}
	if failed[0].PublishedAt != nil {
		t.Error("failed row must not carry published_at")
	}

	// Neither terminal row is eligible again.
	if msgs, err := repo.ClaimPending(ctx, 10); err != nil || len(msgs) != 0 {
		t.Fatalf("terminal rows were re-claimed: %v %v", msgs, err)
	}
}

func TestFailedRowIsNotRetriedByNextRun(t *testing.T) {
	ctx, pool, repo := setupStore(t)

	insertPending(ctx, t, pool, repo, "customer.created")

	logger := slog.New(slog.DiscardHandler)
	broker := &timeoutBroker{}
	p := outbox.NewPublisher(repo, broker, logger, outbox.PublisherConfig{})

	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if broker.calls != 1 {
		t.Fatalf("broker calls = %d, want 1", broker.calls)
	}

	failed, err := repo.ListByStatus(ctx, outbox.StatusFailed, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "timeout" {
		t.Fatalf("expected failed row with timeout message, got %+v", failed)
	}

	// The next run's pending scan excludes the failed row.
	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if broker.calls != 1 {
		t.Fatalf("failed row was retried; broker calls = %d", broker.calls)
	}
}

func TestRequeueStale_ReturnsAbandonedClaims(t *testing.T) {
	ctx, pool, repo := setupStore(t)

	insertPending(ctx, t, pool, repo, "customer.created")
	if _, err := repo.ClaimPending(ctx, 10); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}

	// Backdate the claim to simulate a publisher that died mid-run.
	if _, err := pool.Exec(ctx, `UPDATE outbox_messages SET claimed_at = now() - interval '1 hour'`); err != nil {
		t.Fatalf("backdate claim: %v", err)
	}

	n, err := repo.RequeueStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	claimed, err := repo.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPending after requeue: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("requeued row not claimable, got %d", len(claimed))
	}
}

func TestListByAggregate(t *testing.T) {
	ctx, pool, repo := setupStore(t)

	insertPending(ctx, t, pool, repo, "customer.created")
	insertPending(ctx, t, pool, repo, "customer.updated")

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.Insert(ctx, tx, outbox.Event{
		AggregateType: "customer",
		AggregateID:   "c-other",
		EventType:     "customer.created",
		Payload:       []byte(`{}`),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	msgs, err := repo.ListByAggregate(ctx, "customer", "c-1")
	if err != nil {
		t.Fatalf("ListByAggregate: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages for c-1 = %d, want 2", len(msgs))
	}
	if msgs[0].EventType != "customer.created" || msgs[1].EventType != "customer.updated" {
		t.Fatalf("wrong order or content: %+v", msgs)
	}
}

type timeoutBroker struct {
	calls int
}

func (b *timeoutBroker) Publish(context.Context, outbox.Message) error {
	b.calls++
	return errors.New("timeout")
}

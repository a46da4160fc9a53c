package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func newTestPublisher(repo *fakeStore, broker Broker) *Publisher {
	return newPublisher(repo, broker, slog.New(slog.DiscardHandler), PublisherConfig{})
}

func pendingMessage(id int64, createdAt time.Time) Message {
	return Message{
		ID:            id,
		EventID:       fmt.Sprintf("evt-%d", id),
		AggregateType: "customer",
		AggregateID:   "c-1",
		EventType:     "customer.created",
		Payload:       []byte(`{"id":"c-1"}`),
		Status:        StatusInFlight,
		CreatedAt:     createdAt,
	}
}

func TestRunOnce_EmptyPendingSetIsNoOp(t *testing.T) {
	repo := &fakeStore{}
	broker := &fakeBroker{}

	if err := newTestPublisher(repo, broker).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(broker.published) != 0 {
		t.Error("no publish attempts expected")
	}
	if len(repo.publishedIDs) != 0 || len(repo.failed) != 0 {
		t.Error("zero pending messages must mean zero status writes")
	}
}

func TestRunOnce_PublishesOldestFirst(t *testing.T) {
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := &fakeStore{claimed: []Message{
		pendingMessage(1, t1),
		pendingMessage(2, t1.Add(time.Second)),
		pendingMessage(3, t1.Add(2*time.Second)),
	}}
	broker := &fakeBroker{}

	if err := newTestPublisher(repo, broker).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(broker.published) != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", len(broker.published))
	}
	for i, msg := range broker.published {
		if msg.ID != int64(i+1) {
			t.Fatalf("attempt %d was message %d; want strict oldest-first order", i, msg.ID)
		}
	}
	if len(repo.publishedIDs) != 3 {
		t.Fatalf("expected 3 published marks, got %d", len(repo.publishedIDs))
	}
}

func TestRunOnce_DeliveryFailureIsLocalToItsMessage(t *testing.T) {
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := &fakeStore{claimed: []Message{
		pendingMessage(1, t1),
		pendingMessage(2, t1.Add(time.Second)),
	}}
	broker := &fakeBroker{failIDs: map[int64]error{1: errors.New("timeout")}}

	if err := newTestPublisher(repo, broker).RunOnce(context.Background()); err != nil {
		t.Fatalf("a delivery failure must not abort the run: %v", err)
	}

	if len(repo.failed) != 1 {
		t.Fatalf("expected 1 failed mark, got %+v", repo.failed)
	}
	if repo.failed[1] == "" || repo.failed[1] != "timeout" {
		t.Errorf("error_message = %q, want %q", repo.failed[1], "timeout")
	}

	if len(repo.publishedIDs) != 1 || repo.publishedIDs[0] != 2 {
		t.Fatalf("message 2 should still be published after 1 failed, got %v", repo.publishedIDs)
	}
	if repo.publishedAt[2].IsZero() {
		t.Error("published_at must be set on success")
	}
}

func TestRunOnce_ClaimErrorPropagates(t *testing.T) {
	claimErr := errors.New("db down")
	repo := &fakeStore{claimErr: claimErr}

	err := newTestPublisher(repo, &fakeBroker{}).RunOnce(context.Background())
	if !errors.Is(err, claimErr) {
		t.Fatalf("expected claim error, got %v", err)
	}
}

func TestRunOnce_StatusWriteErrorPropagates(t *testing.T) {
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	markErr := errors.New("status update lost")
	repo := &fakeStore{
		claimed:        []Message{pendingMessage(1, t1), pendingMessage(2, t1.Add(time.Second))},
		markPublishErr: markErr,
	}
	broker := &fakeBroker{}

	err := newTestPublisher(repo, broker).RunOnce(context.Background())
	if !errors.Is(err, markErr) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
	// The run aborts at the first unrecordable outcome.
	if len(broker.published) != 1 {
		t.Fatalf("expected run to stop after first message, got %d attempts", len(broker.published))
	}
}

func TestRunOnce_MarkFailedErrorPropagates(t *testing.T) {
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	markErr := errors.New("status update lost")
	repo := &fakeStore{
		claimed:     []Message{pendingMessage(1, t1)},
		markFailErr: markErr,
	}
	broker := &fakeBroker{failIDs: map[int64]error{1: errors.New("broker unreachable")}}

	err := newTestPublisher(repo, broker).RunOnce(context.Background())
	if !errors.Is(err, markErr) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}

func TestRunOnce_RequeuesStaleClaimsFirst(t *testing.T) {
	repo := &fakeStore{staleRequeued: 2}
	broker := &fakeBroker{}

	if err := newTestPublisher(repo, broker).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !repo.requeueCalled {
		t.Error("expected stale requeue before claiming")
	}
}

func TestRunOnce_CancellationLeavesRowsInFlight(t *testing.T) {
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := &fakeStore{claimed: []Message{
		pendingMessage(1, t1),
		pendingMessage(2, t1.Add(time.Second)),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	broker := &shutdownBroker{cancel: cancel}

	err := newTestPublisher(repo, broker).RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Neither row gets a terminal status: the claimed rows stay in_flight so
	// a later run can requeue and deliver them.
	if len(repo.failed) != 0 {
		t.Errorf("shutdown must not record delivery failures, got %+v", repo.failed)
	}
	if len(repo.publishedIDs) != 0 {
		t.Errorf("no message was delivered, got published %v", repo.publishedIDs)
	}
	if broker.calls != 1 {
		t.Errorf("run should stop at the interrupted attempt, got %d attempts", broker.calls)
	}
}

func TestRunOnce_PublishTimeoutBoundsTheAttempt(t *testing.T) {
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := &fakeStore{claimed: []Message{pendingMessage(1, t1)}}
	broker := &fakeBroker{}

	p := newPublisher(repo, broker, slog.New(slog.DiscardHandler), PublisherConfig{PublishTimeout: time.Minute})
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if deadline, ok := broker.lastDeadline, broker.hadDeadline; !ok || time.Until(deadline) > time.Minute {
		t.Error("publish attempt should carry a bounded deadline")
	}
}

type fakeStore struct {
	claimed        []Message
	claimErr       error
	markPublishErr error
	markFailErr    error
	staleRequeued  int64

	requeueCalled bool
	publishedIDs  []int64
	publishedAt   map[int64]time.Time
	failed        map[int64]string
}

func (f *fakeStore) RequeueStale(_ context.Context, _ time.Duration) (int64, error) {
	f.requeueCalled = true
	return f.staleRequeued, nil
}

func (f *fakeStore) ClaimPending(_ context.Context, limit int) ([]Message, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.claimed) > limit {
		return f.claimed[:limit], nil
	}
	return f.claimed, nil
}

func (f *fakeStore) MarkPublished(_ context.Context, id int64, at time.Time) error {
	if f.markPublishErr != nil {
		return f.markPublishErr
	}
	f.publishedIDs = append(f.publishedIDs, id)
	if f.publishedAt == nil {
		f.publishedAt = map[int64]time.Time{}
	}
	f.publishedAt[id] = at
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id int64, errText string) error {
	if f.markFailErr != nil {
		return f.markFailErr
	}
	if f.failed == nil {
		f.failed = map[int64]string{}
	}
	f.failed[id] = errText
	return nil
}

// shutdownBroker simulates the run context being cancelled mid-attempt.
type shutdownBroker struct {
	cancel context.CancelFunc
	calls  int
}

func (b *shutdownBroker) Publish(ctx context.Context, _ Message) error {
	b.calls++
	b.cancel()
	<-ctx.Done()
	return ctx.Err()
}

type fakeBroker struct {
	failIDs map[int64]error

	published    []Message
	lastDeadline time.Time
	hadDeadline  bool
}

func (f *fakeBroker) Publish(ctx context.Context, msg Message) error {
	f.lastDeadline, f.hadDeadline = ctx.Deadline()
	if err := f.failIDs[msg.ID]; err != nil {
		return err
	}
	f.published = append(f.published, msg)
	return nil
}

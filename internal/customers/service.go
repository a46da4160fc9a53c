package customers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"custhub/internal/outbox"
)

const AggregateType = "customer"

// Event types derived from mutations, one message per successful call.
const (
	EventCreated = "customer.created"
	EventUpdated = "customer.updated"
	EventDeleted = "customer.deleted"
)

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type customerStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, c Customer) error
	GetActiveForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Customer, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, c Customer) error
	IdentificationTakenTx(ctx context.Context, tx pgx.Tx, identification, excludeID string) (bool, error)
}

type outboxStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// Service owns customer mutations. Every successful call writes the entity
// and exactly one outbox row in a single transaction; a failed call writes
// neither.
type Service struct {
	pool   txBeginner
	repo   customerStore
	outbox outboxStore
	logger *slog.Logger
	now    func() time.Time
}

func NewService(pool txBeginner, repo customerStore, outboxRepo outboxStore, logger *slog.Logger) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		outbox: outboxRepo,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) Create(ctx context.Context, attrs Attributes) (Customer, error) {
	now := s.now().UTC()
	c := Customer{
		ID:             uuid.NewString(),
		Name:           attrs.Name,
		PersonType:     PersonType(attrs.PersonType),
		Identification: attrs.Identification,
		Email:          attrs.Email,
		Phone:          attrs.Phone,
		Address:        attrs.Address,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errs := c.validate(); len(errs) > 0 {
		return Customer{}, errs
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Customer{}, fmt.Errorf("customers: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	taken, err := s.repo.IdentificationTakenTx(ctx, tx, c.Identification, c.ID)
	if err != nil {
		return Customer{}, err
	}
	if taken {
		return Customer{}, ValidationErrors{{Field: "identification", Message: "has already been taken"}}
	}

	if err := s.repo.InsertTx(ctx, tx, c); err != nil {
		return Customer{}, mapUniqueViolation(err)
	}
	if err := s.enqueueEvent(ctx, tx, c, EventCreated, now); err != nil {
		return Customer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Customer{}, fmt.Errorf("customers: commit: %w", err)
	}

	s.logger.Info("customer created", "customer_id", c.ID)
	return c, nil
}

func (s *Service) Update(ctx context.Context, id string, attrs UpdateAttributes) (Customer, error) {
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Customer{}, fmt.Errorf("customers: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := s.repo.GetActiveForUpdateTx(ctx, tx, id)
	if err != nil {
		return Customer{}, err
	}

	c := before
	attrs.apply(&c)
	c.UpdatedAt = now
	if errs := c.validate(); len(errs) > 0 {
		return Customer{}, errs
	}

	if c.Identification != before.Identification {
		taken, err := s.repo.IdentificationTakenTx(ctx, tx, c.Identification, c.ID)
		if err != nil {
			return Customer{}, err
		}
		if taken {
			return Customer{}, ValidationErrors{{Field: "identification", Message: "has already been taken"}}
		}
	}

	if err := s.repo.UpdateTx(ctx, tx, c); err != nil {
		return Customer{}, mapUniqueViolation(err)
	}

	// The deleted event fires only on the true->false transition observed
	// inside this call, never merely because the row ends up inactive.
	eventType := EventUpdated
	if before.Active && !c.Active {
		eventType = EventDeleted
	}
	if err := s.enqueueEvent(ctx, tx, c, eventType, now); err != nil {
		return Customer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Customer{}, fmt.Errorf("customers: commit: %w", err)
	}

	s.logger.Info("customer updated", "customer_id", c.ID, "event_type", eventType)
	return c, nil
}

// SoftDelete deactivates the customer; the row itself is never removed.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	inactive := false
	_, err := s.Update(ctx, id, UpdateAttributes{Active: &inactive})
	return err
}

func (s *Service) enqueueEvent(ctx context.Context, tx pgx.Tx, c Customer, eventType string, at time.Time) error {
	payload, err := json.Marshal(snapshot(c, at))
	if err != nil {
		return fmt.Errorf("customers: marshal payload: %w", err)
	}
	return s.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: AggregateType,
		AggregateID:   c.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}

// snapshot freezes the post-mutation field values into the event payload.
func snapshot(c Customer, at time.Time) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"name":           c.Name,
		"person_type":    c.PersonType,
		"identification": c.Identification,
		"email":          c.Email,
		"phone":          c.Phone,
		"address":        c.Address,
		"active":         c.Active,
		"timestamp":      at.Format(time.RFC3339),
	}
}

// mapUniqueViolation converts the unique-index backstop on identification
// into the same field error the pre-check produces, covering the race where
// two transactions pass the lookup concurrently.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ValidationErrors{{Field: "identification", Message: "has already been taken"}}
	}
	return err
}

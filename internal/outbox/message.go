package outbox

import "time"

// Status is the delivery state of an outbox row. pending rows are eligible
// for the next publisher run; in_flight marks a row claimed by a running
// publisher; published and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Event is the domain event envelope appended to the outbox table inside the
// same transaction as the entity write that produced it.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Message is a stored outbox row. Payload is write-once: it captures the
// entity snapshot as of the mutation that enqueued it.
type Message struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        Status
	ErrorMessage  string
	PublishedAt   *time.Time
	ClaimedAt     *time.Time
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

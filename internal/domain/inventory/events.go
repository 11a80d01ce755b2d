package inventory

import (
	"encoding/json"
	"time"
)

// EventType is the kind of dispense history event.
type EventType string

const (
	EventCreated  EventType = "created"
	EventSigned   EventType = "signed"
	EventReopened EventType = "reopened"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
)

// Topics the outbox relay publishes ledger changes to.
const (
	TopicDispenseEvents  = "ledger.dispense.events"
	TopicDEATransactions = "ledger.dea.transactions"
	TopicVialEvents      = "ledger.vial.events"
	TopicCountChecks     = "ledger.count.checks"
	TopicDeadLetter      = "dead.letter"
)

// Aggregate types recorded on outbox entries.
const (
	AggregateDispense   = "Dispense"
	AggregateVial       = "Vial"
	AggregateCountCheck = "CountCheck"
)

// Actor identifies who performed a mutation. Identity is supplied by the
// caller's session layer and recorded as given.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// SystemActor is used for administrative operations without a user session.
var SystemActor = Actor{UserID: "", Role: "system"}

// DispenseEvent is a history entry to append within a mutation's transaction.
type DispenseEvent struct {
	DispenseID string
	Type       EventType
	Actor      Actor
	Payload    map[string]any
}

// ledgerMessage is the wire shape of an outbox payload.
type ledgerMessage struct {
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	ActorID    string          `json:"actor_user_id,omitempty"`
	ActorRole  string          `json:"actor_role,omitempty"`
	Data       json.RawMessage `json:"data"`
}

func newOutboxMessage(aggregateType, aggregateID, eventType, topic string, actor Actor, at time.Time, data any) (OutboxMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return OutboxMessage{}, err
	}
	payload, err := json.Marshal(ledgerMessage{
		EventType:  eventType,
		OccurredAt: at.UTC(),
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Data:       raw,
	})
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Topic:         topic,
		Key:           aggregateID,
		Payload:       payload,
	}, nil
}

package inventory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// RecordDispenseEvent appends a history event and its outbox mirror. It takes
// an open Tx so an event can only ever commit together with its state change.
func RecordDispenseEvent(ctx context.Context, tx Tx, ev DispenseEvent, at func() time.Time) error {
	payload := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["dispenseId"] = ev.DispenseID

	id := ev.DispenseID
	e := &HistoryEvent{
		DispenseID: &id,
		EventType:  ev.Type,
		Payload:    payload,
		CreatedAt:  at(),
	}
	if ev.Actor.UserID != "" {
		uid := ev.Actor.UserID
		e.ActorUserID = &uid
	}
	if ev.Actor.Role != "" {
		role := ev.Actor.Role
		e.ActorRole = &role
	}
	if err := tx.AppendHistory(ctx, e); err != nil {
		return fmt.Errorf("append %s history event: %w", ev.Type, err)
	}

	msg, err := newOutboxMessage(AggregateDispense, ev.DispenseID, string(ev.Type), TopicDispenseEvents, ev.Actor, e.CreatedAt, e)
	if err != nil {
		return fmt.Errorf("encode %s outbox message: %w", ev.Type, err)
	}
	if err := tx.AppendOutbox(ctx, msg); err != nil {
		return fmt.Errorf("write %s outbox message: %w", ev.Type, err)
	}
	return nil
}

// FetchDispenseHistory returns every event for a dispense, newest first.
func (s *Service) FetchDispenseHistory(ctx context.Context, dispenseID string) (events []*HistoryEvent, err error) {
	ctx, done := s.span(ctx, "fetch_dispense_history", attribute.String("dispense_id", dispenseID))
	defer done(&err)
	return s.store.DispenseHistory(ctx, dispenseID)
}

func (s *Service) record(ctx context.Context, tx Tx, ev DispenseEvent) error {
	return RecordDispenseEvent(ctx, tx, ev, s.now)
}

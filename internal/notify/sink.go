package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Sink receives notification events for delivery. Delivery is
// at-least-once: a failed delivery is reported but never rolls back the
// dispatcher's per-turn bookkeeping.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// NATSSink publishes events to per-kind NATS subjects, e.g.
// turnwatch.notify.turn_advanced.
type NATSSink struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSSink creates a sink publishing under the given subject prefix.
func NewNATSSink(conn *nats.Conn, subjectPrefix string) *NATSSink {
	return &NATSSink{conn: conn, subjectPrefix: subjectPrefix}
}

// Deliver publishes one event as a JSON message.
func (s *NATSSink) Deliver(ctx context.Context, event Event) error {
	subject := fmt.Sprintf("%s.%s", s.subjectPrefix, event.Kind)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", event.ID.String()).
		Str("recipient_id", event.RecipientID).
		Msg("published notification")

	return nil
}

// LogSink writes events to the log only. Used in development and as a
// fallback when no bus is configured.
type LogSink struct{}

// Deliver logs the event.
func (LogSink) Deliver(ctx context.Context, event Event) error {
	log.Info().
		Str("kind", string(event.Kind)).
		Str("recipient_id", event.RecipientID).
		Str("game_id", event.GameID).
		Uint32("turn", event.Turn).
		Msg("notification")
	return nil
}

// MultiSink fans one event out to several sinks. Errors are collected per
// sink but delivery to the others continues.
type MultiSink []Sink

// Deliver sends the event to every sink.
func (m MultiSink) Deliver(ctx context.Context, event Event) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Deliver(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// PublishChannel is the part of *amqp.Channel the publisher uses.
type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends lifecycle events to a topic exchange.
type Publisher struct {
	ch       PublishChannel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a Publisher. logger may be nil.
func NewPublisher(ch PublishChannel, exchange string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{ch: ch, exchange: exchange, logger: logger}
}

// Publish sends an event of the given kind for schema. The kind is used as
// the routing key.
func (p *Publisher) Publish(ctx context.Context, kind string, schema multitenancy.ID) error {
	ev := NewEvent(kind, schema)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         kind,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", kind, schema, err)
	}
	p.logger.Debug("event published",
		zap.String("kind", kind), zap.String("tenant", schema.String()), zap.String("id", ev.ID))
	return nil
}

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// Reloader is the registry surface the consumer drives. *multitenancy.Registry
// implements it.
type Reloader interface {
	Load(ctx context.Context, id multitenancy.ID) (multitenancy.Pool, error)
	Deregister(id multitenancy.ID, replacement multitenancy.Pool)
}

// ConsumeChannel is the part of *amqp.Channel needed to declare the topology
// and start consuming.
type ConsumeChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Subscribe declares the exchange and a private queue for this node bound to
// every tenant event, and starts consuming it. Each node gets its own queue
// so that all of them see every event.
func Subscribe(ch ConsumeChannel, exchange string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	queue, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "tenant.#", exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", queue.Name, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue.Name, err)
	}
	return msgs, nil
}

// Consumer applies lifecycle events to the local registry.
type Consumer struct {
	registry Reloader
	logger   *zap.Logger
	timeout  time.Duration
}

// NewConsumer creates a Consumer. logger may be nil.
func NewConsumer(registry Reloader, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{registry: registry, logger: logger, timeout: 10 * time.Second}
}

// Run processes deliveries with the given number of workers until ctx is
// done or the delivery channel closes. Messages still buffered at shutdown
// are left unacked and redelivered by the broker.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery, workers int) {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					c.logger.Debug("event worker shutting down", zap.Int("worker", workerID))
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.Handle(ctx, d)
				}
			}
		}(i)
	}
	wg.Wait()
}

// Handle applies one delivery and acknowledges it. Malformed messages and
// tenants missing from the catalog are rejected without requeue; other
// registry failures are requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()

	ev, err := decode(d.Body)
	if err != nil || ev.TenantID.IsDefault() {
		c.logger.Warn("rejecting malformed event", zap.Error(err))
		_ = d.Reject(false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.apply(ctx, ev); err != nil {
		requeue := !errors.Is(err, errUnknownKind) && !errors.Is(err, multitenancy.ErrUnknownSchema)
		c.logger.Warn("event not applied",
			zap.String("kind", ev.Kind), zap.String("tenant", ev.TenantID.String()),
			zap.Bool("requeue", requeue), zap.Error(err))
		_ = d.Reject(requeue)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Warn("failed to acknowledge event", zap.String("id", ev.ID), zap.Error(err))
	}
	c.logger.Info("event applied",
		zap.String("kind", ev.Kind), zap.String("tenant", ev.TenantID.String()),
		zap.Duration("duration", time.Since(start)))
}

var errUnknownKind = errors.New("unknown event kind")

func (c *Consumer) apply(ctx context.Context, ev Event) error {
	return apply(ctx, c.registry, ev.Kind, ev.TenantID)
}

// apply brings registry in line with one lifecycle change.
func apply(ctx context.Context, registry Reloader, kind string, tenant multitenancy.ID) error {
	switch kind {
	case KindProvisioned:
		_, err := registry.Load(ctx, tenant)
		return err
	case KindRotated:
		// drop the stale pool first so Load reads the new catalog entry
		registry.Deregister(tenant, nil)
		_, err := registry.Load(ctx, tenant)
		return err
	case KindDropped:
		registry.Deregister(tenant, nil)
		return nil
	default:
		return fmt.Errorf("%w: %s", errUnknownKind, kind)
	}
}

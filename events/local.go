package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// Notifier announces a lifecycle change. *Publisher and *LocalPublisher
// implement it.
type Notifier interface {
	Publish(ctx context.Context, kind string, schema multitenancy.ID) error
}

// LocalPublisher applies lifecycle changes to this node's registry, then
// forwards them to remote so other nodes follow. remote may be nil on a
// single node without a broker.
//
// This node's own consumer sees the forwarded event too. Load and Deregister
// are idempotent, and a repeated rotation only reopens the pool again.
type LocalPublisher struct {
	registry Reloader
	remote   Notifier
	logger   *zap.Logger
}

// NewLocalPublisher creates a LocalPublisher. logger may be nil.
func NewLocalPublisher(registry Reloader, remote Notifier, logger *zap.Logger) *LocalPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalPublisher{registry: registry, remote: remote, logger: logger}
}

// Publish applies the change locally and forwards it. The remote publish is
// attempted even when the local apply fails.
func (p *LocalPublisher) Publish(ctx context.Context, kind string, schema multitenancy.ID) error {
	schema = multitenancy.Parse(string(schema))
	if schema.IsDefault() {
		return fmt.Errorf("publish %s: default tenant has no lifecycle", kind)
	}

	var localErr error
	if err := apply(ctx, p.registry, kind, schema); err != nil {
		localErr = fmt.Errorf("apply %s for %s locally: %w", kind, schema, err)
		p.logger.Warn("local registry not updated",
			zap.String("kind", kind), zap.String("tenant", schema.String()), zap.Error(err))
	}

	var remoteErr error
	if p.remote != nil {
		remoteErr = p.remote.Publish(ctx, kind, schema)
	}
	return errors.Join(localErr, remoteErr)
}

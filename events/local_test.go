package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

type fakeNotifier struct {
	kinds []string
	err   error
}

func (f *fakeNotifier) Publish(_ context.Context, kind string, schema multitenancy.ID) error {
	f.kinds = append(f.kinds, kind+":"+schema.String())
	return f.err
}

func TestLocalPublisherAppliesAndForwards(t *testing.T) {
	reg := &fakeRegistry{}
	remote := &fakeNotifier{}
	p := NewLocalPublisher(reg, remote, nil)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, KindProvisioned, "Acme"))
	require.NoError(t, p.Publish(ctx, KindRotated, "acme"))
	require.NoError(t, p.Publish(ctx, KindDropped, "acme"))

	assert.Equal(t, []multitenancy.ID{"acme", "acme"}, reg.loaded)
	assert.Equal(t, []multitenancy.ID{"acme", "acme"}, reg.deregistered)
	assert.Equal(t, []string{"tenant.provisioned:acme", "tenant.rotated:acme", "tenant.dropped:acme"}, remote.kinds)
}

func TestLocalPublisherWithoutRemote(t *testing.T) {
	reg := &fakeRegistry{}
	p := NewLocalPublisher(reg, nil, nil)

	require.NoError(t, p.Publish(context.Background(), KindDropped, "acme"))
	assert.Equal(t, []multitenancy.ID{"acme"}, reg.deregistered)

	assert.Error(t, p.Publish(context.Background(), KindDropped, ""), "default tenant has no lifecycle")
	assert.ErrorIs(t, p.Publish(context.Background(), "tenant.renamed", "acme"), errUnknownKind)
}

func TestLocalPublisherReportsBothFailures(t *testing.T) {
	loadErr := errors.New("catalog unavailable")
	remoteErr := errors.New("broker unavailable")
	reg := &fakeRegistry{loadErr: loadErr}
	remote := &fakeNotifier{err: remoteErr}
	p := NewLocalPublisher(reg, remote, nil)

	err := p.Publish(context.Background(), KindProvisioned, "acme")
	assert.ErrorIs(t, err, loadErr)
	assert.ErrorIs(t, err, remoteErr)
	assert.Equal(t, []string{"tenant.provisioned:acme"}, remote.kinds, "remote is attempted after a local failure")
}

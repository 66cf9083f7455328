// Package events carries tenant lifecycle notifications over RabbitMQ so that
// every node keeps its routing registry in step with the schema catalog.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// Event kinds. They double as routing keys on the topic exchange.
const (
	KindProvisioned = "tenant.provisioned"
	KindRotated     = "tenant.rotated"
	KindDropped     = "tenant.dropped"
)

// Event is the message body published for a tenant lifecycle change.
type Event struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	TenantID   multitenancy.ID `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent stamps a new event for schema.
func NewEvent(kind string, schema multitenancy.ID) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		TenantID:   schema,
		OccurredAt: time.Now().UTC(),
	}
}

func decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	// tenant ids arrive from other processes and are sanitized like any
	// other external identifier
	ev.TenantID = multitenancy.Parse(string(ev.TenantID))
	return ev, nil
}

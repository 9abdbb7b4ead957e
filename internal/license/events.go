package license

import (
	"context"
	"time"
)

// EventType names a license state change
type EventType string

// Event types
const (
	EventActivated     EventType = "license.activated"
	EventDeactivated   EventType = "license.deactivated"
	EventExpired       EventType = "license.expired"
	EventStatusChanged EventType = "license.status_changed"
	EventIssued        EventType = "license.issued"
)

// Event is published after a successful state change
type Event struct {
	Type       EventType `json:"type"`
	LicenseKey string    `json:"license_key"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

type discardSink struct{}

func (discardSink) Publish(context.Context, Event) {}

// MultiSink fans events out to every sink in order
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, event)
		}
	}
}

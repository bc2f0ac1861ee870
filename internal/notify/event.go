// Package notify fans engine state transitions out to observers. Publishing is
// fire-and-forget: no failure here ever reaches the engine.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates notification kinds.
type Kind string

const (
	KindCallAnswered  Kind = "call_answered"
	KindCallEnded     Kind = "call_ended"
	KindStatusChanged Kind = "status_changed"
	KindTaskHandled   Kind = "task_handled"
)

// Event is the payload observers receive.
type Event struct {
	Kind            Kind       `json:"kind"`
	CampaignID      uuid.UUID  `json:"campaign_id"`
	TaskID          *uuid.UUID `json:"task_id,omitempty"`
	PhoneNumber     string     `json:"phone_number,omitempty"`
	DisplayName     string     `json:"display_name,omitempty"`
	Handle          string     `json:"handle,omitempty"`
	ConnectionID    string     `json:"connection_id,omitempty"`
	DefaultHandling string     `json:"default_handling,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Status          string     `json:"status,omitempty"`
	Result          string     `json:"result,omitempty"`
	Handling        string     `json:"handling,omitempty"`
	Target          string     `json:"target,omitempty"`
	Attempts        int        `json:"attempts,omitempty"`
	At              time.Time  `json:"at"`
}

// Topic returns the event's topic under prefix, e.g. dialer/campaign/<id>/call_answered.
func (e Event) Topic(prefix string) string {
	return fmt.Sprintf("%s/campaign/%s/%s", prefix, e.CampaignID, e.Kind)
}

// Notifier is what the engine depends on.
type Notifier interface {
	Publish(evt Event)
}

// Publisher delivers an encoded event to one transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Package switchport defines the contract the dialing engine needs from the telephony switch.
package switchport

import (
	"context"
	"errors"
	"time"

	"github.com/acme/campaign-dialer/internal/domain"
)

// ErrNotConnected is returned while the switch control session is down.
var ErrNotConnected = errors.New("switchport: not connected")

// ErrUnknownConnection is returned when a connection id is not tracked by the client.
var ErrUnknownConnection = errors.New("switchport: unknown connection")

// EventKind enumerates the inbound notifications the engine consumes.
type EventKind string

const (
	// EventAcknowledged carries the switch connection id assigned to an origination.
	EventAcknowledged EventKind = "acknowledged"
	// EventDialOutcome reports how the dial attempt ended (answered, busy, ...).
	EventDialOutcome EventKind = "dial_outcome"
	// EventEnded reports a connection hung up.
	EventEnded EventKind = "ended"
)

// Event is a normalized switch notification. Handle is set when the switch still
// echoes the correlation handle; ConnectionID is set once the switch has assigned one.
type Event struct {
	Kind         EventKind
	Handle       string
	ConnectionID string
	LinkedID     string
	Outcome      domain.Outcome
	Cause        string
	At           time.Time
}

// OriginateRequest asks the switch to place an outbound call.
type OriginateRequest struct {
	Channel   string
	Context   string
	Extension string
	Priority  int
	CallerID  string
	Timeout   time.Duration
	Handle    string
	Variables map[string]string
}

// RedirectRequest moves an established connection into another dialplan location.
type RedirectRequest struct {
	ConnectionID string
	Context      string
	Extension    string
	Priority     int
}

// Ack confirms the switch accepted an origination request for processing.
type Ack struct {
	Handle   string
	ActionID string
}

// Port is implemented by switch drivers.
type Port interface {
	Originate(ctx context.Context, req OriginateRequest) (Ack, error)
	Redirect(ctx context.Context, req RedirectRequest) error
	Hangup(ctx context.Context, connectionID string) error
	Events() <-chan Event
}

// Hangup causes reported on ended events.
const (
	CauseNormal     = "normal"
	CauseBusy       = "busy"
	CauseNoAnswer   = "no_answer"
	CauseRejected   = "rejected"
	CauseCongestion = "congestion"
)

// OutcomeForCause maps the cause of a connection that ended before a dial outcome
// was reported onto an attempt outcome.
func OutcomeForCause(cause string) domain.Outcome {
	switch cause {
	case CauseBusy:
		return domain.OutcomeBusy
	case CauseNoAnswer, CauseNormal:
		return domain.OutcomeNoAnswer
	case CauseCongestion:
		return domain.OutcomeCongestion
	default:
		return domain.OutcomeError
	}
}

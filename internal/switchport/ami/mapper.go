package ami

import (
	"fmt"
	"time"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/switchport"
)

// OriginateResponse reason codes.
const (
	reasonFailure    = 0
	reasonHangup     = 1
	reasonRinging    = 3
	reasonAnswered   = 4
	reasonBusy       = 5
	reasonCongestion = 8
)

// mapper turns raw AMI events into switchport events. It is not safe for concurrent
// use; the client serializes access.
type mapper struct {
	handleVar string
	now       func() time.Time

	// originate ActionID -> correlation handle
	originates map[string]string
	// Uniqueid -> channel name, needed for Redirect and Hangup
	channels map[string]string
	// Uniqueid -> correlation handle learned from VarSet
	handles map[string]string
	// handles already acknowledged
	acked map[string]bool
}

func newMapper(handleVar string) *mapper {
	return &mapper{
		handleVar:  handleVar,
		now:        time.Now,
		originates: make(map[string]string),
		channels:   make(map[string]string),
		handles:    make(map[string]string),
		acked:      make(map[string]bool),
	}
}

func (m *mapper) trackOriginate(actionID, handle string) {
	m.originates[actionID] = handle
}

func (m *mapper) forgetOriginate(actionID string) {
	delete(m.originates, actionID)
}

func (m *mapper) channel(uniqueID string) (string, bool) {
	ch, ok := m.channels[uniqueID]
	return ch, ok
}

// Map returns the switchport events carried by msg, if any.
func (m *mapper) Map(msg Message) []switchport.Event {
	if msg.IsResponse() {
		return nil
	}

	uniqueID := msg.Get("Uniqueid")
	if ch := msg.Get("Channel"); ch != "" && uniqueID != "" {
		m.channels[uniqueID] = ch
	}

	switch msg.Type() {
	case "VarSet":
		return m.varSet(msg, uniqueID)
	case "OriginateResponse":
		return m.originateResponse(msg, uniqueID)
	case "DialEnd":
		return m.dialEnd(msg, uniqueID)
	case "Hangup":
		return m.hangup(msg, uniqueID)
	}
	return nil
}

func (m *mapper) varSet(msg Message, uniqueID string) []switchport.Event {
	if msg.Get("Variable") != m.handleVar || uniqueID == "" {
		return nil
	}
	handle := msg.Get("Value")
	if handle == "" {
		return nil
	}
	m.handles[uniqueID] = handle
	return m.ack(handle, uniqueID)
}

func (m *mapper) ack(handle, uniqueID string) []switchport.Event {
	if m.acked[handle] {
		return nil
	}
	m.acked[handle] = true
	return []switchport.Event{{
		Kind:         switchport.EventAcknowledged,
		Handle:       handle,
		ConnectionID: uniqueID,
		At:           m.now(),
	}}
}

func (m *mapper) originateResponse(msg Message, uniqueID string) []switchport.Event {
	actionID := msg.Get("ActionID")
	handle, ok := m.originates[actionID]
	if !ok {
		return nil
	}
	delete(m.originates, actionID)

	var events []switchport.Event
	if uniqueID != "" && uniqueID != "<null>" {
		m.handles[uniqueID] = handle
		events = append(events, m.ack(handle, uniqueID)...)
	} else {
		uniqueID = ""
	}

	events = append(events, switchport.Event{
		Kind:         switchport.EventDialOutcome,
		Handle:       handle,
		ConnectionID: uniqueID,
		Outcome:      outcomeForReason(msg.GetInt("Reason"), msg.Get("Response")),
		At:           m.now(),
	})
	return events
}

func (m *mapper) dialEnd(msg Message, uniqueID string) []switchport.Event {
	outcome, ok := outcomeForDialStatus(msg.Get("DialStatus"))
	if !ok {
		return nil
	}
	return []switchport.Event{{
		Kind:         switchport.EventDialOutcome,
		Handle:       m.handles[uniqueID],
		ConnectionID: uniqueID,
		Outcome:      outcome,
		At:           m.now(),
	}}
}

func (m *mapper) hangup(msg Message, uniqueID string) []switchport.Event {
	if uniqueID == "" {
		return nil
	}
	handle := m.handles[uniqueID]
	delete(m.channels, uniqueID)
	delete(m.handles, uniqueID)
	if handle != "" {
		delete(m.acked, handle)
	}
	return []switchport.Event{{
		Kind:         switchport.EventEnded,
		Handle:       handle,
		ConnectionID: uniqueID,
		LinkedID:     msg.Get("Linkedid"),
		Cause:        causeName(msg.GetInt("Cause")),
		At:           m.now(),
	}}
}

func outcomeForReason(reason int, response string) domain.Outcome {
	switch reason {
	case reasonAnswered:
		if response == "Failure" {
			return domain.OutcomeError
		}
		return domain.OutcomeAnswered
	case reasonBusy:
		return domain.OutcomeBusy
	case reasonHangup, reasonRinging:
		return domain.OutcomeNoAnswer
	case reasonCongestion:
		return domain.OutcomeCongestion
	default:
		return domain.OutcomeError
	}
}

func outcomeForDialStatus(status string) (domain.Outcome, bool) {
	switch status {
	case "ANSWER":
		return domain.OutcomeAnswered, true
	case "BUSY":
		return domain.OutcomeBusy, true
	case "NOANSWER", "CANCEL":
		return domain.OutcomeNoAnswer, true
	case "CONGESTION", "CHANUNAVAIL":
		return domain.OutcomeCongestion, true
	case "":
		return "", false
	default:
		return domain.OutcomeError, true
	}
}

// causeName maps Q.850 hangup causes onto switchport causes.
func causeName(code int) string {
	switch code {
	case 16:
		return switchport.CauseNormal
	case 17:
		return switchport.CauseBusy
	case 18, 19:
		return switchport.CauseNoAnswer
	case 21:
		return switchport.CauseRejected
	case 34, 38, 42:
		return switchport.CauseCongestion
	default:
		return fmt.Sprintf("cause_%d", code)
	}
}

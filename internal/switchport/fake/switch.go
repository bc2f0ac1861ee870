// Package fake provides a scripted in-memory switch for tests and local runs.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/switchport"
)

// Script decides how the fake switch plays one origination.
type Script struct {
	// Outcome reported on the dial outcome event.
	Outcome domain.Outcome
	// Delay before the outcome is reported.
	Delay time.Duration
	// OriginateErr makes Originate fail synchronously.
	OriginateErr error
	// SkipAck suppresses the acknowledged event.
	SkipAck bool
	// OutcomeBeforeAck reports the outcome (by connection id only) before acknowledging.
	OutcomeBeforeAck bool
	// Silent never reports an outcome; the engine must time out.
	Silent bool
	// TalkTime ends an answered call on its own after this long. Zero keeps it up.
	TalkTime time.Duration
}

// Behavior returns the script for a request.
type Behavior func(req switchport.OriginateRequest) Script

// Always plays the same outcome for every call.
func Always(outcome domain.Outcome, delay time.Duration) Behavior {
	return func(switchport.OriginateRequest) Script {
		return Script{Outcome: outcome, Delay: delay}
	}
}

// Originated records one origination.
type Originated struct {
	Request      switchport.OriginateRequest
	ConnectionID string
	At           time.Time
}

// Redirected records one redirect, including the agent leg it created.
type Redirected struct {
	Request  switchport.RedirectRequest
	AgentLeg string
	At       time.Time
}

// Switch implements switchport.Port in memory.
type Switch struct {
	behavior Behavior
	events   chan switchport.Event
	done     chan struct{}
	wg       sync.WaitGroup

	// sendMu guards events against sends after close
	sendMu       sync.RWMutex
	eventsClosed bool

	mu         sync.Mutex
	seq        int
	live       map[string]bool
	agentLegs  map[string]string
	originates []Originated
	redirects  []Redirected
	hangups    []string
	closed     bool
}

var _ switchport.Port = (*Switch)(nil)

// New constructs a fake switch. A nil behavior answers everything immediately.
func New(behavior Behavior) *Switch {
	if behavior == nil {
		behavior = Always(domain.OutcomeAnswered, 0)
	}
	return &Switch{
		behavior:  behavior,
		events:    make(chan switchport.Event, 1024),
		done:      make(chan struct{}),
		live:      make(map[string]bool),
		agentLegs: make(map[string]string),
	}
}

// Events returns the event stream. It is closed by Close.
func (s *Switch) Events() <-chan switchport.Event {
	return s.events
}

// Originate plays the script for req asynchronously.
func (s *Switch) Originate(ctx context.Context, req switchport.OriginateRequest) (switchport.Ack, error) {
	if err := ctx.Err(); err != nil {
		return switchport.Ack{}, err
	}
	script := s.behavior(req)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return switchport.Ack{}, switchport.ErrNotConnected
	}
	s.seq++
	connID := fmt.Sprintf("fake-%d", s.seq)
	s.originates = append(s.originates, Originated{Request: req, ConnectionID: connID, At: time.Now()})
	if script.OriginateErr != nil {
		s.mu.Unlock()
		return switchport.Ack{}, script.OriginateErr
	}
	s.live[connID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.play(req.Handle, connID, script)
	return switchport.Ack{Handle: req.Handle, ActionID: connID}, nil
}

func (s *Switch) play(handle, connID string, script Script) {
	defer s.wg.Done()

	ack := switchport.Event{Kind: switchport.EventAcknowledged, Handle: handle, ConnectionID: connID}
	if !script.SkipAck && !script.OutcomeBeforeAck {
		s.emit(ack)
	}
	if !s.sleep(script.Delay) {
		return
	}
	if script.Silent {
		return
	}

	outcome := switchport.Event{Kind: switchport.EventDialOutcome, ConnectionID: connID, Outcome: script.Outcome}
	if !script.OutcomeBeforeAck {
		outcome.Handle = handle
	}
	s.emit(outcome)
	if script.OutcomeBeforeAck && !script.SkipAck {
		s.emit(ack)
	}

	if script.Outcome != domain.OutcomeAnswered {
		s.end(connID, connID, causeFor(script.Outcome))
		return
	}
	if script.TalkTime > 0 && s.sleep(script.TalkTime) {
		s.EndCall(connID)
	}
}

func (s *Switch) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	}
}

func (s *Switch) emit(evt switchport.Event) {
	evt.At = time.Now()
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Switch) end(connID, linkedID, cause string) {
	s.mu.Lock()
	if !s.live[connID] {
		s.mu.Unlock()
		return
	}
	delete(s.live, connID)
	s.mu.Unlock()
	s.emit(switchport.Event{Kind: switchport.EventEnded, ConnectionID: connID, LinkedID: linkedID, Cause: cause})
}

func causeFor(outcome domain.Outcome) string {
	switch outcome {
	case domain.OutcomeBusy:
		return switchport.CauseBusy
	case domain.OutcomeNoAnswer:
		return switchport.CauseNoAnswer
	case domain.OutcomeCongestion:
		return switchport.CauseCongestion
	default:
		return "cause_0"
	}
}

// Redirect moves a live call. Each redirect opens an agent leg linked to the call.
func (s *Switch) Redirect(ctx context.Context, req switchport.RedirectRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[req.ConnectionID] {
		return fmt.Errorf("%w: %s", switchport.ErrUnknownConnection, req.ConnectionID)
	}
	s.seq++
	leg := fmt.Sprintf("agent-%d", s.seq)
	s.live[leg] = true
	s.agentLegs[req.ConnectionID] = leg
	s.redirects = append(s.redirects, Redirected{Request: req, AgentLeg: leg, At: time.Now()})
	return nil
}

// Hangup ends a live call.
func (s *Switch) Hangup(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.hangups = append(s.hangups, connectionID)
	live := s.live[connectionID]
	s.mu.Unlock()
	if !live {
		return fmt.Errorf("%w: %s", switchport.ErrUnknownConnection, connectionID)
	}
	s.EndCall(connectionID)
	return nil
}

// EndCall hangs up the contact side of a call, then its agent leg if any.
func (s *Switch) EndCall(connectionID string) {
	s.end(connectionID, connectionID, switchport.CauseNormal)
	s.EndAgentLeg(connectionID)
}

// EndAgentLeg hangs up only the agent leg linked to a call.
func (s *Switch) EndAgentLeg(connectionID string) {
	s.mu.Lock()
	leg, ok := s.agentLegs[connectionID]
	delete(s.agentLegs, connectionID)
	s.mu.Unlock()
	if ok {
		s.end(leg, connectionID, switchport.CauseNormal)
	}
}

// Originates returns recorded originations in order.
func (s *Switch) Originates() []Originated {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Originated(nil), s.originates...)
}

// Redirects returns recorded redirects in order.
func (s *Switch) Redirects() []Redirected {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Redirected(nil), s.redirects...)
}

// Hangups returns connection ids passed to Hangup.
func (s *Switch) Hangups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hangups...)
}

// Live reports whether a connection is still up.
func (s *Switch) Live(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[connectionID]
}

// Close stops all scripted calls and closes the event stream.
func (s *Switch) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("fake switch: already closed")
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	s.sendMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.sendMu.Unlock()
	return nil
}

// Package dialer drives campaign waves against the switch and matches switch events
// back to the attempts waiting on them.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/switchport"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// ErrDuplicateHandle is returned when a handle is registered twice.
var ErrDuplicateHandle = errors.New("dialer: duplicate correlation handle")

// LegCloser finalizes billing legs when the switch reports them ended.
type LegCloser interface {
	CloseLeg(ctx context.Context, taskID uuid.UUID, leg domain.BillingLeg, endedAt time.Time)
}

// Resolution is how an attempt ended from the correlator's point of view.
type Resolution struct {
	Outcome      domain.Outcome
	Cause        string
	ConnectionID string
	TimedOut     bool
}

// Entry is the in-memory record of one live attempt.
type Entry struct {
	TaskID uuid.UUID
	Handle string

	done chan struct{}
	once sync.Once
	res  Resolution

	mu     sync.Mutex
	connID string
}

// Done is closed once the entry is resolved.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// ConnectionID returns the connection id reported for this attempt, if any.
func (e *Entry) ConnectionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connID
}

func (e *Entry) setConnectionID(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	e.connID = id
	e.mu.Unlock()
}

// resolve records r if the entry is unresolved. It reports whether r won.
func (e *Entry) resolve(r Resolution) bool {
	won := false
	e.once.Do(func() {
		if r.ConnectionID == "" {
			r.ConnectionID = e.ConnectionID()
		} else {
			e.setConnectionID(r.ConnectionID)
		}
		e.res = r
		won = true
		close(e.done)
	})
	return won
}

type earlyEvent struct {
	evt     switchport.Event
	expires time.Time
}

// CorrelatorOptions tunes buffering.
type CorrelatorOptions struct {
	// EarlyEventTTL bounds how long events for a not yet acknowledged connection are kept.
	EarlyEventTTL time.Duration
	// EndedTTL bounds how long ended connections are remembered for late billing opens.
	EndedTTL time.Duration
}

// Correlator is the single subscriber to the switch event stream. It keeps the
// table of live attempts keyed by correlation handle.
type Correlator struct {
	tasks   repository.TaskStore
	billing LegCloser
	log     *logger.Logger
	opts    CorrelatorOptions
	now     func() time.Time

	mu        sync.Mutex
	abandoned func(ctx context.Context, taskID uuid.UUID, connectionID string)
	entries   map[string]*Entry
	early     map[string][]earlyEvent
	ended     map[string]time.Time
}

// NewCorrelator constructs a correlator.
func NewCorrelator(tasks repository.TaskStore, billing LegCloser, opts CorrelatorOptions, log *logger.Logger) *Correlator {
	if opts.EarlyEventTTL <= 0 {
		opts.EarlyEventTTL = 30 * time.Second
	}
	if opts.EndedTTL <= 0 {
		opts.EndedTTL = 10 * time.Minute
	}
	return &Correlator{
		tasks:   tasks,
		billing: billing,
		log:     log.Named("correlator"),
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]*Entry),
		early:   make(map[string][]earlyEvent),
		ended:   make(map[string]time.Time),
	}
}

// OnAbandoned sets the callback run when the connection of an answered, not yet handled
// task ends.
func (c *Correlator) OnAbandoned(fn func(ctx context.Context, taskID uuid.UUID, connectionID string)) {
	c.mu.Lock()
	c.abandoned = fn
	c.mu.Unlock()
}

// Register inserts an entry for a new attempt. It must run before the originate request.
func (c *Correlator) Register(taskID uuid.UUID, handle string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[handle]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHandle, handle)
	}
	e := &Entry{TaskID: taskID, Handle: handle, done: make(chan struct{})}
	c.entries[handle] = e
	return e, nil
}

// Unregister removes the entry. It reports false if the entry was already gone.
func (c *Correlator) Unregister(e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[e.Handle] != e {
		return false
	}
	delete(c.entries, e.Handle)
	return true
}

// Len returns the number of registered entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fail resolves an entry with an error outcome, e.g. after a rejected originate.
func (c *Correlator) Fail(e *Entry, cause string) {
	e.resolve(Resolution{Outcome: domain.OutcomeError, Cause: cause})
}

// Await blocks until the entry resolves or bound elapses. On timeout the entry is
// force-resolved with an error outcome.
func (c *Correlator) Await(ctx context.Context, e *Entry, bound time.Duration) Resolution {
	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		e.resolve(Resolution{Outcome: domain.OutcomeError, Cause: "timeout", TimedOut: true})
	case <-ctx.Done():
		e.resolve(Resolution{Outcome: domain.OutcomeError, Cause: "cancelled", TimedOut: true})
	}
	<-e.done
	return e.res
}

// EndedAt reports when a connection's leg ended, if it ended recently.
func (c *Correlator) EndedAt(connectionID string, leg domain.BillingLeg) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.ended[endedKey(connectionID, leg)]
	return at, ok
}

// Run consumes events until the stream closes or ctx is done. Events are handled one
// at a time so a store write for one event is visible to the next.
func (c *Correlator) Run(ctx context.Context, events <-chan switchport.Event) error {
	sweep := time.NewTicker(c.opts.EarlyEventTTL)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			c.purge(c.now())
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ctx, evt)
		}
	}
}

// Handle processes one event.
func (c *Correlator) Handle(ctx context.Context, evt switchport.Event) {
	if evt.At.IsZero() {
		evt.At = c.now()
	}
	switch evt.Kind {
	case switchport.EventAcknowledged:
		c.onAcknowledged(ctx, evt)
	case switchport.EventDialOutcome:
		c.onOutcome(ctx, evt)
	case switchport.EventEnded:
		c.onEnded(ctx, evt)
	default:
		c.log.Debug("ignoring switch event", zap.String("kind", string(evt.Kind)))
	}
}

func (c *Correlator) onAcknowledged(ctx context.Context, evt switchport.Event) {
	e := c.entry(evt.Handle)
	if e == nil || evt.ConnectionID == "" {
		// not one of ours, or an attempt that already timed out
		return
	}
	e.setConnectionID(evt.ConnectionID)

	ok, err := c.tasks.SetConnectionID(ctx, e.TaskID, e.Handle, evt.ConnectionID)
	if err != nil {
		c.log.Error("record connection id failed", zap.String("task_id", e.TaskID.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	c.log.Debug("origination acknowledged",
		zap.String("task_id", e.TaskID.String()),
		zap.String("connection_id", evt.ConnectionID),
	)

	for _, buffered := range c.takeEarly(evt.ConnectionID) {
		c.Handle(ctx, buffered)
	}
}

func (c *Correlator) onOutcome(ctx context.Context, evt switchport.Event) {
	if task := c.lookup(ctx, evt.ConnectionID); task != nil {
		if task.Status != domain.TaskStatusCalling {
			return
		}
		if e := c.entry(task.Handle); e != nil {
			c.resolve(e, Resolution{Outcome: evt.Outcome, ConnectionID: evt.ConnectionID})
		}
		return
	}

	if e := c.entry(evt.Handle); e != nil {
		if evt.ConnectionID != "" && e.ConnectionID() == "" {
			e.setConnectionID(evt.ConnectionID)
			if _, err := c.tasks.SetConnectionID(ctx, e.TaskID, e.Handle, evt.ConnectionID); err != nil {
				c.log.Error("record connection id failed", zap.String("task_id", e.TaskID.String()), zap.Error(err))
			}
		}
		c.resolve(e, Resolution{Outcome: evt.Outcome, ConnectionID: evt.ConnectionID})
		return
	}

	c.buffer(evt)
}

func (c *Correlator) onEnded(ctx context.Context, evt switchport.Event) {
	if task := c.lookup(ctx, evt.ConnectionID); task != nil {
		c.markEnded(evt.ConnectionID, domain.BillingLegOutbound, evt.At)
		if task.Status == domain.TaskStatusCalling {
			if e := c.entry(task.Handle); e != nil {
				c.resolve(e, Resolution{
					Outcome:      switchport.OutcomeForCause(evt.Cause),
					Cause:        evt.Cause,
					ConnectionID: evt.ConnectionID,
				})
			}
		}
		c.billing.CloseLeg(ctx, task.ID, domain.BillingLegOutbound, evt.At)
		if task.Status == domain.TaskStatusAnswered {
			c.mu.Lock()
			abandoned := c.abandoned
			c.mu.Unlock()
			if abandoned != nil {
				abandoned(ctx, task.ID, evt.ConnectionID)
			}
		}
		return
	}

	if evt.LinkedID != "" && evt.LinkedID != evt.ConnectionID {
		if task := c.lookup(ctx, evt.LinkedID); task != nil {
			c.markEnded(evt.LinkedID, domain.BillingLegInbound, evt.At)
			c.billing.CloseLeg(ctx, task.ID, domain.BillingLegInbound, evt.At)
		}
		return
	}

	if e := c.entry(evt.Handle); e != nil {
		c.resolve(e, Resolution{
			Outcome:      switchport.OutcomeForCause(evt.Cause),
			Cause:        evt.Cause,
			ConnectionID: evt.ConnectionID,
		})
		return
	}

	c.buffer(evt)
}

func (c *Correlator) resolve(e *Entry, r Resolution) {
	if e.resolve(r) {
		c.log.Debug("attempt resolved",
			zap.String("task_id", e.TaskID.String()),
			zap.String("outcome", string(r.Outcome)),
			zap.String("connection_id", r.ConnectionID),
		)
	}
}

// lookup re-reads the task owning a connection id from the store.
func (c *Correlator) lookup(ctx context.Context, connectionID string) *domain.Task {
	if connectionID == "" {
		return nil
	}
	task, err := c.tasks.FindByConnectionID(ctx, connectionID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			c.log.Error("find task by connection failed", zap.String("connection_id", connectionID), zap.Error(err))
		}
		return nil
	}
	return task
}

func (c *Correlator) entry(handle string) *Entry {
	if handle == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[handle]
}

func (c *Correlator) buffer(evt switchport.Event) {
	if evt.ConnectionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.early[evt.ConnectionID] = append(c.early[evt.ConnectionID], earlyEvent{
		evt:     evt,
		expires: c.now().Add(c.opts.EarlyEventTTL),
	})
}

func (c *Correlator) takeEarly(connectionID string) []switchport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	buffered := c.early[connectionID]
	delete(c.early, connectionID)

	now := c.now()
	out := make([]switchport.Event, 0, len(buffered))
	for _, b := range buffered {
		if now.Before(b.expires) {
			out = append(out, b.evt)
		}
	}
	return out
}

// Buffered returns the number of connections with early events waiting.
func (c *Correlator) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.early)
}

func (c *Correlator) markEnded(connectionID string, leg domain.BillingLeg, at time.Time) {
	c.mu.Lock()
	c.ended[endedKey(connectionID, leg)] = at
	c.mu.Unlock()
}

func (c *Correlator) purge(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, buffered := range c.early {
		kept := buffered[:0]
		for _, b := range buffered {
			if now.Before(b.expires) {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(c.early, id)
			continue
		}
		c.early[id] = kept
	}
	for key, at := range c.ended {
		if now.Sub(at) > c.opts.EndedTTL {
			delete(c.ended, key)
		}
	}
}

func endedKey(connectionID string, leg domain.BillingLeg) string {
	return string(leg) + ":" + connectionID
}

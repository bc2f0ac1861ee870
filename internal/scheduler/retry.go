package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/pkg/logger"
)

// Trigger starts a wave for a campaign.
type Trigger interface {
	TriggerWave(ctx context.Context, campaignID uuid.UUID) error
}

type armed struct {
	at    time.Time
	timer *time.Timer
}

// RetryScheduler keeps one timer per campaign, armed for the earliest retry time it
// has been given. When a timer fires the campaign gets a new wave, which picks up
// every retry that is due by then.
type RetryScheduler struct {
	log *logger.Logger
	now func() time.Time

	mu     sync.Mutex
	timers map[uuid.UUID]*armed
	due    map[uuid.UUID]struct{}
	signal chan struct{}
}

// NewRetryScheduler constructs a retry scheduler.
func NewRetryScheduler(log *logger.Logger) *RetryScheduler {
	return &RetryScheduler{
		log:    log.Named("retry_scheduler"),
		now:    time.Now,
		timers: make(map[uuid.UUID]*armed),
		due:    make(map[uuid.UUID]struct{}),
		signal: make(chan struct{}, 1),
	}
}

// Schedule arms a retry wave for at. An already armed earlier time wins.
func (s *RetryScheduler) Schedule(campaignID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.timers[campaignID]; ok {
		if !at.Before(cur.at) {
			return
		}
		cur.timer.Stop()
	}

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	a := &armed{at: at}
	a.timer = time.AfterFunc(delay, func() { s.expire(campaignID, a) })
	s.timers[campaignID] = a

	s.log.Debug("retry wave armed",
		zap.String("campaign_id", campaignID.String()),
		zap.Time("at", at),
		zap.Duration("delay", delay),
	)
}

// Cancel disarms the campaign's timer.
func (s *RetryScheduler) Cancel(campaignID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[campaignID]; ok {
		cur.timer.Stop()
		delete(s.timers, campaignID)
	}
	delete(s.due, campaignID)
}

// Next returns the armed time for a campaign.
func (s *RetryScheduler) Next(campaignID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[campaignID]
	if !ok {
		return time.Time{}, false
	}
	return cur.at, true
}

// Armed returns the number of campaigns with a pending timer.
func (s *RetryScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *RetryScheduler) expire(campaignID uuid.UUID, a *armed) {
	s.mu.Lock()
	if s.timers[campaignID] != a {
		s.mu.Unlock()
		return
	}
	delete(s.timers, campaignID)
	s.due[campaignID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *RetryScheduler) takeDue() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.due))
	for id := range s.due {
		ids = append(ids, id)
		delete(s.due, id)
	}
	return ids
}

// Run hands due campaigns to trigger until ctx is done, then disarms every timer.
func (s *RetryScheduler) Run(ctx context.Context, trigger Trigger) error {
	defer s.stopAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.signal:
			for _, id := range s.takeDue() {
				s.log.Info("retry wave due", zap.String("campaign_id", id.String()))
				if err := trigger.TriggerWave(ctx, id); err != nil {
					s.log.Error("trigger retry wave failed", zap.String("campaign_id", id.String()), zap.Error(err))
				}
			}
		}
	}
}

func (s *RetryScheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
}

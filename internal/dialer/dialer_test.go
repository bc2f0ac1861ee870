package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/campaign-dialer/internal/billing"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/notify"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/repository/memory"
	"github.com/acme/campaign-dialer/internal/scheduler"
	"github.com/acme/campaign-dialer/internal/switchport"
	"github.com/acme/campaign-dialer/internal/switchport/fake"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

var testContexts = Contexts{
	Hold:          "dialer-hold",
	DTMF:          "dialer-dtmf",
	AIFlow:        "dialer-ai",
	HumanQueue:    "dialer-human",
	Broadcast:     "dialer-broadcast",
	OutboundRoute: "outbound-route",
}

type harness struct {
	campaigns *memory.CampaignRepository
	tasks     *memory.TaskStore
	legs      *memory.BillingRepository
	attempts  *memory.AttemptLog
	sw        *fake.Switch
	corr      *Correlator
	retries   *scheduler.RetryScheduler
	notes     *notify.Recorder
	dialer    *Dialer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHarness(t *testing.T, behavior fake.Behavior, wrap ...func(repository.TaskStore) repository.TaskStore) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		campaigns: memory.NewCampaignRepository(),
		tasks:     memory.NewTaskStore(),
		legs:      memory.NewBillingRepository(),
		attempts:  memory.NewAttemptLog(),
		sw:        fake.New(behavior),
		retries:   scheduler.NewRetryScheduler(log),
		notes:     &notify.Recorder{},
	}

	var store repository.TaskStore = h.tasks
	for _, w := range wrap {
		store = w(store)
	}

	emitter := billing.NewEmitter(h.legs, billing.Options{IncrementSeconds: 1}, log)
	h.corr = NewCorrelator(store, emitter, CorrelatorOptions{EarlyEventTTL: time.Second}, log)
	h.dialer = New(Deps{
		Campaigns:  h.campaigns,
		Tasks:      store,
		Attempts:   h.attempts,
		Port:       h.sw,
		Correlator: h.corr,
		Billing:    emitter,
		Notifier:   h.notes,
		Retries:    h.retries,
	}, Options{
		Contexts:       testContexts,
		DefaultMaxWait: time.Second,
		WaitGrace:      50 * time.Millisecond,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		_ = h.corr.Run(ctx, h.sw.Events())
	}()
	go func() {
		defer h.wg.Done()
		_ = h.retries.Run(ctx, h.dialer)
	}()
	return h
}

func (h *harness) close() {
	h.dialer.Wait()
	h.cancel()
	h.wg.Wait()
	_ = h.sw.Close()
}

func (h *harness) campaign(t *testing.T, mutate func(*domain.Campaign)) *domain.Campaign {
	t.Helper()
	c := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               "wave",
		TimeZone:           "UTC",
		MaxConcurrentCalls: 2,
		RetryPolicy:        domain.RetryPolicy{MaxAttempts: 1, Interval: 50 * time.Millisecond},
		MaxWaitTime:        time.Second,
		OperatorExtension:  "1000",
		QueueName:          "sales",
		AIFlow:             "greeting",
		Billing:            domain.BillingPlan{OutboundRate: 120, AgentRate: 60, Currency: "USD"},
		Status:             domain.CampaignStatusActive,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, h.campaigns.Create(context.Background(), c))
	return c
}

func (h *harness) contacts(t *testing.T, campaign *domain.Campaign, n int) []*domain.Task {
	t.Helper()
	tasks := make([]*domain.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, &domain.Task{
			ID:          uuid.New(),
			CampaignID:  campaign.ID,
			PhoneNumber: fmt.Sprintf("+1555010%02d", i),
			DisplayName: fmt.Sprintf("contact %d", i),
			Status:      domain.TaskStatusPending,
			MaxAttempts: campaign.RetryPolicy.MaxAttempts,
		})
	}
	require.NoError(t, h.tasks.CreateMany(context.Background(), tasks))
	return tasks
}

func (h *harness) count(t *testing.T, campaignID uuid.UUID, status domain.TaskStatus) int64 {
	t.Helper()
	counts, err := h.tasks.CountByStatus(context.Background(), campaignID)
	require.NoError(t, err)
	return counts[status]
}

func (h *harness) task(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := h.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestWaveRespectsBudgetAndHandlesEveryContact(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 30*time.Millisecond))
	defer h.close()

	c := h.campaign(t, func(c *domain.Campaign) {
		c.DefaultHandling = domain.DefaultHandlingRouteToHumanQueue
	})
	h.contacts(t, c, 5)

	require.NoError(t, h.dialer.RunWave(context.Background(), c.ID))

	require.Equal(t, 2, h.tasks.MaxCalling(c.ID))
	require.EqualValues(t, 5, h.count(t, c.ID, domain.TaskStatusTransferred))
	require.Equal(t, 0, h.corr.Len())
	require.Len(t, h.sw.Originates(), 5)

	for _, r := range h.sw.Redirects() {
		require.Equal(t, testContexts.HumanQueue, r.Request.Context)
		require.Equal(t, "sales", r.Request.Extension)
	}

	got, err := h.campaigns.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	require.Len(t, h.notes.OfKind(notify.KindCallAnswered), 5)
	require.Len(t, h.notes.OfKind(notify.KindTaskHandled), 5)
	require.Len(t, h.notes.OfKind(notify.KindStatusChanged), 1)
	answered := h.notes.OfKind(notify.KindCallAnswered)[0]
	require.Equal(t, string(domain.DefaultHandlingRouteToHumanQueue), answered.DefaultHandling)
	require.NotEmpty(t, answered.Handle)
	require.NotEmpty(t, answered.PhoneNumber)
}

func TestNoAnswerRetriesUntilExhausted(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeNoAnswer, 5*time.Millisecond))
	defer h.close()

	interval := 80 * time.Millisecond
	c := h.campaign(t, func(c *domain.Campaign) {
		c.RetryPolicy = domain.RetryPolicy{MaxAttempts: 3, Interval: interval}
	})
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.TriggerWave(context.Background(), c.ID))

	require.Eventually(t, func() bool {
		return h.task(t, task.ID).Status == domain.TaskStatusFailed
	}, 3*time.Second, 10*time.Millisecond)
	h.dialer.Wait()

	final := h.task(t, task.ID)
	require.Equal(t, "max_attempts: no_answer", final.Result)
	require.Equal(t, 3, final.Attempts)
	require.Equal(t, 3, h.tasks.Claims(task.ID))

	originates := h.sw.Originates()
	require.Len(t, originates, 3)
	for i := 1; i < len(originates); i++ {
		require.GreaterOrEqual(t, originates[i].At.Sub(originates[i-1].At), interval)
	}

	attempts, _, err := h.attempts.List(context.Background(), task.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		require.Equal(t, domain.OutcomeNoAnswer, a.Outcome)
	}

	ended := h.notes.OfKind(notify.KindCallEnded)
	require.Len(t, ended, 3)
	require.Equal(t, string(domain.TaskStatusRetryPending), ended[0].Status)
	require.Equal(t, string(domain.TaskStatusFailed), ended[2].Status)

	require.Eventually(t, func() bool {
		got, err := h.campaigns.Get(context.Background(), c.ID)
		return err == nil && got.Status == domain.CampaignStatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestStopCancelsPendingAndDrainsCalling(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 200*time.Millisecond))
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, nil)
	h.contacts(t, c, 5)

	require.NoError(t, h.dialer.TriggerWave(ctx, c.ID))
	require.Eventually(t, func() bool {
		return h.count(t, c.ID, domain.TaskStatusCalling) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.campaigns.UpdateStatus(ctx, c.ID, domain.CampaignStatusInactive))
	n, err := h.tasks.CancelPending(ctx, c.ID, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.EqualValues(t, 3, h.count(t, c.ID, domain.TaskStatusCancelled))
	require.EqualValues(t, 2, h.count(t, c.ID, domain.TaskStatusCalling))

	h.dialer.Wait()

	require.EqualValues(t, 2, h.count(t, c.ID, domain.TaskStatusAnswered))
	require.EqualValues(t, 3, h.count(t, c.ID, domain.TaskStatusCancelled))
	require.Len(t, h.sw.Originates(), 2)
	require.Equal(t, 0, h.corr.Len())
}

func TestDualBillingLegsFinalizeIndependently(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 0))
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, func(c *domain.Campaign) {
		c.Billing.DualBilling = true
	})
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	answered := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusAnswered, answered.Status)
	require.NotEmpty(t, answered.ConnectionID)

	require.NoError(t, h.dialer.Resolve(ctx, task.ID, domain.HandlingHuman, "agent-7"))
	handled := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusTransferred, handled.Status)
	require.Equal(t, "agent-7", handled.TransferTarget)

	legs := func() map[domain.BillingLeg]domain.BillingLegRecord {
		records, err := h.legs.ListByTask(ctx, task.ID)
		require.NoError(t, err)
		out := make(map[domain.BillingLeg]domain.BillingLegRecord, len(records))
		for _, r := range records {
			out[r.Leg] = r
		}
		return out
	}

	open := legs()
	require.Len(t, open, 2)
	require.EqualValues(t, 120, open[domain.BillingLegOutbound].RatePerMinute)
	require.EqualValues(t, 60, open[domain.BillingLegInbound].RatePerMinute)

	h.sw.EndAgentLeg(answered.ConnectionID)
	require.Eventually(t, func() bool {
		l := legs()
		in, out := l[domain.BillingLegInbound], l[domain.BillingLegOutbound]
		return in.Finalized() && !out.Finalized()
	}, time.Second, 5*time.Millisecond)

	h.sw.EndCall(answered.ConnectionID)
	require.Eventually(t, func() bool {
		out := legs()[domain.BillingLegOutbound]
		return out.Finalized()
	}, time.Second, 5*time.Millisecond)
}

func TestSingleBillingSkipsAgentLeg(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 0))
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, nil)
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	require.NoError(t, h.dialer.Resolve(ctx, task.ID, domain.HandlingQueue, ""))

	records, err := h.legs.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, domain.BillingLegOutbound, records[0].Leg)

	redirects := h.sw.Redirects()
	require.Len(t, redirects, 1)
	require.Equal(t, testContexts.Broadcast, redirects[0].Request.Context)
	require.Equal(t, "sales", redirects[0].Request.Extension)
	require.Equal(t, domain.TaskStatusWaitingAgent, h.task(t, task.ID).Status)
}

func TestNonAnsweredCallOpensNoLeg(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeBusy, 0))
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, func(c *domain.Campaign) { c.Billing.DualBilling = true })
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	final := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusFailed, final.Status)
	require.Equal(t, "max_attempts: busy", final.Result)

	records, err := h.legs.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestTimeoutFailsAttemptAndHangsUp(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, func(switchport.OriginateRequest) fake.Script {
		return fake.Script{Silent: true}
	})
	defer h.close()

	c := h.campaign(t, func(c *domain.Campaign) { c.MaxWaitTime = 40 * time.Millisecond })
	task := h.contacts(t, c, 1)[0]

	start := time.Now()
	require.NoError(t, h.dialer.RunWave(context.Background(), c.ID))
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	final := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusFailed, final.Status)
	require.Equal(t, domain.OutcomeError, final.Outcome)
	require.Equal(t, "max_attempts: error", final.Result)
	require.Equal(t, []string{h.sw.Originates()[0].ConnectionID}, h.sw.Hangups())
	require.Equal(t, 0, h.corr.Len())
}

func TestOriginateFailureBecomesErrorOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, func(switchport.OriginateRequest) fake.Script {
		return fake.Script{OriginateErr: errors.New("trunk down")}
	})
	defer h.close()

	c := h.campaign(t, func(c *domain.Campaign) {
		c.RetryPolicy = domain.RetryPolicy{MaxAttempts: 2, Interval: time.Hour}
	})
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.RunWave(context.Background(), c.ID))

	retry := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusRetryPending, retry.Status)
	require.Equal(t, domain.OutcomeError, retry.Outcome)
	require.NotNil(t, retry.NextAttemptAt)
	require.Equal(t, 0, h.corr.Len())

	next, ok := h.retries.Next(c.ID)
	require.True(t, ok)
	require.WithinDuration(t, *retry.NextAttemptAt, next, time.Millisecond)
}

func TestNoEntryOutlivesItsAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)

	var n atomic.Int64
	h := newHarness(t, func(switchport.OriginateRequest) fake.Script {
		switch n.Add(1) % 6 {
		case 0:
			return fake.Script{OriginateErr: errors.New("rejected")}
		case 1:
			return fake.Script{Silent: true}
		case 2:
			return fake.Script{Outcome: domain.OutcomeAnswered, OutcomeBeforeAck: true}
		case 3:
			return fake.Script{Outcome: domain.OutcomeCongestion, SkipAck: true}
		case 4:
			return fake.Script{Outcome: domain.OutcomeBusy, Delay: time.Millisecond}
		default:
			return fake.Script{Outcome: domain.OutcomeAnswered, Delay: 2 * time.Millisecond}
		}
	})
	defer h.close()

	c := h.campaign(t, func(c *domain.Campaign) {
		c.MaxConcurrentCalls = 4
		c.MaxWaitTime = 30 * time.Millisecond
		c.DefaultHandling = domain.DefaultHandlingRouteToFlow
	})
	h.contacts(t, c, 24)

	require.NoError(t, h.dialer.RunWave(context.Background(), c.ID))
	require.Equal(t, 0, h.corr.Len())
	require.LessOrEqual(t, h.tasks.MaxCalling(c.ID), 4)

	tasks, err := h.tasks.ListByStatus(context.Background(), c.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 24)
	for _, task := range tasks {
		require.Contains(t, []domain.TaskStatus{domain.TaskStatusFailed, domain.TaskStatusAIHandled}, task.Status, task.PhoneNumber)
		require.Equal(t, 1, task.Attempts)
	}
	require.EqualValues(t, 8, h.count(t, c.ID, domain.TaskStatusAIHandled))
}

func TestWaveSkipsInactiveAndOutOfHoursCampaigns(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	defer h.close()

	paused := h.campaign(t, func(c *domain.Campaign) { c.Status = domain.CampaignStatusPaused })
	h.contacts(t, paused, 2)
	require.NoError(t, h.dialer.RunWave(context.Background(), paused.ID))

	closed := h.campaign(t, func(c *domain.Campaign) {
		now := time.Now().UTC()
		start := time.Date(0, 1, 1, (now.Hour()+2)%24, 0, 0, 0, time.UTC)
		c.BusinessHours = []domain.BusinessHourWindow{{
			DayOfWeek: now.Weekday(),
			Start:     start,
			End:       start.Add(time.Hour),
		}}
	})
	h.contacts(t, closed, 2)
	require.NoError(t, h.dialer.RunWave(context.Background(), closed.ID))

	require.Empty(t, h.sw.Originates())
	require.EqualValues(t, 2, h.count(t, paused.ID, domain.TaskStatusPending))
	require.EqualValues(t, 2, h.count(t, closed.ID, domain.TaskStatusPending))
}

func TestExhaustedPendingTaskFailsWithoutDialing(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, nil)
	task := &domain.Task{
		ID:          uuid.New(),
		CampaignID:  c.ID,
		PhoneNumber: "+15550199",
		Status:      domain.TaskStatusPending,
		Attempts:    1,
		MaxAttempts: 1,
		Outcome:     domain.OutcomeBusy,
	}
	require.NoError(t, h.tasks.CreateMany(ctx, []*domain.Task{task}))

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	final := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusFailed, final.Status)
	require.Equal(t, "max_attempts: busy", final.Result)
	require.Empty(t, h.sw.Originates())
}

type waveCounter struct {
	repository.TaskStore
	waves atomic.Int32
}

func (w *waveCounter) ReleaseDueRetries(ctx context.Context, campaignID uuid.UUID, now time.Time) (int64, error) {
	w.waves.Add(1)
	return w.TaskStore.ReleaseDueRetries(ctx, campaignID, now)
}

func TestTriggerWaveCoalesces(t *testing.T) {
	defer goleak.VerifyNone(t)

	counter := &waveCounter{}
	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 80*time.Millisecond), func(s repository.TaskStore) repository.TaskStore {
		counter.TaskStore = s
		return counter
	})
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, nil)
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.TriggerWave(ctx, c.ID))
	require.NoError(t, h.dialer.TriggerWave(ctx, c.ID))
	require.NoError(t, h.dialer.TriggerWave(ctx, c.ID))
	h.dialer.Wait()

	require.EqualValues(t, 2, counter.waves.Load())
	require.Equal(t, 1, h.tasks.Claims(task.ID))
	require.Len(t, h.sw.Originates(), 1)
}

func TestResolveRequiresAnsweredTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, nil)
	task := h.contacts(t, c, 1)[0]

	err := h.dialer.Resolve(ctx, task.ID, domain.HandlingAI, "")
	require.Error(t, err)
	require.True(t, errors.Is(err, repository.ErrConflict))

	err = h.dialer.Resolve(ctx, task.ID, domain.Handling("robot"), "")
	require.Error(t, err)

	err = h.dialer.Resolve(ctx, uuid.New(), domain.HandlingAI, "")
	require.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	require.NoError(t, h.dialer.Resolve(ctx, task.ID, domain.HandlingAI, ""))
	final := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusAIHandled, final.Status)
	require.Equal(t, "greeting", final.TransferTarget)

	err = h.dialer.Resolve(ctx, task.ID, domain.HandlingAI, "")
	require.ErrorIs(t, err, repository.ErrConflict)
}

func TestHangupEndsLiveConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, nil)
	task := h.contacts(t, c, 1)[0]

	require.ErrorIs(t, h.dialer.Hangup(ctx, task.ID), repository.ErrConflict)

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	connID := h.task(t, task.ID).ConnectionID
	require.True(t, h.sw.Live(connID))

	require.NoError(t, h.dialer.Hangup(ctx, task.ID))
	require.False(t, h.sw.Live(connID))
	require.Eventually(t, func() bool {
		records, err := h.legs.ListByTask(ctx, task.ID)
		return err == nil && len(records) == 1 && records[0].Finalized()
	}, time.Second, 5*time.Millisecond)
}

func TestOriginateRequest(t *testing.T) {
	d := New(Deps{}, Options{Technology: "SIP", Contexts: testContexts, DefaultMaxWait: 20 * time.Second}, logger.NewNop())
	task := &domain.Task{ID: uuid.New(), PhoneNumber: "+15550123", Handle: "h-1"}

	plain := &domain.Campaign{ID: uuid.New(), OperatorExtension: "2001"}
	req := d.originateRequest(plain, task)
	require.Equal(t, "Local/+15550123@outbound-route", req.Channel)
	require.Equal(t, testContexts.Hold, req.Context)
	require.Equal(t, "2001", req.CallerID)
	require.Equal(t, "h-1", req.Handle)
	require.Equal(t, 20*time.Second, req.Timeout)
	require.Equal(t, task.ID.String(), req.Variables[VarTaskID])
	require.NotContains(t, req.Variables, VarDTMFKey)

	trunked := &domain.Campaign{
		ID:                uuid.New(),
		Trunk:             "carrier-a",
		CallerID:          "+15559990000",
		OperatorExtension: "2001",
		MaxWaitTime:       45 * time.Second,
		DTMF: &domain.DTMFConfig{
			Key:            "1",
			Prompt:         "press-one",
			Timeout:        8 * time.Second,
			MaxReplays:     2,
			TransferTarget: "3000",
		},
	}
	req = d.originateRequest(trunked, task)
	require.Equal(t, "SIP/carrier-a/+15550123", req.Channel)
	require.Equal(t, testContexts.DTMF, req.Context)
	require.Equal(t, "+15559990000", req.CallerID)
	require.Equal(t, 45*time.Second, req.Timeout)
	require.Equal(t, "1", req.Variables[VarDTMFKey])
	require.Equal(t, "press-one", req.Variables[VarDTMFPrompt])
	require.Equal(t, "8", req.Variables[VarDTMFTimeout])
	require.Equal(t, "2", req.Variables[VarDTMFMaxReplays])
	require.Equal(t, "3000", req.Variables[VarDTMFTransfer])
}

func TestRedirectRequestTargets(t *testing.T) {
	d := New(Deps{}, Options{Contexts: testContexts}, logger.NewNop())
	task := &domain.Task{ConnectionID: "conn-1"}
	campaign := &domain.Campaign{OperatorExtension: "1000", AIFlow: "flow-a"}

	cases := []struct {
		handling domain.Handling
		target   string
		context  string
		ext      string
		wantErr  bool
	}{
		{domain.HandlingHuman, "", testContexts.HumanQueue, "1000", false},
		{domain.HandlingHuman, "2002", testContexts.HumanQueue, "2002", false},
		{domain.HandlingAI, "", testContexts.AIFlow, "flow-a", false},
		{domain.HandlingQueue, "", "", "", true},
		{domain.HandlingQueue, "support", testContexts.Broadcast, "support", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.handling)+"/"+tc.target, func(t *testing.T) {
			req, err := d.redirectRequest(campaign, task, tc.handling, tc.target)
			if tc.wantErr {
				require.ErrorIs(t, err, apperrors.ErrValidation)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "conn-1", req.ConnectionID)
			require.Equal(t, tc.context, req.Context)
			require.Equal(t, tc.ext, req.Extension)
			require.Equal(t, 1, req.Priority)
		})
	}
}

func TestAnsweredCallEndedBeforeDecisionFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 0))
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, func(c *domain.Campaign) { c.DefaultHandling = domain.DefaultHandlingAsk })
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	answered := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusAnswered, answered.Status)
	require.Empty(t, h.sw.Redirects())

	// contact hangs up while the operator is still deciding
	h.sw.EndCall(answered.ConnectionID)

	require.Eventually(t, func() bool {
		got, err := h.campaigns.Get(ctx, c.ID)
		return err == nil && got.Status == domain.CampaignStatusCompleted
	}, time.Second, 5*time.Millisecond)

	final := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusFailed, final.Status)
	require.Equal(t, domain.AbandonedResult, final.Result)

	ended := h.notes.OfKind(notify.KindCallEnded)
	require.Len(t, ended, 1)
	require.Equal(t, domain.AbandonedResult, ended[0].Result)
	require.Equal(t, answered.ConnectionID, ended[0].ConnectionID)

	records, err := h.legs.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Finalized())

	require.ErrorIs(t, h.dialer.Resolve(ctx, task.ID, domain.HandlingHuman, "agent-1"), repository.ErrConflict)
}

// vanishedPort reports every connection as gone without emitting an end event.
type vanishedPort struct {
	*fake.Switch
}

func (p vanishedPort) Redirect(_ context.Context, req switchport.RedirectRequest) error {
	return fmt.Errorf("%w: %s", switchport.ErrUnknownConnection, req.ConnectionID)
}

func (p vanishedPort) Hangup(_ context.Context, connectionID string) error {
	return fmt.Errorf("%w: %s", switchport.ErrUnknownConnection, connectionID)
}

func TestFailedAutomaticRedirectFailsAnsweredTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 0))
	defer h.close()
	h.dialer.port = vanishedPort{Switch: h.sw}

	ctx := context.Background()
	c := h.campaign(t, func(c *domain.Campaign) { c.DefaultHandling = domain.DefaultHandlingRouteToFlow })
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))

	final := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusFailed, final.Status)
	require.Equal(t, domain.AbandonedResult, final.Result)
	require.Empty(t, h.notes.OfKind(notify.KindTaskHandled))
	require.Len(t, h.notes.OfKind(notify.KindCallEnded), 1)

	got, err := h.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusCompleted, got.Status)
}

func TestHangupOfVanishedAnsweredCallClearsTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, fake.Always(domain.OutcomeAnswered, 0))
	defer h.close()

	ctx := context.Background()
	c := h.campaign(t, func(c *domain.Campaign) { c.DefaultHandling = domain.DefaultHandlingAsk })
	task := h.contacts(t, c, 1)[0]

	require.NoError(t, h.dialer.RunWave(ctx, c.ID))
	require.Equal(t, domain.TaskStatusAnswered, h.task(t, task.ID).Status)

	h.dialer.port = vanishedPort{Switch: h.sw}
	require.NoError(t, h.dialer.Hangup(ctx, task.ID))

	final := h.task(t, task.ID)
	require.Equal(t, domain.TaskStatusFailed, final.Status)
	require.Equal(t, domain.AbandonedResult, final.Result)

	// a second hangup finds nothing to clear
	require.ErrorIs(t, h.dialer.Hangup(ctx, task.ID), repository.ErrConflict)
}

func TestRunCancelsWavesTriggeredBeforeItStarted(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, func(switchport.OriginateRequest) fake.Script { return fake.Script{Silent: true} })
	defer h.close()

	c := h.campaign(t, func(c *domain.Campaign) {
		c.MaxConcurrentCalls = 1
		c.MaxWaitTime = 150 * time.Millisecond
	})
	h.contacts(t, c, 3)

	require.NoError(t, h.dialer.TriggerWave(context.Background(), c.ID))
	require.Eventually(t, func() bool { return len(h.sw.Originates()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.dialer.Run(ctx))

	require.Len(t, h.sw.Originates(), 1)
	require.EqualValues(t, 2, h.count(t, c.ID, domain.TaskStatusPending))
}

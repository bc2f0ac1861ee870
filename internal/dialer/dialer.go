package dialer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/notify"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/service/concurrency"
	"github.com/acme/campaign-dialer/internal/switchport"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Channel variables passed on every origination.
const (
	VarTaskID         = "DIALER_TASK_ID"
	VarCampaignID     = "DIALER_CAMPAIGN_ID"
	VarDTMFKey        = "DTMF_KEY"
	VarDTMFPrompt     = "DTMF_PROMPT"
	VarDTMFTimeout    = "DTMF_TIMEOUT"
	VarDTMFMaxReplays = "DTMF_MAX_REPLAYS"
	VarDTMFTransfer   = "DTMF_TRANSFER"
)

// Billing is the billing surface the dialer drives.
type Billing interface {
	LegCloser
	OpenOutbound(ctx context.Context, campaign *domain.Campaign, task *domain.Task, at time.Time)
	OpenInbound(ctx context.Context, campaign *domain.Campaign, task *domain.Task, at time.Time)
}

// RetryScheduler arms the next retry wave of a campaign.
type RetryScheduler interface {
	Schedule(campaignID uuid.UUID, at time.Time)
	Cancel(campaignID uuid.UUID)
}

// SlotLeaser hands out cross-process concurrency slots.
type SlotLeaser interface {
	Wait(ctx context.Context, campaignID uuid.UUID, token string, limit int, poll time.Duration) error
	Release(ctx context.Context, campaignID uuid.UUID, token string) error
}

// Contexts names the dialplan locations calls are sent to.
type Contexts struct {
	Hold          string
	DTMF          string
	AIFlow        string
	HumanQueue    string
	Broadcast     string
	OutboundRoute string
}

// Options configures the dialer.
type Options struct {
	Technology     string
	Contexts       Contexts
	DefaultMaxWait time.Duration
	WaitGrace      time.Duration
	SlotPoll       time.Duration
}

// Deps groups the dialer's collaborators. Slots and Retries are optional.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Tasks      repository.TaskStore
	Attempts   repository.AttemptLog
	Port       switchport.Port
	Correlator *Correlator
	Billing    Billing
	Notifier   notify.Notifier
	Retries    RetryScheduler
	Slots      SlotLeaser
}

type waveState struct {
	running bool
	rerun   bool
}

// Dialer runs waves of calls for campaigns.
type Dialer struct {
	campaigns repository.CampaignRepository
	tasks     repository.TaskStore
	attempts  repository.AttemptLog
	port      switchport.Port
	corr      *Correlator
	billing   Billing
	notifier  notify.Notifier
	retries   RetryScheduler
	slots     SlotLeaser
	opts      Options
	log       *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// completeMu serializes the completion check so a campaign completes once
	completeMu sync.Mutex

	mu       sync.Mutex
	base     context.Context
	stop     context.CancelFunc
	limiters map[uuid.UUID]*concurrency.Limiter
	waves    map[uuid.UUID]*waveState
	wg       sync.WaitGroup
}

// New constructs a dialer.
func New(deps Deps, opts Options, log *logger.Logger) *Dialer {
	if opts.DefaultMaxWait <= 0 {
		opts.DefaultMaxWait = 30 * time.Second
	}
	if opts.WaitGrace <= 0 {
		opts.WaitGrace = 5 * time.Second
	}
	if opts.Technology == "" {
		opts.Technology = "PJSIP"
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	base, stop := context.WithCancel(context.Background())
	d := &Dialer{
		campaigns: deps.Campaigns,
		tasks:     deps.Tasks,
		attempts:  deps.Attempts,
		port:      deps.Port,
		corr:      deps.Correlator,
		billing:   deps.Billing,
		notifier:  notifier,
		retries:   deps.Retries,
		slots:     deps.Slots,
		opts:      opts,
		log:       log.Named("dialer"),
		tracer:    otel.Tracer("dialer"),
		now:       func() time.Time { return time.Now().UTC() },
		base:      base,
		stop:      stop,
		limiters:  make(map[uuid.UUID]*concurrency.Limiter),
		waves:     make(map[uuid.UUID]*waveState),
	}
	if d.corr != nil {
		d.corr.OnAbandoned(d.abandon)
	}
	return d
}

// Run blocks until ctx is done, then cancels every triggered wave, including those
// triggered before Run started, and waits for them and their in-flight calls to drain.
func (d *Dialer) Run(ctx context.Context) error {
	<-ctx.Done()
	d.stop()
	d.Wait()
	return nil
}

// Wait blocks until all triggered waves have finished.
func (d *Dialer) Wait() {
	d.wg.Wait()
}

// TriggerWave runs a wave in the background. A trigger that arrives while a wave for
// the same campaign is running schedules exactly one follow-up wave.
func (d *Dialer) TriggerWave(_ context.Context, campaignID uuid.UUID) error {
	d.mu.Lock()
	st := d.waves[campaignID]
	if st == nil {
		st = &waveState{}
		d.waves[campaignID] = st
	}
	if st.running {
		st.rerun = true
		d.mu.Unlock()
		return nil
	}
	st.running = true
	base := d.base
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		for {
			if err := d.RunWave(base, campaignID); err != nil && base.Err() == nil {
				d.log.Error("wave failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
			}

			d.mu.Lock()
			if !st.rerun {
				st.running = false
				delete(d.waves, campaignID)
				d.mu.Unlock()
				return
			}
			st.rerun = false
			d.mu.Unlock()
		}
	}()
	return nil
}

// RunWave claims every pending task of an active campaign, in creation order, and dials
// each under the campaign's concurrency budget. It returns when all calls of the wave
// have finished.
func (d *Dialer) RunWave(ctx context.Context, campaignID uuid.UUID) error {
	ctx, span := d.tracer.Start(ctx, "dialer.wave", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
	))
	defer span.End()

	campaign, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dialer: load campaign: %w", err)
	}
	if campaign.Status != domain.CampaignStatusActive {
		d.log.Debug("wave skipped, campaign not active",
			zap.String("campaign_id", campaignID.String()),
			zap.String("status", string(campaign.Status)),
		)
		return nil
	}
	now := d.now()
	if !campaign.InBusinessHours(now) {
		d.log.Info("wave skipped, outside business hours", zap.String("campaign_id", campaignID.String()))
		return nil
	}

	if n, err := d.tasks.ReleaseDueRetries(ctx, campaignID, now); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dialer: release retries: %w", err)
	} else if n > 0 {
		d.log.Info("retries released", zap.String("campaign_id", campaignID.String()), zap.Int64("count", n))
	}

	pending, err := d.tasks.ListByStatus(ctx, campaignID, []domain.TaskStatus{domain.TaskStatusPending}, 0)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dialer: list pending: %w", err)
	}
	span.SetAttributes(attribute.Int("tasks.pending", len(pending)))
	d.log.Info("wave started",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("pending", len(pending)),
		zap.Int("budget", campaign.MaxConcurrentCalls),
	)

	limiter := d.limiterFor(campaign)
	var calls sync.WaitGroup

	for _, task := range pending {
		release, err := d.acquire(ctx, campaign, limiter)
		if err != nil {
			break
		}

		current, err := d.campaigns.Get(ctx, campaignID)
		if err != nil || current.Status != domain.CampaignStatusActive {
			release()
			break
		}
		campaign = current

		handle := uuid.NewString()
		at := d.now()
		res, err := d.tasks.Claim(ctx, task.ID, handle, at)
		if err != nil {
			release()
			d.log.Error("claim failed", zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		switch res {
		case repository.ClaimAcquired:
		case repository.ClaimExhausted:
			release()
			if _, err := d.tasks.FailExhausted(ctx, task.ID, domain.ExhaustedResult(task.Outcome), at); err != nil {
				d.log.Error("fail exhausted task failed", zap.String("task_id", task.ID.String()), zap.Error(err))
			}
			continue
		default:
			release()
			continue
		}

		claimed := *task
		claimed.Status = domain.TaskStatusCalling
		claimed.Attempts++
		claimed.Handle = handle
		claimed.ConnectionID = ""
		claimed.LastAttemptAt = &at

		calls.Add(1)
		go func(campaign *domain.Campaign, task *domain.Task) {
			defer calls.Done()
			defer release()
			d.dial(ctx, campaign, task)
		}(campaign, &claimed)
	}

	calls.Wait()
	d.afterWave(context.WithoutCancel(ctx), campaignID)
	return nil
}

func (d *Dialer) acquire(ctx context.Context, campaign *domain.Campaign, limiter *concurrency.Limiter) (func(), error) {
	release, err := limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if d.slots == nil {
		return release, nil
	}

	token := uuid.NewString()
	if err := d.slots.Wait(ctx, campaign.ID, token, limiter.Size(), d.opts.SlotPoll); err != nil {
		release()
		return nil, err
	}
	return func() {
		if err := d.slots.Release(context.Background(), campaign.ID, token); err != nil {
			d.log.Warn("release slot failed", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
		release()
	}, nil
}

func (d *Dialer) limiterFor(campaign *domain.Campaign) *concurrency.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[campaign.ID]
	size := campaign.MaxConcurrentCalls
	if size < 1 {
		size = 1
	}
	if ok && (l.Size() == size || l.InFlight() > 0) {
		return l
	}
	l = concurrency.NewLimiter(size)
	d.limiters[campaign.ID] = l
	return l
}

// dial runs one attempt from origination to the applied outcome.
func (d *Dialer) dial(ctx context.Context, campaign *domain.Campaign, task *domain.Task) {
	ctx, span := d.tracer.Start(ctx, "dialer.attempt", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.String("task.id", task.ID.String()),
		attribute.Int("attempt", task.Attempts),
	))
	defer span.End()

	// in-flight attempts drain even when the wave's context is cancelled
	ctx = context.WithoutCancel(ctx)
	started := d.now()

	entry, err := d.corr.Register(task.ID, task.Handle)
	if err != nil {
		span.RecordError(err)
		d.log.Error("register attempt failed", zap.String("task_id", task.ID.String()), zap.Error(err))
		d.apply(ctx, campaign, task, Resolution{Outcome: domain.OutcomeError, Cause: "register"}, started)
		return
	}
	defer d.corr.Unregister(entry)

	req := d.originateRequest(campaign, task)
	if _, err := d.port.Originate(ctx, req); err != nil {
		span.RecordError(err)
		d.log.Warn("originate failed",
			zap.String("task_id", task.ID.String()),
			zap.String("channel", req.Channel),
			zap.Error(err),
		)
		d.corr.Fail(entry, "originate: "+err.Error())
	}

	res := d.corr.Await(ctx, entry, d.waitBound(campaign))
	if res.TimedOut {
		d.log.Warn("attempt timed out", zap.String("task_id", task.ID.String()), zap.String("connection_id", res.ConnectionID))
		if res.ConnectionID != "" {
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := d.port.Hangup(hctx, res.ConnectionID); err != nil {
				d.log.Debug("hangup after timeout failed", zap.String("connection_id", res.ConnectionID), zap.Error(err))
			}
			cancel()
		}
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))

	d.apply(ctx, campaign, task, res, started)

	if campaign.WrapUpDelay > 0 {
		timer := time.NewTimer(campaign.WrapUpDelay)
		<-timer.C
	}
}

func (d *Dialer) waitBound(campaign *domain.Campaign) time.Duration {
	wait := campaign.MaxWaitTime
	if wait <= 0 {
		wait = d.opts.DefaultMaxWait
	}
	return wait + d.opts.WaitGrace
}

func (d *Dialer) originateRequest(campaign *domain.Campaign, task *domain.Task) switchport.OriginateRequest {
	channel := fmt.Sprintf("Local/%s@%s", task.PhoneNumber, d.opts.Contexts.OutboundRoute)
	if campaign.Trunk != "" {
		channel = fmt.Sprintf("%s/%s/%s", d.opts.Technology, campaign.Trunk, task.PhoneNumber)
	}

	vars := map[string]string{
		VarTaskID:     task.ID.String(),
		VarCampaignID: campaign.ID.String(),
	}
	dialContext := d.opts.Contexts.Hold
	if dtmf := campaign.DTMF; dtmf != nil {
		dialContext = d.opts.Contexts.DTMF
		vars[VarDTMFKey] = dtmf.Key
		vars[VarDTMFPrompt] = dtmf.Prompt
		vars[VarDTMFTimeout] = strconv.Itoa(int(dtmf.Timeout / time.Second))
		vars[VarDTMFMaxReplays] = strconv.Itoa(dtmf.MaxReplays)
		vars[VarDTMFTransfer] = dtmf.TransferTarget
	}

	wait := campaign.MaxWaitTime
	if wait <= 0 {
		wait = d.opts.DefaultMaxWait
	}

	return switchport.OriginateRequest{
		Channel:   channel,
		Context:   dialContext,
		Extension: "s",
		Priority:  1,
		CallerID:  campaign.CallerIDFor(),
		Timeout:   wait,
		Handle:    task.Handle,
		Variables: vars,
	}
}

// apply records an attempt's outcome and its side effects.
func (d *Dialer) apply(ctx context.Context, campaign *domain.Campaign, task *domain.Task, res Resolution, started time.Time) {
	now := d.now()
	log := d.log.With(zap.String("task_id", task.ID.String()), zap.String("outcome", string(res.Outcome)))

	if res.Outcome == domain.OutcomeAnswered {
		d.applyAnswered(ctx, campaign, task, res, now, log)
	} else {
		status, result, next := task.NextAfterOutcome(res.Outcome, now, campaign.RetryPolicy.Interval)
		ok, err := d.tasks.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
			Handle:        task.Handle,
			Status:        status,
			Outcome:       res.Outcome,
			Result:        result,
			NextAttemptAt: next,
			At:            now,
		})
		switch {
		case err != nil:
			log.Error("record outcome failed", zap.Error(err))
		case !ok:
			log.Warn("outcome discarded, task no longer calling on this attempt")
		default:
			log.Info("attempt finished", zap.String("status", string(status)), zap.String("result", result))
			d.notifier.Publish(d.event(notify.KindCallEnded, campaign, task, func(e *notify.Event) {
				e.ConnectionID = res.ConnectionID
				e.Outcome = string(res.Outcome)
				e.Status = string(status)
				e.Result = result
			}))
		}
	}

	if d.attempts == nil {
		return
	}
	attempt := domain.CallAttempt{
		TaskID:       task.ID,
		CampaignID:   campaign.ID,
		AttemptNum:   task.Attempts,
		Handle:       task.Handle,
		ConnectionID: res.ConnectionID,
		Outcome:      res.Outcome,
		Cause:        res.Cause,
		StartedAt:    started,
		Duration:     now.Sub(started),
	}
	if err := d.attempts.Append(ctx, attempt); err != nil {
		log.Warn("append attempt failed", zap.Error(err))
	}
}

func (d *Dialer) applyAnswered(ctx context.Context, campaign *domain.Campaign, task *domain.Task, res Resolution, now time.Time, log *logger.Logger) {
	ok, err := d.tasks.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
		Handle:  task.Handle,
		Status:  domain.TaskStatusAnswered,
		Outcome: domain.OutcomeAnswered,
		Result:  string(domain.OutcomeAnswered),
		At:      now,
	})
	if err != nil {
		log.Error("record answer failed", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("answer discarded, task no longer calling on this attempt")
		return
	}
	task.Status = domain.TaskStatusAnswered
	task.ConnectionID = res.ConnectionID

	d.billing.OpenOutbound(ctx, campaign, task, now)
	endedAt, ended := d.corr.EndedAt(res.ConnectionID, domain.BillingLegOutbound)
	if ended {
		d.billing.CloseLeg(ctx, task.ID, domain.BillingLegOutbound, endedAt)
	}

	log.Info("call answered", zap.String("connection_id", res.ConnectionID))
	d.notifier.Publish(d.event(notify.KindCallAnswered, campaign, task, func(e *notify.Event) {
		e.ConnectionID = res.ConnectionID
		e.Outcome = string(domain.OutcomeAnswered)
		e.Status = string(domain.TaskStatusAnswered)
		e.DefaultHandling = string(campaign.DefaultHandling)
	}))

	// the end event arrived while the task was still calling
	if ended {
		d.abandon(ctx, task.ID, res.ConnectionID)
		return
	}

	if handling, auto := campaign.DefaultHandling.Automatic(); auto {
		if err := d.Resolve(ctx, task.ID, handling, ""); err != nil {
			log.Error("automatic handling failed", zap.String("handling", string(handling)), zap.Error(err))
		}
	}
}

// abandon fails an answered task whose connection is gone before any handling was applied.
// It is a no-op once the task left answered, so the end event and a failed redirect may both call it.
func (d *Dialer) abandon(ctx context.Context, taskID uuid.UUID, connectionID string) {
	log := d.log.With(zap.String("task_id", taskID.String()), zap.String("connection_id", connectionID))
	ok, err := d.tasks.AbandonAnswered(ctx, taskID, connectionID, d.now())
	if err != nil {
		log.Error("abandon answered task failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		log.Error("load abandoned task failed", zap.Error(err))
		return
	}
	campaign, err := d.campaigns.Get(ctx, task.CampaignID)
	if err != nil {
		log.Error("load campaign failed", zap.Error(err))
		return
	}

	log.Info("answered call ended before handling")
	d.notifier.Publish(d.event(notify.KindCallEnded, campaign, task, func(e *notify.Event) {
		e.ConnectionID = connectionID
		e.Outcome = string(domain.OutcomeAnswered)
		e.Status = string(task.Status)
		e.Result = task.Result
	}))
	d.completeIfDone(ctx, campaign.ID)
}

// Resolve routes an answered call and moves its task to the matching handled state.
func (d *Dialer) Resolve(ctx context.Context, taskID uuid.UUID, handling domain.Handling, target string) error {
	if !handling.Valid() {
		return apperrors.Validation("handling must be human, ai or queue")
	}
	ctx, span := d.tracer.Start(ctx, "dialer.resolve", trace.WithAttributes(
		attribute.String("task.id", taskID.String()),
		attribute.String("handling", string(handling)),
	))
	defer span.End()

	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dialer: resolve: %w", err)
	}
	if task.Status != domain.TaskStatusAnswered || task.ConnectionID == "" {
		return fmt.Errorf("dialer: resolve task in status %s: %w", task.Status, apperrors.ErrInvalidState)
	}
	campaign, err := d.campaigns.Get(ctx, task.CampaignID)
	if err != nil {
		return fmt.Errorf("dialer: resolve: %w", err)
	}

	req, err := d.redirectRequest(campaign, task, handling, target)
	if err != nil {
		return err
	}
	if err := d.port.Redirect(ctx, req); err != nil {
		span.RecordError(err)
		if errors.Is(err, switchport.ErrUnknownConnection) {
			d.abandon(ctx, task.ID, task.ConnectionID)
			return fmt.Errorf("dialer: redirect: %w: %v", apperrors.ErrInvalidState, err)
		}
		return fmt.Errorf("dialer: redirect: %w", err)
	}

	now := d.now()
	ok, err := d.tasks.MarkHandled(ctx, task.ID, handling, req.Extension, now)
	if err != nil {
		return fmt.Errorf("dialer: mark handled: %w", err)
	}
	if !ok {
		return fmt.Errorf("dialer: task already handled: %w", apperrors.ErrInvalidState)
	}
	task.Status = handling.Status()
	task.Handling = handling
	task.TransferTarget = req.Extension

	if handling.ReachesAgent() {
		d.billing.OpenInbound(ctx, campaign, task, now)
		if endedAt, ended := d.corr.EndedAt(task.ConnectionID, domain.BillingLegInbound); ended {
			d.billing.CloseLeg(ctx, task.ID, domain.BillingLegInbound, endedAt)
		}
	}

	d.log.Info("call handled",
		zap.String("task_id", task.ID.String()),
		zap.String("handling", string(handling)),
		zap.String("target", req.Extension),
	)
	d.notifier.Publish(d.event(notify.KindTaskHandled, campaign, task, func(e *notify.Event) {
		e.ConnectionID = task.ConnectionID
		e.Status = string(task.Status)
		e.Handling = string(handling)
		e.Target = req.Extension
	}))

	d.completeIfDone(ctx, campaign.ID)
	return nil
}

func (d *Dialer) redirectRequest(campaign *domain.Campaign, task *domain.Task, handling domain.Handling, target string) (switchport.RedirectRequest, error) {
	req := switchport.RedirectRequest{ConnectionID: task.ConnectionID, Priority: 1}
	switch handling {
	case domain.HandlingAI:
		req.Context = d.opts.Contexts.AIFlow
		req.Extension = firstNonEmpty(target, campaign.AIFlow)
	case domain.HandlingQueue:
		req.Context = d.opts.Contexts.Broadcast
		req.Extension = firstNonEmpty(target, campaign.QueueName)
	default:
		req.Context = d.opts.Contexts.HumanQueue
		req.Extension = firstNonEmpty(target, campaign.QueueName, campaign.OperatorExtension)
	}
	if req.Extension == "" {
		return req, apperrors.Validation("no transfer target for %s handling", handling)
	}
	return req, nil
}

// Hangup forces the connection of a task down.
func (d *Dialer) Hangup(ctx context.Context, taskID uuid.UUID) error {
	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dialer: hangup: %w", err)
	}
	if task.ConnectionID == "" {
		return fmt.Errorf("dialer: hangup task without connection: %w", apperrors.ErrInvalidState)
	}
	if err := d.port.Hangup(ctx, task.ConnectionID); err != nil {
		if errors.Is(err, switchport.ErrUnknownConnection) {
			if task.Status == domain.TaskStatusAnswered {
				// already gone, nothing left to hang up
				d.abandon(ctx, task.ID, task.ConnectionID)
				return nil
			}
			return fmt.Errorf("dialer: hangup: %w: %v", apperrors.ErrInvalidState, err)
		}
		return fmt.Errorf("dialer: hangup: %w", err)
	}
	d.log.Info("connection hung up", zap.String("task_id", taskID.String()), zap.String("connection_id", task.ConnectionID))
	return nil
}

// afterWave arms the retry timer and completes the campaign when no work is left.
func (d *Dialer) afterWave(ctx context.Context, campaignID uuid.UUID) {
	earliest, err := d.tasks.EarliestRetry(ctx, campaignID)
	if err != nil {
		d.log.Error("earliest retry lookup failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	} else if earliest != nil && d.retries != nil {
		d.retries.Schedule(campaignID, *earliest)
	}
	d.completeIfDone(ctx, campaignID)
}

func (d *Dialer) completeIfDone(ctx context.Context, campaignID uuid.UUID) {
	d.completeMu.Lock()
	defer d.completeMu.Unlock()

	counts, err := d.tasks.CountByStatus(ctx, campaignID)
	if err != nil {
		d.log.Error("count tasks failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	stats := domain.CampaignStats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	if stats.Total == 0 || stats.Outstanding() > 0 {
		return
	}

	campaign, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		d.log.Error("load campaign failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if campaign.Status != domain.CampaignStatusActive {
		return
	}
	now := d.now()
	campaign.Status = domain.CampaignStatusCompleted
	campaign.CompletedAt = &now
	campaign.UpdatedAt = now
	if err := d.campaigns.Update(ctx, campaign); err != nil {
		d.log.Error("complete campaign failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if d.retries != nil {
		d.retries.Cancel(campaignID)
	}

	d.log.Info("campaign completed", zap.String("campaign_id", campaignID.String()), zap.Int64("tasks", stats.Total))
	d.notifier.Publish(notify.Event{
		Kind:       notify.KindStatusChanged,
		CampaignID: campaignID,
		Status:     string(domain.CampaignStatusCompleted),
		At:         now,
	})
}

func (d *Dialer) event(kind notify.Kind, campaign *domain.Campaign, task *domain.Task, fill func(*notify.Event)) notify.Event {
	id := task.ID
	evt := notify.Event{
		Kind:        kind,
		CampaignID:  campaign.ID,
		TaskID:      &id,
		PhoneNumber: task.PhoneNumber,
		DisplayName: task.DisplayName,
		Handle:      task.Handle,
		Attempts:    task.Attempts,
		At:          d.now(),
	}
	if fill != nil {
		fill(&evt)
	}
	return evt
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package billing records per-leg cost ledger entries.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Options tunes cost rounding.
type Options struct {
	IncrementSeconds int
	MinimumSeconds   int
	DefaultCurrency  string
}

// Emitter opens and finalizes billing legs. Write failures are logged and swallowed so
// they never hold up call handling.
type Emitter struct {
	repo repository.BillingRepository
	opts Options
	log  *logger.Logger
	now  func() time.Time
}

// NewEmitter constructs an emitter.
func NewEmitter(repo repository.BillingRepository, opts Options, log *logger.Logger) *Emitter {
	if opts.IncrementSeconds <= 0 {
		opts.IncrementSeconds = 60
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	return &Emitter{repo: repo, opts: opts, log: log.Named("billing"), now: time.Now}
}

// OpenOutbound starts the contact leg of an answered call.
func (e *Emitter) OpenOutbound(ctx context.Context, campaign *domain.Campaign, task *domain.Task, at time.Time) {
	e.open(ctx, campaign, task, domain.BillingLegOutbound, campaign.Billing.OutboundRate, at)
}

// OpenInbound starts the agent leg. Only dual-billed campaigns carry one.
func (e *Emitter) OpenInbound(ctx context.Context, campaign *domain.Campaign, task *domain.Task, at time.Time) {
	if !campaign.Billing.DualBilling {
		return
	}
	e.open(ctx, campaign, task, domain.BillingLegInbound, campaign.Billing.AgentRate, at)
}

func (e *Emitter) open(ctx context.Context, campaign *domain.Campaign, task *domain.Task, leg domain.BillingLeg, rate int64, at time.Time) {
	currency := campaign.Billing.Currency
	if currency == "" {
		currency = e.opts.DefaultCurrency
	}
	rec := &domain.BillingLegRecord{
		ID:            uuid.New(),
		TaskID:        task.ID,
		CampaignID:    campaign.ID,
		Leg:           leg,
		RatePerMinute: rate,
		Currency:      currency,
		StartedAt:     at,
	}
	created, err := e.repo.Open(ctx, rec)
	if err != nil {
		e.log.Error("open billing leg failed",
			zap.String("task_id", task.ID.String()),
			zap.String("leg", string(leg)),
			zap.Error(err),
		)
		return
	}
	if !created {
		e.log.Debug("billing leg already open", zap.String("task_id", task.ID.String()), zap.String("leg", string(leg)))
	}
}

// CloseLeg finalizes every open leg of the given kind for a task. Legs that were
// already finalized are left untouched.
func (e *Emitter) CloseLeg(ctx context.Context, taskID uuid.UUID, leg domain.BillingLeg, endedAt time.Time) {
	open, err := e.repo.OpenLegs(ctx, taskID, leg)
	if err != nil {
		e.log.Error("list open billing legs failed", zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}

	for _, rec := range open {
		seconds := int(endedAt.Sub(rec.StartedAt).Round(time.Second) / time.Second)
		if seconds < 0 {
			seconds = 0
		}
		cost := Cost(rec.RatePerMinute, seconds, e.opts.IncrementSeconds, e.opts.MinimumSeconds)
		ok, err := e.repo.Finalize(ctx, rec.ID, endedAt, seconds, cost)
		if err != nil {
			e.log.Error("finalize billing leg failed", zap.String("leg_id", rec.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			e.log.Info("billing leg finalized",
				zap.String("task_id", taskID.String()),
				zap.String("leg", string(leg)),
				zap.Int("duration_seconds", seconds),
				zap.Int64("cost_minor", cost),
			)
		}
	}
}

// Cost prices a leg in minor units: the duration is raised to the minimum, rounded up
// to the billing increment, then charged per minute and rounded up.
func Cost(ratePerMinute int64, seconds, increment, minimum int) int64 {
	billable := BillableSeconds(seconds, minimum, increment)
	if billable == 0 || ratePerMinute <= 0 {
		return 0
	}
	total := ratePerMinute * int64(billable)
	cost := total / 60
	if total%60 != 0 {
		cost++
	}
	return cost
}

// BillableSeconds applies the minimum and rounds up to the increment.
func BillableSeconds(actual, minimum, increment int) int {
	if actual <= 0 {
		return 0
	}
	if increment <= 0 {
		increment = 60
	}
	sec := actual
	if sec < minimum {
		sec = minimum
	}
	q := sec / increment
	if sec%increment != 0 {
		q++
	}
	return q * increment
}

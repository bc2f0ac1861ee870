package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/notify"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Options tunes the tick loop.
type Options struct {
	TickInterval time.Duration
	MaxBatchSize int
}

// Scheduler periodically activates scheduled campaigns and re-triggers active ones,
// respecting business hours.
type Scheduler struct {
	campaigns repository.CampaignRepository
	tasks     repository.TaskStore
	trigger   Trigger
	notifier  notify.Notifier
	opts      Options
	log       *logger.Logger
	now       func() time.Time
}

// New constructs a scheduler.
func New(campaigns repository.CampaignRepository, tasks repository.TaskStore, trigger Trigger, notifier notify.Notifier, opts Options, log *logger.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 200
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Scheduler{
		campaigns: campaigns,
		tasks:     tasks,
		trigger:   trigger,
		notifier:  notifier,
		opts:      opts,
		log:       log.Named("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	tracer := otel.Tracer("dialer.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	now := s.now()

	scheduled, err := s.campaigns.ListByStatus(ctx, domain.CampaignStatusScheduled, s.opts.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, campaign := range scheduled {
		if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(now) {
			continue
		}
		if !campaign.InBusinessHours(now) {
			s.log.Debug("scheduled campaign outside business hours", zap.String("campaign_id", campaign.ID.String()))
			continue
		}
		s.activate(ctx, campaign, now)
	}

	active, err := s.campaigns.ListByStatus(ctx, domain.CampaignStatusActive, s.opts.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(
		attribute.Int("campaigns.scheduled", len(scheduled)),
		attribute.Int("campaigns.active", len(active)),
	)

	for _, campaign := range active {
		cctx, cspan := tracer.Start(ctx, "scheduler.campaign", trace.WithAttributes(
			attribute.String("campaign.id", campaign.ID.String()),
			attribute.Int("max_concurrency", campaign.MaxConcurrentCalls),
		))
		if !campaign.InBusinessHours(now) {
			s.log.Debug("campaign outside business hours", zap.String("campaign_id", campaign.ID.String()))
			cspan.End()
			continue
		}

		counts, err := s.tasks.CountByStatus(cctx, campaign.ID)
		if err != nil {
			cspan.RecordError(err)
			s.log.Error("count tasks failed", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
			cspan.End()
			continue
		}
		if !needsWave(counts) {
			cspan.End()
			continue
		}

		if err := s.trigger.TriggerWave(cctx, campaign.ID); err != nil {
			cspan.RecordError(err)
			s.log.Error("trigger wave failed", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
		cspan.End()
	}
	return nil
}

func (s *Scheduler) activate(ctx context.Context, campaign *domain.Campaign, now time.Time) {
	campaign.Status = domain.CampaignStatusActive
	if campaign.StartedAt == nil {
		campaign.StartedAt = &now
	}
	campaign.UpdatedAt = now
	if err := s.campaigns.Update(ctx, campaign); err != nil {
		s.log.Error("activate campaign failed", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		return
	}
	s.log.Info("scheduled campaign activated", zap.String("campaign_id", campaign.ID.String()))
	s.notifier.Publish(notify.Event{
		Kind:       notify.KindStatusChanged,
		CampaignID: campaign.ID,
		Status:     string(domain.CampaignStatusActive),
		At:         now,
	})
}

// needsWave reports whether a wave could make progress: there is dialable or retryable
// work, or nothing is outstanding and the campaign can be completed.
func needsWave(counts map[domain.TaskStatus]int64) bool {
	stats := domain.CampaignStats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	if stats.Count(domain.TaskStatusPending)+stats.Count(domain.TaskStatusRetryPending) > 0 {
		return true
	}
	return stats.Total > 0 && stats.Outstanding() == 0
}

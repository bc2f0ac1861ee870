package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/notify"
	"github.com/acme/campaign-dialer/internal/repository"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Engine is the dialing engine as seen by operator operations.
type Engine interface {
	TriggerWave(ctx context.Context, campaignID uuid.UUID) error
	Resolve(ctx context.Context, taskID uuid.UUID, handling domain.Handling, target string) error
	Hangup(ctx context.Context, taskID uuid.UUID) error
}

// Deps groups the service's collaborators.
type Deps struct {
	Campaigns repository.CampaignRepository
	Hours     repository.BusinessHourRepository
	Tasks     repository.TaskStore
	Billing   repository.BillingRepository
	Attempts  repository.AttemptLog
	Engine    Engine
	Notifier  notify.Notifier
}

// Options carries campaign defaults.
type Options struct {
	DefaultConcurrency   int
	DefaultMaxAttempts   int
	DefaultRetryInterval time.Duration
	DefaultMaxWait       time.Duration
	DefaultCurrency      string
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo     repository.CampaignRepository
	hours    repository.BusinessHourRepository
	tasks    repository.TaskStore
	billing  repository.BillingRepository
	attempts repository.AttemptLog
	engine   Engine
	notifier notify.Notifier
	opts     Options
	log      *logger.Logger
	now      func() time.Time
}

// NewService constructs a campaign service.
func NewService(deps Deps, opts Options, log *logger.Logger) *Service {
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = 1
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.DefaultRetryInterval <= 0 {
		opts.DefaultRetryInterval = 5 * time.Minute
	}
	if opts.DefaultMaxWait <= 0 {
		opts.DefaultMaxWait = 30 * time.Second
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{
		repo:     deps.Campaigns,
		hours:    deps.Hours,
		tasks:    deps.Tasks,
		billing:  deps.Billing,
		attempts: deps.Attempts,
		engine:   deps.Engine,
		notifier: notifier,
		opts:     opts,
		log:      log.Named("campaign_service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name               string
	Description        string
	TimeZone           string
	MaxConcurrentCalls int
	RetryPolicy        domain.RetryPolicy
	MaxWaitTime        time.Duration
	WrapUpDelay        time.Duration
	CallerID           string
	OperatorExtension  string
	Trunk              string
	Billing            domain.BillingPlan
	DefaultHandling    domain.DefaultHandling
	AIFlow             string
	QueueName          string
	DTMF               *domain.DTMFConfig
	ScheduledAt        *time.Time
	BusinessHours      []BusinessHourInput
	Contacts           []ContactInput
}

// BusinessHourInput expresses a business hour window.
type BusinessHourInput struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// ContactInput is one contact to import.
type ContactInput struct {
	PhoneNumber string
	DisplayName string
}

// UpdateCampaignInput captures updatable properties.
type UpdateCampaignInput struct {
	ID                 uuid.UUID
	Name               *string
	Description        *string
	TimeZone           *string
	MaxConcurrentCalls *int
	RetryPolicy        *domain.RetryPolicy
	MaxWaitTime        *time.Duration
	WrapUpDelay        *time.Duration
	CallerID           *string
	OperatorExtension  *string
	Trunk              *string
	Billing            *domain.BillingPlan
	DefaultHandling    *domain.DefaultHandling
	AIFlow             *string
	QueueName          *string
	DTMF               **domain.DTMFConfig
	ScheduledAt        **time.Time
	BusinessHours      *[]BusinessHourInput
}

// Create provisions a new campaign and imports its initial contacts.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               input.Name,
		Description:        input.Description,
		TimeZone:           input.TimeZone,
		BusinessHours:      toDomainBusinessHours(input.BusinessHours),
		MaxConcurrentCalls: s.resolveConcurrency(input.MaxConcurrentCalls),
		RetryPolicy:        s.normalizeRetry(input.RetryPolicy),
		MaxWaitTime:        s.resolveMaxWait(input.MaxWaitTime),
		WrapUpDelay:        input.WrapUpDelay,
		CallerID:           input.CallerID,
		OperatorExtension:  input.OperatorExtension,
		Trunk:              input.Trunk,
		Billing:            s.normalizeBilling(input.Billing),
		DefaultHandling:    normalizeHandling(input.DefaultHandling),
		AIFlow:             input.AIFlow,
		QueueName:          input.QueueName,
		DTMF:               input.DTMF,
		Status:             domain.CampaignStatusInactive,
		ScheduledAt:        input.ScheduledAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	if len(input.Contacts) > 0 {
		if err := s.tasks.CreateMany(ctx, s.newTasks(campaign, input.Contacts, now)); err != nil {
			return nil, fmt.Errorf("campaign service: store contacts: %w", err)
		}
	}

	s.log.Info("campaign created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("contacts", len(input.Contacts)),
	)
	return campaign, nil
}

// Get retrieves a campaign by id including business hours.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return campaign, nil
}

// List returns campaigns.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	campaigns, err := s.repo.List(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

// ListByStatus returns campaigns filtered by status.
func (s *Service) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if !status.Valid() {
		return nil, apperrors.Validation("unknown campaign status %q", status)
	}
	return s.repo.ListByStatus(ctx, status, limit)
}

// Update modifies campaign configuration.
func (s *Service) Update(ctx context.Context, input UpdateCampaignInput) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, apperrors.Validation("campaign name is required")
		}
		campaign.Name = *input.Name
	}
	if input.Description != nil {
		campaign.Description = *input.Description
	}
	if input.TimeZone != nil {
		if _, err := time.LoadLocation(*input.TimeZone); err != nil || *input.TimeZone == "" {
			return nil, apperrors.Validation("invalid time zone %s", *input.TimeZone)
		}
		campaign.TimeZone = *input.TimeZone
	}
	if input.MaxConcurrentCalls != nil {
		if *input.MaxConcurrentCalls < 0 {
			return nil, apperrors.Validation("max concurrent calls must not be negative")
		}
		campaign.MaxConcurrentCalls = s.resolveConcurrency(*input.MaxConcurrentCalls)
	}
	if input.RetryPolicy != nil {
		campaign.RetryPolicy = s.normalizeRetry(*input.RetryPolicy)
	}
	if input.MaxWaitTime != nil {
		campaign.MaxWaitTime = s.resolveMaxWait(*input.MaxWaitTime)
	}
	if input.WrapUpDelay != nil {
		if *input.WrapUpDelay < 0 {
			return nil, apperrors.Validation("wrap-up delay must not be negative")
		}
		campaign.WrapUpDelay = *input.WrapUpDelay
	}
	if input.CallerID != nil {
		campaign.CallerID = *input.CallerID
	}
	if input.OperatorExtension != nil {
		campaign.OperatorExtension = *input.OperatorExtension
	}
	if input.Trunk != nil {
		campaign.Trunk = *input.Trunk
	}
	if input.Billing != nil {
		if err := validateBilling(*input.Billing); err != nil {
			return nil, err
		}
		campaign.Billing = s.normalizeBilling(*input.Billing)
	}
	if input.DefaultHandling != nil {
		if !input.DefaultHandling.Valid() {
			return nil, apperrors.Validation("unknown default handling %q", *input.DefaultHandling)
		}
		campaign.DefaultHandling = normalizeHandling(*input.DefaultHandling)
	}
	if input.AIFlow != nil {
		campaign.AIFlow = *input.AIFlow
	}
	if input.QueueName != nil {
		campaign.QueueName = *input.QueueName
	}
	if input.DTMF != nil {
		if err := validateDTMF(*input.DTMF); err != nil {
			return nil, err
		}
		campaign.DTMF = *input.DTMF
	}
	if input.ScheduledAt != nil {
		campaign.ScheduledAt = *input.ScheduledAt
	}
	if input.BusinessHours != nil {
		if err := validateWindows(*input.BusinessHours); err != nil {
			return nil, err
		}
		campaign.BusinessHours = toDomainBusinessHours(*input.BusinessHours)
	}

	campaign.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: update campaign: %w", err)
	}
	return campaign, nil
}

// BusinessHours returns the calling windows of a campaign.
func (s *Service) BusinessHours(ctx context.Context, id uuid.UUID) ([]domain.BusinessHourWindow, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	windows, err := s.hours.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list business hours: %w", err)
	}
	return windows, nil
}

// SetBusinessHours replaces the calling windows of a campaign.
func (s *Service) SetBusinessHours(ctx context.Context, id uuid.UUID, windows []BusinessHourInput) error {
	if err := validateWindows(windows); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.hours.Replace(ctx, id, toDomainBusinessHours(windows)); err != nil {
		return fmt.Errorf("campaign service: update business hours: %w", err)
	}
	return nil
}

// Start activates a campaign, or schedules it when its start time is still ahead,
// and kicks off a wave.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status == domain.CampaignStatusActive {
		return campaign, nil
	}

	now := s.now()
	next := domain.CampaignStatusActive
	if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(now) {
		next = domain.CampaignStatusScheduled
	}
	campaign.Status = next
	campaign.CompletedAt = nil
	if next == domain.CampaignStatusActive && campaign.StartedAt == nil {
		campaign.StartedAt = &now
	}
	campaign.UpdatedAt = now
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: start campaign: %w", err)
	}
	s.statusChanged(campaign, now)

	if next == domain.CampaignStatusActive {
		if err := s.engine.TriggerWave(ctx, campaign.ID); err != nil {
			return nil, fmt.Errorf("campaign service: trigger wave: %w", err)
		}
	}
	return campaign, nil
}

// Pause stops further claims. Calls in flight finish and pending contacts stay pending.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignStatusActive && campaign.Status != domain.CampaignStatusScheduled {
		return nil, fmt.Errorf("campaign service: pause %s campaign: %w", campaign.Status, apperrors.ErrInvalidState)
	}

	now := s.now()
	campaign.Status = domain.CampaignStatusPaused
	campaign.UpdatedAt = now
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: pause campaign: %w", err)
	}
	s.statusChanged(campaign, now)
	return campaign, nil
}

// Stop deactivates a campaign and cancels every pending contact. Calls already in
// flight are left to finish.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) (int64, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	now := s.now()
	if campaign.Status != domain.CampaignStatusInactive {
		campaign.Status = domain.CampaignStatusInactive
		campaign.UpdatedAt = now
		if err := s.repo.Update(ctx, campaign); err != nil {
			return 0, fmt.Errorf("campaign service: stop campaign: %w", err)
		}
		s.statusChanged(campaign, now)
	}

	cancelled, err := s.tasks.CancelPending(ctx, id, now)
	if err != nil {
		return 0, fmt.Errorf("campaign service: cancel pending: %w", err)
	}
	s.log.Info("campaign stopped", zap.String("campaign_id", id.String()), zap.Int64("cancelled", cancelled))
	return cancelled, nil
}

// AddContacts imports contacts into a campaign and triggers a wave when it is active.
func (s *Service) AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []ContactInput) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	if err := validateContacts(contacts); err != nil {
		return 0, err
	}
	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	if err := s.tasks.CreateMany(ctx, s.newTasks(campaign, contacts, s.now())); err != nil {
		return 0, fmt.Errorf("campaign service: add contacts: %w", err)
	}
	s.kick(ctx, campaign)
	return len(contacts), nil
}

// ClearPending removes contacts that have not been dialed yet.
func (s *Service) ClearPending(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return 0, err
	}
	n, err := s.tasks.DeletePending(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("campaign service: clear pending: %w", err)
	}
	return n, nil
}

// RetryFailed puts every failed contact back to pending with a fresh attempt budget.
func (s *Service) RetryFailed(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := s.tasks.ResetFailed(ctx, campaignID, s.now())
	if err != nil {
		return 0, fmt.Errorf("campaign service: retry failed: %w", err)
	}
	if n > 0 {
		s.kick(ctx, campaign)
	}
	return n, nil
}

// Stats returns live per-status task counts.
func (s *Service) Stats(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	counts, err := s.tasks.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign service: stats: %w", err)
	}
	stats := &domain.CampaignStats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// ListTasks returns the tasks of a campaign, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, campaignID uuid.UUID, statuses []domain.TaskStatus, limit int) ([]*domain.Task, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, apperrors.Validation("unknown task status %q", st)
		}
	}
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.tasks.ListByStatus(ctx, campaignID, statuses, limit)
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

// Attempts pages through a task's dial history.
func (s *Service) Attempts(ctx context.Context, taskID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, nil, err
	}
	return s.attempts.List(ctx, taskID, limit, pagingState)
}

// BillingLegs returns the ledger entries of a task.
func (s *Service) BillingLegs(ctx context.Context, taskID uuid.UUID) ([]domain.BillingLegRecord, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.billing.ListByTask(ctx, taskID)
}

// Resolve routes an answered call to a human, the voice flow or the agent queue.
func (s *Service) Resolve(ctx context.Context, taskID uuid.UUID, handling domain.Handling, target string) error {
	if !handling.Valid() {
		return apperrors.Validation("handling must be human, ai or queue")
	}
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusAnswered {
		return fmt.Errorf("campaign service: resolve %s task: %w", task.Status, apperrors.ErrInvalidState)
	}
	return s.engine.Resolve(ctx, taskID, handling, target)
}

// Hangup forces a task's connection down.
func (s *Service) Hangup(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ConnectionID == "" {
		return fmt.Errorf("campaign service: hangup task without connection: %w", apperrors.ErrInvalidState)
	}
	return s.engine.Hangup(ctx, taskID)
}

func (s *Service) kick(ctx context.Context, campaign *domain.Campaign) {
	if campaign.Status != domain.CampaignStatusActive {
		return
	}
	if err := s.engine.TriggerWave(ctx, campaign.ID); err != nil {
		s.log.Warn("trigger wave failed", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
	}
}

func (s *Service) statusChanged(campaign *domain.Campaign, at time.Time) {
	s.notifier.Publish(notify.Event{
		Kind:       notify.KindStatusChanged,
		CampaignID: campaign.ID,
		Status:     string(campaign.Status),
		At:         at,
	})
}

func (s *Service) newTasks(campaign *domain.Campaign, contacts []ContactInput, now time.Time) []*domain.Task {
	tasks := make([]*domain.Task, 0, len(contacts))
	for i, c := range contacts {
		tasks = append(tasks, &domain.Task{
			ID:          uuid.New(),
			CampaignID:  campaign.ID,
			PhoneNumber: strings.TrimSpace(c.PhoneNumber),
			DisplayName: c.DisplayName,
			Status:      domain.TaskStatusPending,
			MaxAttempts: campaign.RetryPolicy.MaxAttempts,
			// creation order is dialing order
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			UpdatedAt: now,
		})
	}
	return tasks
}

func (s *Service) resolveConcurrency(value int) int {
	if value <= 0 {
		return s.opts.DefaultConcurrency
	}
	return value
}

func (s *Service) resolveMaxWait(value time.Duration) time.Duration {
	if value <= 0 {
		return s.opts.DefaultMaxWait
	}
	return value
}

func (s *Service) normalizeRetry(policy domain.RetryPolicy) domain.RetryPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = s.opts.DefaultMaxAttempts
	}
	if policy.Interval <= 0 {
		policy.Interval = s.opts.DefaultRetryInterval
	}
	return policy
}

func (s *Service) normalizeBilling(plan domain.BillingPlan) domain.BillingPlan {
	if plan.Currency == "" {
		plan.Currency = s.opts.DefaultCurrency
	}
	plan.Currency = strings.ToUpper(plan.Currency)
	return plan
}

func normalizeHandling(h domain.DefaultHandling) domain.DefaultHandling {
	if h == "" {
		return domain.DefaultHandlingAsk
	}
	return h
}

func toDomainBusinessHours(inputs []BusinessHourInput) []domain.BusinessHourWindow {
	windows := make([]domain.BusinessHourWindow, 0, len(inputs))
	for _, in := range inputs {
		windows = append(windows, domain.BusinessHourWindow{
			DayOfWeek: in.DayOfWeek,
			Start:     in.Start,
			End:       in.End,
		})
	}
	return windows
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.TimeZone == "" {
		return fmt.Errorf("%w: time zone is required", apperrors.ErrValidation)
	}
	if _, err := time.LoadLocation(input.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, input.TimeZone, err)
	}
	if input.MaxConcurrentCalls < 0 {
		return fmt.Errorf("%w: max concurrent calls must not be negative", apperrors.ErrValidation)
	}
	if input.WrapUpDelay < 0 {
		return fmt.Errorf("%w: wrap-up delay must not be negative", apperrors.ErrValidation)
	}
	if !input.DefaultHandling.Valid() {
		return fmt.Errorf("%w: unknown default handling %q", apperrors.ErrValidation, input.DefaultHandling)
	}
	if err := validateBilling(input.Billing); err != nil {
		return err
	}
	if err := validateDTMF(input.DTMF); err != nil {
		return err
	}
	if err := validateWindows(input.BusinessHours); err != nil {
		return err
	}
	return validateContacts(input.Contacts)
}

func validateWindows(windows []BusinessHourInput) error {
	for _, bh := range windows {
		if bh.DayOfWeek < time.Sunday || bh.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: invalid day of week %d", apperrors.ErrValidation, bh.DayOfWeek)
		}
		// end before start is a window spanning midnight
		if bh.Start.Hour() == bh.End.Hour() && bh.Start.Minute() == bh.End.Minute() {
			return fmt.Errorf("%w: business hour window must have positive duration", apperrors.ErrValidation)
		}
	}
	return nil
}

func validateBilling(plan domain.BillingPlan) error {
	if plan.OutboundRate < 0 || plan.AgentRate < 0 {
		return fmt.Errorf("%w: billing rates must not be negative", apperrors.ErrValidation)
	}
	return nil
}

func validateDTMF(cfg *domain.DTMFConfig) error {
	if cfg == nil {
		return nil
	}
	if len(cfg.Key) != 1 || !strings.Contains("0123456789*#", cfg.Key) {
		return fmt.Errorf("%w: dtmf key must be one of 0-9, * or #", apperrors.ErrValidation)
	}
	if cfg.Timeout < 0 || cfg.MaxReplays < 0 {
		return fmt.Errorf("%w: dtmf timeout and replays must not be negative", apperrors.ErrValidation)
	}
	return nil
}

func validateContacts(contacts []ContactInput) error {
	for i, c := range contacts {
		if strings.TrimSpace(c.PhoneNumber) == "" {
			return fmt.Errorf("%w: contact %d has no phone number", apperrors.ErrValidation, i)
		}
	}
	return nil
}

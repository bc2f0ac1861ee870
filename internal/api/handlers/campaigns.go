package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	campaignsvc "github.com/acme/campaign-dialer/internal/service/campaign"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

type createCampaignRequest struct {
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	TimeZone           string                `json:"time_zone"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	RetryPolicy        *retryPolicyRequest   `json:"retry_policy"`
	MaxWaitTime        string                `json:"max_wait_time"`
	WrapUpDelay        string                `json:"wrap_up_delay"`
	CallerID           string                `json:"caller_id"`
	OperatorExtension  string                `json:"operator_extension"`
	Trunk              string                `json:"trunk"`
	Billing            *billingRequest       `json:"billing"`
	DefaultHandling    string                `json:"default_handling"`
	AIFlow             string                `json:"ai_flow"`
	QueueName          string                `json:"queue_name"`
	DTMF               *dtmfRequest          `json:"dtmf"`
	ScheduledAt        *time.Time            `json:"scheduled_at"`
	BusinessHours      []businessHourRequest `json:"business_hours"`
	Contacts           []contactRequest      `json:"contacts"`
}

type retryPolicyRequest struct {
	MaxAttempts int    `json:"max_attempts"`
	Interval    string `json:"interval"`
}

type billingRequest struct {
	OutboundRate int64  `json:"outbound_rate"`
	AgentRate    int64  `json:"agent_rate"`
	Currency     string `json:"currency"`
	DualBilling  bool   `json:"dual_billing"`
}

type dtmfRequest struct {
	Key            string `json:"key"`
	Prompt         string `json:"prompt"`
	Timeout        string `json:"timeout"`
	MaxReplays     int    `json:"max_replays"`
	TransferTarget string `json:"transfer_target"`
}

type businessHourRequest struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type contactRequest struct {
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
}

type updateCampaignRequest struct {
	Name               *string                `json:"name"`
	Description        *string                `json:"description"`
	TimeZone           *string                `json:"time_zone"`
	MaxConcurrentCalls *int                   `json:"max_concurrent_calls"`
	RetryPolicy        *retryPolicyRequest    `json:"retry_policy"`
	MaxWaitTime        *string                `json:"max_wait_time"`
	WrapUpDelay        *string                `json:"wrap_up_delay"`
	CallerID           *string                `json:"caller_id"`
	OperatorExtension  *string                `json:"operator_extension"`
	Trunk              *string                `json:"trunk"`
	Billing            *billingRequest        `json:"billing"`
	DefaultHandling    *string                `json:"default_handling"`
	AIFlow             *string                `json:"ai_flow"`
	QueueName          *string                `json:"queue_name"`
	DTMF               *dtmfRequest           `json:"dtmf"`
	ClearDTMF          bool                   `json:"clear_dtmf"`
	ScheduledAt        *time.Time             `json:"scheduled_at"`
	ClearSchedule      bool                   `json:"clear_schedule"`
	BusinessHours      *[]businessHourRequest `json:"business_hours"`
}

type campaignResponse struct {
	ID                 uuid.UUID              `json:"id"`
	Name               string                 `json:"name"`
	Description        string                 `json:"description"`
	TimeZone           string                 `json:"time_zone"`
	Status             domain.CampaignStatus  `json:"status"`
	MaxConcurrentCalls int                    `json:"max_concurrent_calls"`
	RetryPolicy        retryPolicyResponse    `json:"retry_policy"`
	MaxWaitTime        string                 `json:"max_wait_time"`
	WrapUpDelay        string                 `json:"wrap_up_delay"`
	CallerID           string                 `json:"caller_id,omitempty"`
	OperatorExtension  string                 `json:"operator_extension,omitempty"`
	Trunk              string                 `json:"trunk,omitempty"`
	Billing            billingResponse        `json:"billing"`
	DefaultHandling    domain.DefaultHandling `json:"default_handling"`
	AIFlow             string                 `json:"ai_flow,omitempty"`
	QueueName          string                 `json:"queue_name,omitempty"`
	DTMF               *dtmfResponse          `json:"dtmf,omitempty"`
	BusinessHours      []businessHourResponse `json:"business_hours"`
	ScheduledAt        *time.Time             `json:"scheduled_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

type retryPolicyResponse struct {
	MaxAttempts int    `json:"max_attempts"`
	Interval    string `json:"interval"`
}

type billingResponse struct {
	OutboundRate int64  `json:"outbound_rate"`
	AgentRate    int64  `json:"agent_rate"`
	Currency     string `json:"currency"`
	DualBilling  bool   `json:"dual_billing"`
}

type dtmfResponse struct {
	Key            string `json:"key"`
	Prompt         string `json:"prompt,omitempty"`
	Timeout        string `json:"timeout"`
	MaxReplays     int    `json:"max_replays"`
	TransferTarget string `json:"transfer_target,omitempty"`
}

type businessHourResponse struct {
	DayOfWeek int    `json:"day_of_week"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type campaignStatsResponse struct {
	Total       int64            `json:"total"`
	Outstanding int64            `json:"outstanding"`
	ByStatus    map[string]int64 `json:"by_status"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	var (
		campaigns []*domain.Campaign
		err       error
	)
	if status := ctx.Query("status"); status != "" {
		campaigns, err = h.campaigns.ListByStatus(ctx.UserContext(), domain.CampaignStatus(status), limit)
	} else {
		var afterID *uuid.UUID
		if afterStr := ctx.Query("after_id"); afterStr != "" {
			id, perr := uuid.Parse(afterStr)
			if perr != nil {
				return fiber.NewError(http.StatusBadRequest, "invalid after_id")
			}
			afterID = &id
		}
		campaigns, err = h.campaigns.List(ctx.UserContext(), afterID, limit)
	}
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) updateCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req updateCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toUpdateCampaignInput(id, req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Update(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	campaign, err := h.campaigns.Start(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	campaign, err := h.campaigns.Pause(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) stopCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	cancelled, err := h.campaigns.Stop(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"cancelled": cancelled})
}

func (h *HandlerSet) getBusinessHours(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	windows, err := h.campaigns.BusinessHours(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"business_hours": toBusinessHourResponses(windows)})
}

func (h *HandlerSet) setBusinessHours(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	var req struct {
		BusinessHours []businessHourRequest `json:"business_hours"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	windows, err := parseBusinessHours(req.BusinessHours)
	if err != nil {
		return translateError(err)
	}
	if err := h.campaigns.SetBusinessHours(ctx.UserContext(), id, windows); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	added, err := h.campaigns.AddContacts(ctx.UserContext(), id, toContactInputs(req.Contacts))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"added": added})
}

func (h *HandlerSet) clearPending(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	removed, err := h.campaigns.ClearPending(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"removed": removed})
}

func (h *HandlerSet) retryFailed(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	reset, err := h.campaigns.RetryFailed(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"reset": reset})
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := campaignStatsResponse{
		Total:       stats.Total,
		Outstanding: stats.Outstanding(),
		ByStatus:    make(map[string]int64, len(stats.ByStatus)),
	}
	for status, n := range stats.ByStatus {
		resp.ByStatus[string(status)] = n
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:                 campaign.ID,
		Name:               campaign.Name,
		Description:        campaign.Description,
		TimeZone:           campaign.TimeZone,
		Status:             campaign.Status,
		MaxConcurrentCalls: campaign.MaxConcurrentCalls,
		RetryPolicy: retryPolicyResponse{
			MaxAttempts: campaign.RetryPolicy.MaxAttempts,
			Interval:    campaign.RetryPolicy.Interval.String(),
		},
		MaxWaitTime:       campaign.MaxWaitTime.String(),
		WrapUpDelay:       campaign.WrapUpDelay.String(),
		CallerID:          campaign.CallerID,
		OperatorExtension: campaign.OperatorExtension,
		Trunk:             campaign.Trunk,
		Billing: billingResponse{
			OutboundRate: campaign.Billing.OutboundRate,
			AgentRate:    campaign.Billing.AgentRate,
			Currency:     campaign.Billing.Currency,
			DualBilling:  campaign.Billing.DualBilling,
		},
		DefaultHandling: campaign.DefaultHandling,
		AIFlow:          campaign.AIFlow,
		QueueName:       campaign.QueueName,
		BusinessHours:   toBusinessHourResponses(campaign.BusinessHours),
		ScheduledAt:     campaign.ScheduledAt,
		CreatedAt:       campaign.CreatedAt,
		UpdatedAt:       campaign.UpdatedAt,
		StartedAt:       campaign.StartedAt,
		CompletedAt:     campaign.CompletedAt,
	}
	if d := campaign.DTMF; d != nil {
		resp.DTMF = &dtmfResponse{
			Key:            d.Key,
			Prompt:         d.Prompt,
			Timeout:        d.Timeout.String(),
			MaxReplays:     d.MaxReplays,
			TransferTarget: d.TransferTarget,
		}
	}
	return resp
}

func toBusinessHourResponses(windows []domain.BusinessHourWindow) []businessHourResponse {
	out := make([]businessHourResponse, 0, len(windows))
	for _, window := range windows {
		out = append(out, businessHourResponse{
			DayOfWeek: int(window.DayOfWeek),
			Start:     window.Start.Format("15:04"),
			End:       window.End.Format("15:04"),
		})
	}
	return out
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	input := campaignsvc.CreateCampaignInput{
		Name:               req.Name,
		Description:        req.Description,
		TimeZone:           req.TimeZone,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		CallerID:           req.CallerID,
		OperatorExtension:  req.OperatorExtension,
		Trunk:              req.Trunk,
		DefaultHandling:    domain.DefaultHandling(req.DefaultHandling),
		AIFlow:             req.AIFlow,
		QueueName:          req.QueueName,
		ScheduledAt:        req.ScheduledAt,
		Contacts:           toContactInputs(req.Contacts),
	}

	var err error
	if req.RetryPolicy != nil {
		if input.RetryPolicy, err = parseRetryPolicy(*req.RetryPolicy); err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
	}
	if input.MaxWaitTime, err = parseDuration("max_wait_time", req.MaxWaitTime); err != nil {
		return campaignsvc.CreateCampaignInput{}, err
	}
	if input.WrapUpDelay, err = parseDuration("wrap_up_delay", req.WrapUpDelay); err != nil {
		return campaignsvc.CreateCampaignInput{}, err
	}
	if req.Billing != nil {
		input.Billing = toBillingPlan(*req.Billing)
	}
	if req.DTMF != nil {
		if input.DTMF, err = parseDTMF(*req.DTMF); err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
	}
	if len(req.BusinessHours) > 0 {
		if input.BusinessHours, err = parseBusinessHours(req.BusinessHours); err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
	}
	return input, nil
}

func toUpdateCampaignInput(id uuid.UUID, req updateCampaignRequest) (campaignsvc.UpdateCampaignInput, error) {
	input := campaignsvc.UpdateCampaignInput{
		ID:                 id,
		Name:               req.Name,
		Description:        req.Description,
		TimeZone:           req.TimeZone,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		CallerID:           req.CallerID,
		OperatorExtension:  req.OperatorExtension,
		Trunk:              req.Trunk,
		AIFlow:             req.AIFlow,
		QueueName:          req.QueueName,
	}

	if req.RetryPolicy != nil {
		rp, err := parseRetryPolicy(*req.RetryPolicy)
		if err != nil {
			return input, err
		}
		input.RetryPolicy = &rp
	}
	if req.MaxWaitTime != nil {
		d, err := parseDuration("max_wait_time", *req.MaxWaitTime)
		if err != nil {
			return input, err
		}
		input.MaxWaitTime = &d
	}
	if req.WrapUpDelay != nil {
		d, err := parseDuration("wrap_up_delay", *req.WrapUpDelay)
		if err != nil {
			return input, err
		}
		input.WrapUpDelay = &d
	}
	if req.Billing != nil {
		plan := toBillingPlan(*req.Billing)
		input.Billing = &plan
	}
	if req.DefaultHandling != nil {
		handling := domain.DefaultHandling(*req.DefaultHandling)
		input.DefaultHandling = &handling
	}
	switch {
	case req.ClearDTMF:
		var none *domain.DTMFConfig
		input.DTMF = &none
	case req.DTMF != nil:
		cfg, err := parseDTMF(*req.DTMF)
		if err != nil {
			return input, err
		}
		input.DTMF = &cfg
	}
	switch {
	case req.ClearSchedule:
		var none *time.Time
		input.ScheduledAt = &none
	case req.ScheduledAt != nil:
		at := req.ScheduledAt
		input.ScheduledAt = &at
	}
	if req.BusinessHours != nil {
		bh, err := parseBusinessHours(*req.BusinessHours)
		if err != nil {
			return input, err
		}
		input.BusinessHours = &bh
	}
	return input, nil
}

func toContactInputs(req []contactRequest) []campaignsvc.ContactInput {
	contacts := make([]campaignsvc.ContactInput, 0, len(req))
	for _, c := range req {
		contacts = append(contacts, campaignsvc.ContactInput{PhoneNumber: c.PhoneNumber, DisplayName: c.DisplayName})
	}
	return contacts
}

func toBillingPlan(req billingRequest) domain.BillingPlan {
	return domain.BillingPlan{
		OutboundRate: req.OutboundRate,
		AgentRate:    req.AgentRate,
		Currency:     req.Currency,
		DualBilling:  req.DualBilling,
	}
}

func parseRetryPolicy(req retryPolicyRequest) (domain.RetryPolicy, error) {
	interval, err := parseDuration("interval", req.Interval)
	if err != nil {
		return domain.RetryPolicy{}, err
	}
	return domain.RetryPolicy{MaxAttempts: req.MaxAttempts, Interval: interval}, nil
}

func parseDTMF(req dtmfRequest) (*domain.DTMFConfig, error) {
	timeout, err := parseDuration("dtmf timeout", req.Timeout)
	if err != nil {
		return nil, err
	}
	return &domain.DTMFConfig{
		Key:            req.Key,
		Prompt:         req.Prompt,
		Timeout:        timeout,
		MaxReplays:     req.MaxReplays,
		TransferTarget: req.TransferTarget,
	}, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", apperrors.ErrValidation, field)
	}
	return d, nil
}

func parseBusinessHours(req []businessHourRequest) ([]campaignsvc.BusinessHourInput, error) {
	windows := make([]campaignsvc.BusinessHourInput, 0, len(req))
	for _, bh := range req {
		start, err := time.Parse("15:04", bh.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid start time", apperrors.ErrValidation)
		}
		end, err := time.Parse("15:04", bh.End)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid end time", apperrors.ErrValidation)
		}
		windows = append(windows, campaignsvc.BusinessHourInput{
			DayOfWeek: time.Weekday(bh.DayOfWeek),
			Start:     start,
			End:       end,
		})
	}
	return windows, nil
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}

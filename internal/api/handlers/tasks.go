package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/service/common"
)

type taskResponse struct {
	ID             uuid.UUID         `json:"id"`
	CampaignID     uuid.UUID         `json:"campaign_id"`
	PhoneNumber    string            `json:"phone_number"`
	DisplayName    string            `json:"display_name,omitempty"`
	Status         domain.TaskStatus `json:"status"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"max_attempts"`
	Outcome        domain.Outcome    `json:"outcome,omitempty"`
	Result         string            `json:"result,omitempty"`
	Handling       domain.Handling   `json:"handling,omitempty"`
	TransferTarget string            `json:"transfer_target,omitempty"`
	ConnectionID   string            `json:"connection_id,omitempty"`
	LastAttemptAt  *time.Time        `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type attemptResponse struct {
	Attempt      int            `json:"attempt"`
	Handle       string         `json:"handle"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Outcome      domain.Outcome `json:"outcome"`
	Cause        string         `json:"cause,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	DurationMs   int64          `json:"duration_ms"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

type billingLegResponse struct {
	ID              uuid.UUID         `json:"id"`
	Leg             domain.BillingLeg `json:"leg"`
	RatePerMinute   int64             `json:"rate_per_minute"`
	Currency        string            `json:"currency"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	CostMinor       int64             `json:"cost_minor"`
	Finalized       bool              `json:"finalized"`
}

type resolveRequest struct {
	Handling string `json:"handling"`
	Target   string `json:"target"`
}

func (h *HandlerSet) listTasks(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	var statuses []domain.TaskStatus
	if raw := ctx.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.TaskStatus(strings.TrimSpace(s)))
		}
	}

	tasks, err := h.campaigns.ListTasks(ctx.UserContext(), id, statuses, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, toTaskResponse(t))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"tasks": resp})
}

func (h *HandlerSet) getTask(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}
	task, err := h.campaigns.GetTask(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toTaskResponse(task))
}

func (h *HandlerSet) taskAttempts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	paging, err := common.DecodePageToken(ctx.Query("page_token"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	attempts, next, err := h.campaigns.Attempts(ctx.UserContext(), id, limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{
		Attempts: make([]attemptResponse, 0, len(attempts)),
		NextPage: common.EncodePageToken(next),
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Attempt:      a.AttemptNum,
			Handle:       a.Handle,
			ConnectionID: a.ConnectionID,
			Outcome:      a.Outcome,
			Cause:        a.Cause,
			StartedAt:    a.StartedAt,
			DurationMs:   a.Duration.Milliseconds(),
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) taskBilling(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}
	legs, err := h.campaigns.BillingLegs(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := make([]billingLegResponse, 0, len(legs))
	for i := range legs {
		leg := legs[i]
		resp = append(resp, billingLegResponse{
			ID:              leg.ID,
			Leg:             leg.Leg,
			RatePerMinute:   leg.RatePerMinute,
			Currency:        leg.Currency,
			StartedAt:       leg.StartedAt,
			EndedAt:         leg.EndedAt,
			DurationSeconds: leg.DurationSeconds,
			CostMinor:       leg.CostMinor,
			Finalized:       leg.Finalized(),
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"legs": resp})
}

func (h *HandlerSet) resolveTask(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}
	var req resolveRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.campaigns.Resolve(ctx.UserContext(), id, domain.Handling(req.Handling), req.Target); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func (h *HandlerSet) hangupTask(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid task id")
	}
	if err := h.campaigns.Hangup(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func toTaskResponse(t *domain.Task) taskResponse {
	return taskResponse{
		ID:             t.ID,
		CampaignID:     t.CampaignID,
		PhoneNumber:    t.PhoneNumber,
		DisplayName:    t.DisplayName,
		Status:         t.Status,
		Attempts:       t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		Outcome:        t.Outcome,
		Result:         t.Result,
		Handling:       t.Handling,
		TransferTarget: t.TransferTarget,
		ConnectionID:   t.ConnectionID,
		LastAttemptAt:  t.LastAttemptAt,
		NextAttemptAt:  t.NextAttemptAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	campaignsvc "github.com/acme/campaign-dialer/internal/service/campaign"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	checks    map[string]HealthCheck
	log       *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(campaigns *campaignsvc.Service, checks map[string]HealthCheck, log *logger.Logger) *HandlerSet {
	return &HandlerSet{
		campaigns: campaigns,
		checks:    checks,
		log:       log.Named("api"),
	}
}

// Register wires all routes onto the fiber app. Routes under /api/v1 pass through guard
// when one is given.
func (h *HandlerSet) Register(app *fiber.App, guard fiber.Handler) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api/v1")
	if guard != nil {
		v1.Use(guard)
	}

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Put("/:id", h.updateCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/stop", h.stopCampaign)
	campaigns.Get("/:id/business-hours", h.getBusinessHours)
	campaigns.Put("/:id/business-hours", h.setBusinessHours)
	campaigns.Post("/:id/contacts", h.addContacts)
	campaigns.Delete("/:id/contacts", h.clearPending)
	campaigns.Post("/:id/retry-failed", h.retryFailed)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/tasks", h.listTasks)

	tasks := v1.Group("/tasks")
	tasks.Get("/:id", h.getTask)
	tasks.Get("/:id/attempts", h.taskAttempts)
	tasks.Get("/:id/billing", h.taskBilling)
	tasks.Post("/:id/resolve", h.resolveTask)
	tasks.Post("/:id/hangup", h.hangupTask)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository/memory"
	campaignsvc "github.com/acme/campaign-dialer/internal/service/campaign"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

type stubEngine struct {
	mu    sync.Mutex
	waves int
}

func (e *stubEngine) TriggerWave(context.Context, uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waves++
	return nil
}

func (e *stubEngine) Resolve(context.Context, uuid.UUID, domain.Handling, string) error { return nil }

func (e *stubEngine) Hangup(context.Context, uuid.UUID) error { return nil }

func newTestApp(t *testing.T, checks map[string]HealthCheck) (*fiber.App, *stubEngine) {
	t.Helper()
	campaigns := memory.NewCampaignRepository()
	engine := &stubEngine{}
	svc := campaignsvc.NewService(campaignsvc.Deps{
		Campaigns: campaigns,
		Hours:     campaigns.BusinessHours(),
		Tasks:     memory.NewTaskStore(),
		Billing:   memory.NewBillingRepository(),
		Attempts:  memory.NewAttemptLog(),
		Engine:    engine,
	}, campaignsvc.Options{}, logger.NewNop())

	h := NewHandlerSet(svc, checks, logger.NewNop())
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app, nil)
	return app, engine
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	app, engine := newTestApp(t, nil)

	status, body := do(t, app, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"name":             "spring",
		"time_zone":        "UTC",
		"retry_policy":     map[string]any{"max_attempts": 2, "interval": "10m"},
		"max_wait_time":    "45s",
		"default_handling": "route_to_flow",
		"billing":          map[string]any{"outbound_rate": 12, "currency": "usd"},
		"business_hours":   []map[string]any{{"day_of_week": 1, "start": "09:00", "end": "17:00"}},
		"contacts":         []map[string]any{{"phone_number": "+15550001"}, {"phone_number": "+15550002"}},
	})
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)
	require.Equal(t, "inactive", body["status"])
	require.Equal(t, "45s", body["max_wait_time"])
	require.Equal(t, "10m0s", body["retry_policy"].(map[string]any)["interval"])

	status, body = do(t, app, http.MethodPost, "/api/v1/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "active", body["status"])
	require.Equal(t, 1, engine.waves)

	status, body = do(t, app, http.MethodGet, "/api/v1/campaigns/"+id+"/stats", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2, body["total"])
	require.EqualValues(t, 2, body["by_status"].(map[string]any)["pending"])

	status, body = do(t, app, http.MethodGet, "/api/v1/campaigns/"+id+"/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["tasks"], 2)

	status, body = do(t, app, http.MethodPost, "/api/v1/campaigns/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2, body["cancelled"])

	status, _ = do(t, app, http.MethodPost, "/api/v1/campaigns/"+id+"/pause", nil)
	require.Equal(t, http.StatusConflict, status)
}

func TestCampaignRequestValidation(t *testing.T) {
	app, _ := newTestApp(t, nil)

	status, _ := do(t, app, http.MethodPost, "/api/v1/campaigns", map[string]any{"name": "", "time_zone": "UTC"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodPost, "/api/v1/campaigns", map[string]any{"name": "x", "time_zone": "UTC", "max_wait_time": "soon"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodGet, "/api/v1/campaigns/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodGet, "/api/v1/campaigns/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestBusinessHoursRoutes(t *testing.T) {
	app, _ := newTestApp(t, nil)

	_, body := do(t, app, http.MethodPost, "/api/v1/campaigns", map[string]any{"name": "bh", "time_zone": "UTC"})
	id := body["id"].(string)

	status, _ := do(t, app, http.MethodPut, "/api/v1/campaigns/"+id+"/business-hours", map[string]any{
		"business_hours": []map[string]any{{"day_of_week": 5, "start": "22:00", "end": "02:00"}},
	})
	require.Equal(t, http.StatusNoContent, status)

	status, body = do(t, app, http.MethodGet, "/api/v1/campaigns/"+id+"/business-hours", nil)
	require.Equal(t, http.StatusOK, status)
	windows := body["business_hours"].([]any)
	require.Len(t, windows, 1)
	require.Equal(t, "22:00", windows[0].(map[string]any)["start"])
}

func TestResolveRequiresAnsweredTask(t *testing.T) {
	app, _ := newTestApp(t, nil)

	_, body := do(t, app, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"name": "r", "time_zone": "UTC",
		"contacts": []map[string]any{{"phone_number": "+15550009"}},
	})
	id := body["id"].(string)
	_, body = do(t, app, http.MethodGet, "/api/v1/campaigns/"+id+"/tasks", nil)
	taskID := body["tasks"].([]any)[0].(map[string]any)["id"].(string)

	status, _ := do(t, app, http.MethodPost, "/api/v1/tasks/"+taskID+"/resolve", map[string]any{"handling": "human"})
	require.Equal(t, http.StatusConflict, status)

	status, _ = do(t, app, http.MethodPost, "/api/v1/tasks/"+taskID+"/resolve", map[string]any{"handling": "robot"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, http.MethodGet, "/api/v1/tasks/"+taskID+"/billing", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["legs"])

	status, body = do(t, app, http.MethodGet, "/api/v1/tasks/"+taskID+"/attempts", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["attempts"])
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	status, body := do(t, app, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	app, _ = newTestApp(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	status, body = do(t, app, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "connection refused", body["errors"].(map[string]any)["redis"])
}

func TestTranslateError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{apperrors.Validation("bad"), http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrInvalidState, http.StatusConflict},
		{apperrors.ErrQuotaExceeded, http.StatusTooManyRequests},
		{apperrors.ErrUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		var fe *fiber.Error
		require.ErrorAs(t, translateError(tc.err), &fe)
		require.Equal(t, tc.code, fe.Code)
	}

	plain := errors.New("boom")
	require.Equal(t, plain, translateError(plain))
	require.NoError(t, translateError(nil))
}

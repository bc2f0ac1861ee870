package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

const campaignColumns = `id, name, description, time_zone, max_concurrent_calls, status,
	retry_max_attempts, retry_interval_ms, max_wait_ms, wrap_up_ms,
	caller_id, operator_extension, trunk,
	outbound_rate, agent_rate, currency, dual_billing,
	default_handling, ai_flow, queue_name, dtmf,
	scheduled_at, created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
// Business hours live in their own table and are loaded alongside the campaign.
type CampaignRepository struct {
	db    *sqlx.DB
	hours *BusinessHourRepository
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db, hours: NewBusinessHourRepository(db)}
}

// Create inserts a new campaign together with its business hours.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :name, :description, :time_zone, :max_concurrent_calls, :status,
		:retry_max_attempts, :retry_interval_ms, :max_wait_ms, :wrap_up_ms,
		:caller_id, :operator_extension, :trunk,
		:outbound_rate, :agent_rate, :currency, :dual_billing,
		:default_handling, :ai_flow, :queue_name, :dtmf,
		:scheduled_at, :created_at, :updated_at, :started_at, :completed_at
	)`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, params); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrConflict
			}
			return fmt.Errorf("campaign repo: insert: %w", err)
		}
		return replaceHours(ctx, tx, campaign.ID, campaign.BusinessHours)
	})
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	hours, err := r.hours.List(ctx, id)
	if err != nil {
		return nil, err
	}
	campaign.BusinessHours = hours
	return &campaign, nil
}

// Update updates campaign metadata and replaces its business hours.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		description = :description,
		status = :status,
		time_zone = :time_zone,
		max_concurrent_calls = :max_concurrent_calls,
		retry_max_attempts = :retry_max_attempts,
		retry_interval_ms = :retry_interval_ms,
		max_wait_ms = :max_wait_ms,
		wrap_up_ms = :wrap_up_ms,
		caller_id = :caller_id,
		operator_extension = :operator_extension,
		trunk = :trunk,
		outbound_rate = :outbound_rate,
		agent_rate = :agent_rate,
		currency = :currency,
		dual_billing = :dual_billing,
		default_handling = :default_handling,
		ai_flow = :ai_flow,
		queue_name = :queue_name,
		dtmf = :dtmf,
		scheduled_at = :scheduled_at,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, q, params)
		if err != nil {
			return fmt.Errorf("campaign repo: update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("campaign repo: rows affected: %w", err)
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		return replaceHours(ctx, tx, campaign.ID, campaign.BusinessHours)
	})
}

// UpdateStatus updates campaign status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns campaigns with optional pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	return r.collect(ctx, rows)
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	return r.collect(ctx, rows)
}

func (r *CampaignRepository) collect(ctx context.Context, rows *sqlx.Rows) ([]*domain.Campaign, error) {
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	for _, c := range results {
		hours, err := r.hours.List(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.BusinessHours = hours
	}
	return results, nil
}

func campaignParams(c *domain.Campaign) (map[string]any, error) {
	var dtmf []byte
	if c.DTMF != nil {
		raw, err := json.Marshal(dtmfRecord{
			Key:            c.DTMF.Key,
			Prompt:         c.DTMF.Prompt,
			TimeoutMs:      c.DTMF.Timeout.Milliseconds(),
			MaxReplays:     c.DTMF.MaxReplays,
			TransferTarget: c.DTMF.TransferTarget,
		})
		if err != nil {
			return nil, fmt.Errorf("campaign repo: marshal dtmf: %w", err)
		}
		dtmf = raw
	}

	return map[string]any{
		"id":                   c.ID,
		"name":                 c.Name,
		"description":          c.Description,
		"time_zone":            c.TimeZone,
		"max_concurrent_calls": c.MaxConcurrentCalls,
		"status":               c.Status,
		"retry_max_attempts":   c.RetryPolicy.MaxAttempts,
		"retry_interval_ms":    c.RetryPolicy.Interval.Milliseconds(),
		"max_wait_ms":          c.MaxWaitTime.Milliseconds(),
		"wrap_up_ms":           c.WrapUpDelay.Milliseconds(),
		"caller_id":            c.CallerID,
		"operator_extension":   c.OperatorExtension,
		"trunk":                c.Trunk,
		"outbound_rate":        c.Billing.OutboundRate,
		"agent_rate":           c.Billing.AgentRate,
		"currency":             c.Billing.Currency,
		"dual_billing":         c.Billing.DualBilling,
		"default_handling":     string(c.DefaultHandling),
		"ai_flow":              c.AIFlow,
		"queue_name":           c.QueueName,
		"dtmf":                 dtmf,
		"scheduled_at":         c.ScheduledAt,
		"created_at":           c.CreatedAt,
		"updated_at":           c.UpdatedAt,
		"started_at":           c.StartedAt,
		"completed_at":         c.CompletedAt,
	}, nil
}

type dtmfRecord struct {
	Key            string `json:"key"`
	Prompt         string `json:"prompt"`
	TimeoutMs      int64  `json:"timeout_ms"`
	MaxReplays     int    `json:"max_replays"`
	TransferTarget string `json:"transfer_target"`
}

type campaignRecord struct {
	ID                 uuid.UUID      `db:"id"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	TimeZone           string         `db:"time_zone"`
	MaxConcurrentCalls int            `db:"max_concurrent_calls"`
	Status             string         `db:"status"`
	RetryMaxAttempts   int            `db:"retry_max_attempts"`
	RetryIntervalMs    int64          `db:"retry_interval_ms"`
	MaxWaitMs          int64          `db:"max_wait_ms"`
	WrapUpMs           int64          `db:"wrap_up_ms"`
	CallerID           sql.NullString `db:"caller_id"`
	OperatorExtension  sql.NullString `db:"operator_extension"`
	Trunk              sql.NullString `db:"trunk"`
	OutboundRate       int64          `db:"outbound_rate"`
	AgentRate          int64          `db:"agent_rate"`
	Currency           string         `db:"currency"`
	DualBilling        bool           `db:"dual_billing"`
	DefaultHandling    string         `db:"default_handling"`
	AIFlow             sql.NullString `db:"ai_flow"`
	QueueName          sql.NullString `db:"queue_name"`
	DTMF               []byte         `db:"dtmf"`
	ScheduledAt        sql.NullTime   `db:"scheduled_at"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description.String,
		TimeZone:           r.TimeZone,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		Status:             domain.CampaignStatus(r.Status),
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: r.RetryMaxAttempts,
			Interval:    time.Duration(r.RetryIntervalMs) * time.Millisecond,
		},
		MaxWaitTime:       time.Duration(r.MaxWaitMs) * time.Millisecond,
		WrapUpDelay:       time.Duration(r.WrapUpMs) * time.Millisecond,
		CallerID:          r.CallerID.String,
		OperatorExtension: r.OperatorExtension.String,
		Trunk:             r.Trunk.String,
		Billing: domain.BillingPlan{
			OutboundRate: r.OutboundRate,
			AgentRate:    r.AgentRate,
			Currency:     r.Currency,
			DualBilling:  r.DualBilling,
		},
		DefaultHandling: domain.DefaultHandling(r.DefaultHandling),
		AIFlow:          r.AIFlow.String,
		QueueName:       r.QueueName.String,
		ScheduledAt:     nullTime(r.ScheduledAt),
		CreatedAt:       r.CreatedAt.Time,
		UpdatedAt:       r.UpdatedAt.Time,
		StartedAt:       nullTime(r.StartedAt),
		CompletedAt:     nullTime(r.CompletedAt),
	}

	if len(r.DTMF) > 0 {
		var d dtmfRecord
		if err := json.Unmarshal(r.DTMF, &d); err == nil {
			campaign.DTMF = &domain.DTMFConfig{
				Key:            d.Key,
				Prompt:         d.Prompt,
				Timeout:        time.Duration(d.TimeoutMs) * time.Millisecond,
				MaxReplays:     d.MaxReplays,
				TransferTarget: d.TransferTarget,
			}
		}
	}

	return campaign
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

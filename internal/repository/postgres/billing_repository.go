package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
)

const billingColumns = `id, task_id, campaign_id, leg, rate_per_minute, currency,
	started_at, ended_at, duration_seconds, cost_minor, finalized_at`

// BillingRepository implements repository.BillingRepository. Rows are append-only;
// the only update fills duration and cost exactly once.
type BillingRepository struct {
	db *sqlx.DB
}

// NewBillingRepository constructs the repository.
func NewBillingRepository(db *sqlx.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

// Open inserts a leg unless one already exists for the task and leg kind.
func (r *BillingRepository) Open(ctx context.Context, rec *domain.BillingLegRecord) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `INSERT INTO billing_legs (
		id, task_id, campaign_id, leg, rate_per_minute, currency, started_at
	) VALUES (:id, :task_id, :campaign_id, :leg, :rate_per_minute, :currency, :started_at)
	ON CONFLICT (task_id, leg) DO NOTHING`, map[string]any{
		"id":              rec.ID,
		"task_id":         rec.TaskID,
		"campaign_id":     rec.CampaignID,
		"leg":             string(rec.Leg),
		"rate_per_minute": rec.RatePerMinute,
		"currency":        rec.Currency,
		"started_at":      rec.StartedAt,
	})
	if err != nil {
		return false, fmt.Errorf("billing repo: open: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("billing repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// OpenLegs lists unfinalized legs of a task.
func (r *BillingRepository) OpenLegs(ctx context.Context, taskID uuid.UUID, leg domain.BillingLeg) ([]domain.BillingLegRecord, error) {
	return r.query(ctx, `SELECT `+billingColumns+` FROM billing_legs
		WHERE task_id = $1 AND leg = $2 AND finalized_at IS NULL`, taskID, string(leg))
}

// Finalize closes a leg once.
func (r *BillingRepository) Finalize(ctx context.Context, id uuid.UUID, endedAt time.Time, durationSeconds int, costMinor int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE billing_legs SET
		ended_at = $2, duration_seconds = $3, cost_minor = $4, finalized_at = $2
	WHERE id = $1 AND finalized_at IS NULL`, id, endedAt, durationSeconds, costMinor)
	if err != nil {
		return false, fmt.Errorf("billing repo: finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("billing repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// ListByTask returns every leg recorded for a task.
func (r *BillingRepository) ListByTask(ctx context.Context, taskID uuid.UUID) ([]domain.BillingLegRecord, error) {
	return r.query(ctx, `SELECT `+billingColumns+` FROM billing_legs WHERE task_id = $1 ORDER BY started_at ASC`, taskID)
}

func (r *BillingRepository) query(ctx context.Context, q string, args ...any) ([]domain.BillingLegRecord, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("billing repo: query: %w", err)
	}
	defer rows.Close()

	var out []domain.BillingLegRecord
	for rows.Next() {
		var rec billingRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("billing repo: scan: %w", err)
		}
		out = append(out, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing repo: rows err: %w", err)
	}
	return out, nil
}

type billingRecord struct {
	ID              uuid.UUID    `db:"id"`
	TaskID          uuid.UUID    `db:"task_id"`
	CampaignID      uuid.UUID    `db:"campaign_id"`
	Leg             string       `db:"leg"`
	RatePerMinute   int64        `db:"rate_per_minute"`
	Currency        string       `db:"currency"`
	StartedAt       time.Time    `db:"started_at"`
	EndedAt         sql.NullTime `db:"ended_at"`
	DurationSeconds int          `db:"duration_seconds"`
	CostMinor       int64        `db:"cost_minor"`
	FinalizedAt     sql.NullTime `db:"finalized_at"`
}

func (r billingRecord) toDomain() domain.BillingLegRecord {
	return domain.BillingLegRecord{
		ID:              r.ID,
		TaskID:          r.TaskID,
		CampaignID:      r.CampaignID,
		Leg:             domain.BillingLeg(r.Leg),
		RatePerMinute:   r.RatePerMinute,
		Currency:        r.Currency,
		StartedAt:       r.StartedAt,
		EndedAt:         nullTime(r.EndedAt),
		DurationSeconds: r.DurationSeconds,
		CostMinor:       r.CostMinor,
		FinalizedAt:     nullTime(r.FinalizedAt),
	}
}

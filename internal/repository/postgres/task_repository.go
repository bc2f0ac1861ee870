package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

const taskColumns = `id, campaign_id, phone_number, display_name, status, attempts, max_attempts,
	last_attempt_at, next_attempt_at, handle, connection_id, outcome, result,
	handling, transfer_target, created_at, updated_at`

// TaskRepository implements repository.TaskStore. Every state change is a single
// conditional UPDATE so concurrent waves and event handlers never double-apply.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository constructs the repository.
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// CreateMany inserts a batch of tasks in one transaction.
func (r *TaskRepository) CreateMany(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	query := `INSERT INTO campaign_tasks (
		id, campaign_id, phone_number, display_name, status, attempts, max_attempts, created_at, updated_at
	) VALUES (:id, :campaign_id, :phone_number, :display_name, :status, :attempts, :max_attempts, :created_at, :updated_at)`

	rows := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, map[string]any{
			"id":           t.ID,
			"campaign_id":  t.CampaignID,
			"phone_number": t.PhoneNumber,
			"display_name": t.DisplayName,
			"status":       t.Status,
			"attempts":     t.Attempts,
			"max_attempts": t.MaxAttempts,
			"created_at":   t.CreatedAt,
			"updated_at":   t.UpdatedAt,
		})
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrConflict
			}
			return fmt.Errorf("task repo: bulk insert: %w", err)
		}
		return nil
	})
}

// Get fetches a task by id.
func (r *TaskRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return r.getOne(ctx, `SELECT `+taskColumns+` FROM campaign_tasks WHERE id = $1`, id)
}

// FindByConnectionID returns the most recently updated task bound to a switch connection.
func (r *TaskRepository) FindByConnectionID(ctx context.Context, connectionID string) (*domain.Task, error) {
	if connectionID == "" {
		return nil, repository.ErrNotFound
	}
	return r.getOne(ctx, `SELECT `+taskColumns+` FROM campaign_tasks
		WHERE connection_id = $1 ORDER BY updated_at DESC LIMIT 1`, connectionID)
}

// FindByHandle returns the task whose current attempt carries handle.
func (r *TaskRepository) FindByHandle(ctx context.Context, handle string) (*domain.Task, error) {
	if handle == "" {
		return nil, repository.ErrNotFound
	}
	return r.getOne(ctx, `SELECT `+taskColumns+` FROM campaign_tasks WHERE handle = $1 LIMIT 1`, handle)
}

func (r *TaskRepository) getOne(ctx context.Context, query string, args ...any) (*domain.Task, error) {
	var record taskRecord
	if err := r.db.QueryRowxContext(ctx, query, args...).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("task repo: get: %w", err)
	}
	task := record.toDomain()
	return &task, nil
}

// ListByStatus lists tasks of a campaign in creation order.
func (r *TaskRepository) ListByStatus(ctx context.Context, campaignID uuid.UUID, statuses []domain.TaskStatus, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM campaign_tasks WHERE campaign_id = $1`
	args := []any{campaignID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += " AND status = ANY($2)"
		args = append(args, names)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Task
	for rows.Next() {
		var rec taskRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("task repo: scan: %w", err)
		}
		task := rec.toDomain()
		results = append(results, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task repo: rows err: %w", err)
	}
	return results, nil
}

// Claim moves a pending task to calling. Losing the race is reported, not returned as an error.
func (r *TaskRepository) Claim(ctx context.Context, id uuid.UUID, handle string, at time.Time) (repository.ClaimResult, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_tasks SET
		status = 'calling',
		attempts = attempts + 1,
		handle = $2,
		connection_id = NULL,
		last_attempt_at = $3,
		next_attempt_at = NULL,
		updated_at = $3
	WHERE id = $1 AND status = 'pending' AND attempts < max_attempts`, id, handle, at)
	if err != nil {
		return repository.ClaimNotFound, fmt.Errorf("task repo: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return repository.ClaimNotFound, fmt.Errorf("task repo: rows affected: %w", err)
	}
	if n == 1 {
		return repository.ClaimAcquired, nil
	}

	task, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.ClaimNotFound, nil
		}
		return repository.ClaimNotFound, err
	}
	if task.Status == domain.TaskStatusPending && task.Attempts >= task.MaxAttempts {
		return repository.ClaimExhausted, nil
	}
	return repository.ClaimNotPending, nil
}

// SetConnectionID binds the switch connection to the live attempt.
func (r *TaskRepository) SetConnectionID(ctx context.Context, id uuid.UUID, handle, connectionID string) (bool, error) {
	return r.execOne(ctx, "set connection id", `UPDATE campaign_tasks SET connection_id = $3
		WHERE id = $1 AND handle = $2 AND status = 'calling'`, id, handle, connectionID)
}

// RecordOutcome applies an attempt result while the task is still calling on that handle.
func (r *TaskRepository) RecordOutcome(ctx context.Context, id uuid.UUID, u repository.OutcomeUpdate) (bool, error) {
	return r.execOne(ctx, "record outcome", `UPDATE campaign_tasks SET
		status = $3, outcome = $4, result = $5, next_attempt_at = $6, updated_at = $7
	WHERE id = $1 AND handle = $2 AND status = 'calling'`,
		id, u.Handle, u.Status, string(u.Outcome), u.Result, u.NextAttemptAt, u.At)
}

// MarkHandled resolves an answered task.
func (r *TaskRepository) MarkHandled(ctx context.Context, id uuid.UUID, handling domain.Handling, target string, at time.Time) (bool, error) {
	return r.execOne(ctx, "mark handled", `UPDATE campaign_tasks SET
		status = $2, handling = $3, transfer_target = $4, updated_at = $5
	WHERE id = $1 AND status = 'answered'`, id, handling.Status(), string(handling), target, at)
}

// AbandonAnswered fails an answered task whose connection ended before it was handled.
func (r *TaskRepository) AbandonAnswered(ctx context.Context, id uuid.UUID, connectionID string, at time.Time) (bool, error) {
	return r.execOne(ctx, "abandon answered", `UPDATE campaign_tasks SET status = 'failed', result = $3, updated_at = $4
		WHERE id = $1 AND status = 'answered' AND connection_id = $2`, id, connectionID, domain.AbandonedResult, at)
}

// FailExhausted fails a pending task that has no attempts left.
func (r *TaskRepository) FailExhausted(ctx context.Context, id uuid.UUID, result string, at time.Time) (bool, error) {
	return r.execOne(ctx, "fail exhausted", `UPDATE campaign_tasks SET status = 'failed', result = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending' AND attempts >= max_attempts`, id, result, at)
}

// CancelPending cancels pending and retry_pending tasks of a campaign.
func (r *TaskRepository) CancelPending(ctx context.Context, campaignID uuid.UUID, at time.Time) (int64, error) {
	return r.execMany(ctx, "cancel pending", `UPDATE campaign_tasks SET status = 'cancelled', next_attempt_at = NULL, updated_at = $2
		WHERE campaign_id = $1 AND status IN ('pending', 'retry_pending')`, campaignID, at)
}

// DeletePending removes tasks that were never dialed.
func (r *TaskRepository) DeletePending(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	return r.execMany(ctx, "delete pending", `DELETE FROM campaign_tasks WHERE campaign_id = $1 AND status = 'pending'`, campaignID)
}

// ResetFailed returns failed tasks to pending with a fresh attempt budget.
func (r *TaskRepository) ResetFailed(ctx context.Context, campaignID uuid.UUID, at time.Time) (int64, error) {
	return r.execMany(ctx, "reset failed", `UPDATE campaign_tasks SET
		status = 'pending', attempts = 0, outcome = NULL, result = NULL, handle = NULL,
		connection_id = NULL, next_attempt_at = NULL, updated_at = $2
	WHERE campaign_id = $1 AND status = 'failed'`, campaignID, at)
}

// ReleaseDueRetries moves retry_pending tasks whose time has come back to pending.
func (r *TaskRepository) ReleaseDueRetries(ctx context.Context, campaignID uuid.UUID, now time.Time) (int64, error) {
	return r.execMany(ctx, "release retries", `UPDATE campaign_tasks SET status = 'pending', next_attempt_at = NULL, updated_at = $2
		WHERE campaign_id = $1 AND status = 'retry_pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $2)`, campaignID, now)
}

// EarliestRetry returns the soonest scheduled retry, or nil.
func (r *TaskRepository) EarliestRetry(ctx context.Context, campaignID uuid.UUID) (*time.Time, error) {
	var at sql.NullTime
	if err := r.db.QueryRowxContext(ctx, `SELECT MIN(next_attempt_at) FROM campaign_tasks
		WHERE campaign_id = $1 AND status = 'retry_pending'`, campaignID).Scan(&at); err != nil {
		return nil, fmt.Errorf("task repo: earliest retry: %w", err)
	}
	return nullTime(at), nil
}

// CountByStatus aggregates task counts per status.
func (r *TaskRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.TaskStatus]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM campaign_tasks
		WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("task repo: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int64)
	for rows.Next() {
		var row struct {
			Status string `db:"status"`
			N      int64  `db:"n"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("task repo: scan count: %w", err)
		}
		counts[domain.TaskStatus(row.Status)] = row.N
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task repo: rows err: %w", err)
	}
	return counts, nil
}

func (r *TaskRepository) execOne(ctx context.Context, op, query string, args ...any) (bool, error) {
	n, err := r.execMany(ctx, op, query, args...)
	return n == 1, err
}

func (r *TaskRepository) execMany(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("task repo: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("task repo: rows affected: %w", err)
	}
	return n, nil
}

type taskRecord struct {
	ID             uuid.UUID      `db:"id"`
	CampaignID     uuid.UUID      `db:"campaign_id"`
	PhoneNumber    string         `db:"phone_number"`
	DisplayName    sql.NullString `db:"display_name"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	LastAttemptAt  sql.NullTime   `db:"last_attempt_at"`
	NextAttemptAt  sql.NullTime   `db:"next_attempt_at"`
	Handle         sql.NullString `db:"handle"`
	ConnectionID   sql.NullString `db:"connection_id"`
	Outcome        sql.NullString `db:"outcome"`
	Result         sql.NullString `db:"result"`
	Handling       sql.NullString `db:"handling"`
	TransferTarget sql.NullString `db:"transfer_target"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r taskRecord) toDomain() domain.Task {
	return domain.Task{
		ID:             r.ID,
		CampaignID:     r.CampaignID,
		PhoneNumber:    r.PhoneNumber,
		DisplayName:    r.DisplayName.String,
		Status:         domain.TaskStatus(r.Status),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		LastAttemptAt:  nullTime(r.LastAttemptAt),
		NextAttemptAt:  nullTime(r.NextAttemptAt),
		Handle:         r.Handle.String,
		ConnectionID:   r.ConnectionID.String,
		Outcome:        domain.Outcome(r.Outcome.String),
		Result:         r.Result.String,
		Handling:       domain.Handling(r.Handling.String),
		TransferTarget: r.TransferTarget.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

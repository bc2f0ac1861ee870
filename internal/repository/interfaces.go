package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// BusinessHourRepository manages campaign business hours.
type BusinessHourRepository interface {
	Replace(ctx context.Context, campaignID uuid.UUID, windows []domain.BusinessHourWindow) error
	List(ctx context.Context, campaignID uuid.UUID) ([]domain.BusinessHourWindow, error)
}

// ClaimResult reports how a claim attempt ended.
type ClaimResult int

const (
	// ClaimAcquired means the task moved pending -> calling for this caller.
	ClaimAcquired ClaimResult = iota
	// ClaimNotPending means another wave claimed it first or it left pending.
	ClaimNotPending
	// ClaimExhausted means the task is pending but has no attempts left.
	ClaimExhausted
	// ClaimNotFound means the task no longer exists.
	ClaimNotFound
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimNotPending:
		return "not_pending"
	case ClaimExhausted:
		return "exhausted"
	default:
		return "not_found"
	}
}

// OutcomeUpdate records the end of an attempt on a calling task.
type OutcomeUpdate struct {
	Handle        string
	Status        domain.TaskStatus
	Outcome       domain.Outcome
	Result        string
	NextAttemptAt *time.Time
	At            time.Time
}

// TaskStore holds durable per-contact dialing state.
type TaskStore interface {
	CreateMany(ctx context.Context, tasks []*domain.Task) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	// ListByStatus returns tasks of a campaign in creation order. limit <= 0 means all.
	ListByStatus(ctx context.Context, campaignID uuid.UUID, statuses []domain.TaskStatus, limit int) ([]*domain.Task, error)
	// Claim atomically moves a pending task with attempts left to calling, bumping its attempt
	// count and recording the attempt's correlation handle.
	Claim(ctx context.Context, id uuid.UUID, handle string, at time.Time) (ClaimResult, error)
	FindByConnectionID(ctx context.Context, connectionID string) (*domain.Task, error)
	FindByHandle(ctx context.Context, handle string) (*domain.Task, error)
	// SetConnectionID records the switch connection id while the attempt identified by handle is live.
	SetConnectionID(ctx context.Context, id uuid.UUID, handle, connectionID string) (bool, error)
	// RecordOutcome applies an attempt's result, only if the task is still calling on that handle.
	RecordOutcome(ctx context.Context, id uuid.UUID, update OutcomeUpdate) (bool, error)
	// MarkHandled resolves an answered task.
	MarkHandled(ctx context.Context, id uuid.UUID, handling domain.Handling, target string, at time.Time) (bool, error)
	// AbandonAnswered fails an answered task whose connection ended before any handling was
	// applied. It only acts while the task is still answered on that connection.
	AbandonAnswered(ctx context.Context, id uuid.UUID, connectionID string, at time.Time) (bool, error)
	// FailExhausted fails a pending task that has no attempts left.
	FailExhausted(ctx context.Context, id uuid.UUID, result string, at time.Time) (bool, error)
	CancelPending(ctx context.Context, campaignID uuid.UUID, at time.Time) (int64, error)
	DeletePending(ctx context.Context, campaignID uuid.UUID) (int64, error)
	ResetFailed(ctx context.Context, campaignID uuid.UUID, at time.Time) (int64, error)
	ReleaseDueRetries(ctx context.Context, campaignID uuid.UUID, now time.Time) (int64, error)
	EarliestRetry(ctx context.Context, campaignID uuid.UUID) (*time.Time, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.TaskStatus]int64, error)
}

// BillingRepository stores append-only billing leg records.
type BillingRepository interface {
	// Open inserts a leg. Opening the same (task, leg) twice is a no-op that reports false.
	Open(ctx context.Context, record *domain.BillingLegRecord) (bool, error)
	OpenLegs(ctx context.Context, taskID uuid.UUID, leg domain.BillingLeg) ([]domain.BillingLegRecord, error)
	// Finalize fills duration and cost once. Finalizing a finalized leg reports false and changes nothing.
	Finalize(ctx context.Context, id uuid.UUID, endedAt time.Time, durationSeconds int, costMinor int64) (bool, error)
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]domain.BillingLegRecord, error)
}

// AttemptLog persists per-attempt history.
type AttemptLog interface {
	Append(ctx context.Context, attempt domain.CallAttempt) error
	List(ctx context.Context, taskID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error)
}

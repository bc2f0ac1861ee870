package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
)

// AttemptStore persists per-attempt call history in Scylla, partitioned by task.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append writes one attempt row. Re-appending the same attempt number overwrites it.
func (s *AttemptStore) Append(ctx context.Context, attempt domain.CallAttempt) error {
	durationMs := int64(attempt.Duration / time.Millisecond)
	if err := s.session.Query(`INSERT INTO attempts_by_task (task_id, attempt_num, campaign_id, handle, connection_id, outcome, cause, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.TaskID.String(), attempt.AttemptNum, attempt.CampaignID.String(), attempt.Handle,
		attempt.ConnectionID, string(attempt.Outcome), attempt.Cause, attempt.StartedAt, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: append: %w", err)
	}
	return nil
}

// List pages through a task's attempts in attempt order.
func (s *AttemptStore) List(ctx context.Context, taskID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT attempt_num, campaign_id, handle, connection_id, outcome, cause, started_at, duration_ms
		FROM attempts_by_task WHERE task_id = ?`, taskID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.CallAttempt, 0, limit)

	var (
		attemptNum    int
		campaignIDStr string
		handle        string
		connectionID  string
		outcome       string
		cause         string
		startedAt     time.Time
		durationMs    int64
	)

	for iter.Scan(&attemptNum, &campaignIDStr, &handle, &connectionID, &outcome, &cause, &startedAt, &durationMs) {
		campaignID, err := uuid.Parse(campaignIDStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.CallAttempt{
			TaskID:       taskID,
			CampaignID:   campaignID,
			AttemptNum:   attemptNum,
			Handle:       handle,
			ConnectionID: connectionID,
			Outcome:      domain.Outcome(outcome),
			Cause:        cause,
			StartedAt:    startedAt,
			Duration:     time.Duration(durationMs) * time.Millisecond,
		})
		if len(attempts) == limit {
			break
		}
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}

	return attempts, nextState, nil
}

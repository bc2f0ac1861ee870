package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// TaskStore implements repository.TaskStore. It also records the highest number of
// simultaneously calling tasks per campaign so tests can check the concurrency budget.
type TaskStore struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*domain.Task
	seq        map[uuid.UUID]int64
	next       int64
	calling    map[uuid.UUID]int
	maxCalling map[uuid.UUID]int
	claims     map[uuid.UUID]int
}

// NewTaskStore constructs an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:      make(map[uuid.UUID]*domain.Task),
		seq:        make(map[uuid.UUID]int64),
		calling:    make(map[uuid.UUID]int),
		maxCalling: make(map[uuid.UUID]int),
		claims:     make(map[uuid.UUID]int),
	}
}

// MaxCalling returns the peak number of tasks in calling state seen for a campaign.
func (s *TaskStore) MaxCalling(campaignID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxCalling[campaignID]
}

// Claims returns how many times a task was claimed.
func (s *TaskStore) Claims(taskID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[taskID]
}

// setStatus moves a task along the lifecycle, refusing steps the lifecycle does not allow.
func (s *TaskStore) setStatus(t *domain.Task, status domain.TaskStatus) error {
	if t.Status == status {
		return nil
	}
	if !domain.CanStore(t.Status, status) {
		return fmt.Errorf("%w: task %s cannot move %s -> %s", repository.ErrConflict, t.ID, t.Status, status)
	}
	if t.Status == domain.TaskStatusCalling {
		s.calling[t.CampaignID]--
	}
	if status == domain.TaskStatusCalling {
		s.calling[t.CampaignID]++
		if s.calling[t.CampaignID] > s.maxCalling[t.CampaignID] {
			s.maxCalling[t.CampaignID] = s.calling[t.CampaignID]
		}
	}
	t.Status = status
	return nil
}

func (s *TaskStore) CreateMany(_ context.Context, tasks []*domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			return repository.ErrConflict
		}
		cp := *t
		s.tasks[t.ID] = &cp
		s.next++
		s.seq[t.ID] = s.next
		if cp.Status == domain.TaskStatusCalling {
			s.calling[cp.CampaignID]++
		}
	}
	return nil
}

func (s *TaskStore) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TaskStore) ListByStatus(_ context.Context, campaignID uuid.UUID, statuses []domain.TaskStatus, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[domain.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.CampaignID != campaignID {
			continue
		}
		if len(want) > 0 && !want[t.Status] {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TaskStore) Claim(_ context.Context, id uuid.UUID, handle string, at time.Time) (repository.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return repository.ClaimNotFound, nil
	}
	if t.Status != domain.TaskStatusPending {
		return repository.ClaimNotPending, nil
	}
	if t.Attempts >= t.MaxAttempts {
		return repository.ClaimExhausted, nil
	}
	if err := s.setStatus(t, domain.TaskStatusCalling); err != nil {
		return repository.ClaimNotPending, err
	}
	t.Attempts++
	t.Handle = handle
	t.ConnectionID = ""
	t.LastAttemptAt = &at
	t.NextAttemptAt = nil
	t.UpdatedAt = at
	s.claims[id]++
	return repository.ClaimAcquired, nil
}

func (s *TaskStore) FindByConnectionID(_ context.Context, connectionID string) (*domain.Task, error) {
	if connectionID == "" {
		return nil, repository.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.Task
	for _, t := range s.tasks {
		if t.ConnectionID != connectionID {
			continue
		}
		if found == nil || t.UpdatedAt.After(found.UpdatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *TaskStore) FindByHandle(_ context.Context, handle string) (*domain.Task, error) {
	if handle == "" {
		return nil, repository.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Handle == handle {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *TaskStore) SetConnectionID(_ context.Context, id uuid.UUID, handle, connectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Handle != handle || t.Status != domain.TaskStatusCalling {
		return false, nil
	}
	t.ConnectionID = connectionID
	return true, nil
}

func (s *TaskStore) RecordOutcome(_ context.Context, id uuid.UUID, u repository.OutcomeUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusCalling || t.Handle != u.Handle {
		return false, nil
	}
	if err := s.setStatus(t, u.Status); err != nil {
		return false, err
	}
	t.Outcome = u.Outcome
	t.Result = u.Result
	t.NextAttemptAt = u.NextAttemptAt
	t.UpdatedAt = u.At
	return true, nil
}

func (s *TaskStore) MarkHandled(_ context.Context, id uuid.UUID, handling domain.Handling, target string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusAnswered {
		return false, nil
	}
	if err := s.setStatus(t, handling.Status()); err != nil {
		return false, err
	}
	t.Handling = handling
	t.TransferTarget = target
	t.UpdatedAt = at
	return true, nil
}

func (s *TaskStore) AbandonAnswered(_ context.Context, id uuid.UUID, connectionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusAnswered || t.ConnectionID != connectionID {
		return false, nil
	}
	if err := s.setStatus(t, domain.TaskStatusFailed); err != nil {
		return false, err
	}
	t.Result = domain.AbandonedResult
	t.UpdatedAt = at
	return true, nil
}

func (s *TaskStore) FailExhausted(_ context.Context, id uuid.UUID, result string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusPending || t.Attempts < t.MaxAttempts {
		return false, nil
	}
	if err := s.setStatus(t, domain.TaskStatusFailed); err != nil {
		return false, err
	}
	t.Result = result
	t.UpdatedAt = at
	return true, nil
}

func (s *TaskStore) CancelPending(_ context.Context, campaignID uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.CampaignID != campaignID {
			continue
		}
		if t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusRetryPending {
			if err := s.setStatus(t, domain.TaskStatusCancelled); err != nil {
			return n, err
		}
			t.NextAttemptAt = nil
			t.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *TaskStore) DeletePending(_ context.Context, campaignID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.CampaignID == campaignID && t.Status == domain.TaskStatusPending {
			delete(s.tasks, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

func (s *TaskStore) ResetFailed(_ context.Context, campaignID uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.CampaignID != campaignID || t.Status != domain.TaskStatusFailed {
			continue
		}
		if err := s.setStatus(t, domain.TaskStatusPending); err != nil {
			return n, err
		}
		t.Attempts = 0
		t.Result = ""
		t.Outcome = ""
		t.Handle = ""
		t.ConnectionID = ""
		t.NextAttemptAt = nil
		t.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *TaskStore) ReleaseDueRetries(_ context.Context, campaignID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.CampaignID != campaignID || t.Status != domain.TaskStatusRetryPending {
			continue
		}
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			continue
		}
		if err := s.setStatus(t, domain.TaskStatusPending); err != nil {
			return n, err
		}
		t.NextAttemptAt = nil
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *TaskStore) EarliestRetry(_ context.Context, campaignID uuid.UUID) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *time.Time
	for _, t := range s.tasks {
		if t.CampaignID != campaignID || t.Status != domain.TaskStatusRetryPending || t.NextAttemptAt == nil {
			continue
		}
		if earliest == nil || t.NextAttemptAt.Before(*earliest) {
			at := *t.NextAttemptAt
			earliest = &at
		}
	}
	return earliest, nil
}

func (s *TaskStore) CountByStatus(_ context.Context, campaignID uuid.UUID) (map[domain.TaskStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.TaskStatus]int64)
	for _, t := range s.tasks {
		if t.CampaignID == campaignID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

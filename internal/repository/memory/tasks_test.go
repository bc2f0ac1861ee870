package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

func newTask(campaignID uuid.UUID, maxAttempts int, created time.Time) *domain.Task {
	return &domain.Task{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		PhoneNumber: "+15550100",
		Status:      domain.TaskStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	campaignID := uuid.New()
	task := newTask(campaignID, 3, time.Now())
	require.NoError(t, store.CreateMany(ctx, []*domain.Task{task}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Claim(ctx, task.ID, uuid.NewString(), time.Now())
			if err != nil {
				t.Error(err)
				return
			}
			if res == repository.ClaimAcquired {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCalling, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, 1, store.MaxCalling(campaignID))
}

func TestClaimReportsExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	task := newTask(uuid.New(), 1, time.Now())
	task.Attempts = 1
	require.NoError(t, store.CreateMany(ctx, []*domain.Task{task}))

	res, err := store.Claim(ctx, task.ID, "h1", time.Now())
	require.NoError(t, err)
	require.Equal(t, repository.ClaimExhausted, res)

	ok, err := store.FailExhausted(ctx, task.ID, domain.ExhaustedResult(domain.OutcomeBusy), time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	res, err = store.Claim(ctx, task.ID, "h2", time.Now())
	require.NoError(t, err)
	require.Equal(t, repository.ClaimNotPending, res)

	res, err = store.Claim(ctx, uuid.New(), "h3", time.Now())
	require.NoError(t, err)
	require.Equal(t, repository.ClaimNotFound, res)
}

func TestRecordOutcomeRequiresLiveHandle(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	task := newTask(uuid.New(), 2, time.Now())
	require.NoError(t, store.CreateMany(ctx, []*domain.Task{task}))

	_, err := store.Claim(ctx, task.ID, "first", time.Now())
	require.NoError(t, err)

	ok, err := store.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
		Handle: "stale", Status: domain.TaskStatusBusy, Outcome: domain.OutcomeBusy, At: time.Now(),
	})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
		Handle: "first", Status: domain.TaskStatusAnswered, Outcome: domain.OutcomeAnswered, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
		Handle: "first", Status: domain.TaskStatusNoAnswer, Outcome: domain.OutcomeNoAnswer, At: time.Now(),
	})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusAnswered, got.Status)
}

func TestRetryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	campaignID := uuid.New()
	now := time.Now()
	task := newTask(campaignID, 3, now)
	require.NoError(t, store.CreateMany(ctx, []*domain.Task{task}))

	_, err := store.Claim(ctx, task.ID, "h1", now)
	require.NoError(t, err)
	next := now.Add(time.Minute)
	ok, err := store.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
		Handle: "h1", Status: domain.TaskStatusRetryPending, Outcome: domain.OutcomeNoAnswer,
		Result: "no_answer", NextAttemptAt: &next, At: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	earliest, err := store.EarliestRetry(ctx, campaignID)
	require.NoError(t, err)
	require.NotNil(t, earliest)
	require.True(t, earliest.Equal(next))

	n, err := store.ReleaseDueRetries(ctx, campaignID, now)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = store.ReleaseDueRetries(ctx, campaignID, next)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	pending, err := store.ListByStatus(ctx, campaignID, []domain.TaskStatus{domain.TaskStatusPending}, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)
}

func TestListByStatusKeepsCreationOrder(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	campaignID := uuid.New()
	base := time.Now()

	var ids []uuid.UUID
	var tasks []*domain.Task
	for i := 0; i < 5; i++ {
		task := newTask(campaignID, 1, base.Add(time.Duration(i)*time.Millisecond))
		ids = append(ids, task.ID)
		tasks = append(tasks, task)
	}
	require.NoError(t, store.CreateMany(ctx, tasks))

	got, err := store.ListByStatus(ctx, campaignID, nil, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, task := range got {
		require.Equal(t, ids[i], task.ID)
	}
}

func TestCancelAndResetFailed(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	campaignID := uuid.New()
	pending := newTask(campaignID, 1, time.Now())
	failed := newTask(campaignID, 1, time.Now())
	failed.Status = domain.TaskStatusFailed
	failed.Attempts = 1
	failed.Result = "max_attempts: busy"
	require.NoError(t, store.CreateMany(ctx, []*domain.Task{pending, failed}))

	n, err := store.CancelPending(ctx, campaignID, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = store.ResetFailed(ctx, campaignID, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := store.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusPending, got.Status)
	require.Zero(t, got.Attempts)
	require.Empty(t, got.Result)

	counts, err := store.CountByStatus(ctx, campaignID)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[domain.TaskStatusCancelled])
	require.EqualValues(t, 1, counts[domain.TaskStatusPending])
}

func TestBillingFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewBillingRepository()
	rec := &domain.BillingLegRecord{ID: uuid.New(), TaskID: uuid.New(), Leg: domain.BillingLegOutbound, StartedAt: time.Now()}

	ok, err := repo.Open(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)

	dup := *rec
	dup.ID = uuid.New()
	ok, err = repo.Open(ctx, &dup)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.Finalize(ctx, rec.ID, time.Now(), 30, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Finalize(ctx, rec.ID, time.Now(), 90, 99)
	require.NoError(t, err)
	require.False(t, ok)

	legs, err := repo.ListByTask(ctx, rec.TaskID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	require.EqualValues(t, 10, legs[0].CostMinor)
}

func TestAttemptLogPaging(t *testing.T) {
	ctx := context.Background()
	log := NewAttemptLog()
	taskID := uuid.New()
	for i := 1; i <= 5; i++ {
		require.NoError(t, log.Append(ctx, domain.CallAttempt{TaskID: taskID, AttemptNum: i}))
	}

	page, state, err := log.List(ctx, taskID, 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, state)

	var all []domain.CallAttempt
	all = append(all, page...)
	for state != nil {
		page, state, err = log.List(ctx, taskID, 2, state)
		require.NoError(t, err)
		all = append(all, page...)
	}
	require.Len(t, all, 5)
	require.Equal(t, 5, all[4].AttemptNum)
}

func TestStoreRefusesStepsOutsideLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	task := newTask(uuid.New(), 2, time.Now())
	require.NoError(t, store.CreateMany(ctx, []*domain.Task{task}))

	_, err := store.Claim(ctx, task.ID, "h1", time.Now())
	require.NoError(t, err)

	// calling cannot jump to a handled state without being answered
	ok, err := store.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
		Handle: "h1", Status: domain.TaskStatusTransferred, Outcome: domain.OutcomeAnswered, At: time.Now(),
	})
	require.ErrorIs(t, err, repository.ErrConflict)
	require.False(t, ok)
	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCalling, got.Status)
}

func TestAbandonAnsweredRequiresLiveAnswer(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore()
	task := newTask(uuid.New(), 1, time.Now())
	require.NoError(t, store.CreateMany(ctx, []*domain.Task{task}))

	_, err := store.Claim(ctx, task.ID, "h1", time.Now())
	require.NoError(t, err)
	ok, err := store.SetConnectionID(ctx, task.ID, "h1", "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	// still calling
	ok, err = store.AbandonAnswered(ctx, task.ID, "conn-1", time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.RecordOutcome(ctx, task.ID, repository.OutcomeUpdate{
		Handle: "h1", Status: domain.TaskStatusAnswered, Outcome: domain.OutcomeAnswered, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AbandonAnswered(ctx, task.ID, "conn-other", time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.AbandonAnswered(ctx, task.ID, "conn-1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusFailed, got.Status)
	require.Equal(t, domain.AbandonedResult, got.Result)

	ok, err = store.AbandonAnswered(ctx, task.ID, "conn-1", time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	counts, err := store.CountByStatus(ctx, task.CampaignID)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[domain.TaskStatusFailed])
}

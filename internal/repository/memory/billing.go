package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
)

// BillingRepository implements repository.BillingRepository.
type BillingRepository struct {
	mu      sync.Mutex
	records []*domain.BillingLegRecord
}

// NewBillingRepository constructs an empty ledger.
func NewBillingRepository() *BillingRepository {
	return &BillingRepository{}
}

func (r *BillingRepository) Open(_ context.Context, record *domain.BillingLegRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.TaskID == record.TaskID && existing.Leg == record.Leg {
			return false, nil
		}
	}
	cp := *record
	r.records = append(r.records, &cp)
	return true, nil
}

func (r *BillingRepository) OpenLegs(_ context.Context, taskID uuid.UUID, leg domain.BillingLeg) ([]domain.BillingLegRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BillingLegRecord
	for _, rec := range r.records {
		if rec.TaskID == taskID && rec.Leg == leg && rec.FinalizedAt == nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *BillingRepository) Finalize(_ context.Context, id uuid.UUID, endedAt time.Time, durationSeconds int, costMinor int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID != id {
			continue
		}
		if rec.FinalizedAt != nil {
			return false, nil
		}
		ended := endedAt
		rec.EndedAt = &ended
		rec.DurationSeconds = durationSeconds
		rec.CostMinor = costMinor
		finalized := endedAt
		rec.FinalizedAt = &finalized
		return true, nil
	}
	return false, nil
}

func (r *BillingRepository) ListByTask(_ context.Context, taskID uuid.UUID) ([]domain.BillingLegRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BillingLegRecord
	for _, rec := range r.records {
		if rec.TaskID == taskID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

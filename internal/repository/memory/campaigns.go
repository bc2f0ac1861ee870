// Package memory holds in-memory repositories for tests and the fake switch driver.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository and BusinessHourRepository.
type CampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[uuid.UUID]domain.Campaign
}

// NewCampaignRepository constructs an empty repository.
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{
		campaigns: make(map[uuid.UUID]domain.Campaign),
	}
}

func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.campaigns[campaign.ID] = cloneCampaign(*campaign)
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneCampaign(c)
	return &out, nil
}

func (r *CampaignRepository) Update(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; !ok {
		return repository.ErrNotFound
	}
	r.campaigns[campaign.ID] = cloneCampaign(*campaign)
	return nil
}

func (r *CampaignRepository) UpdateStatus(_ context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = status
	r.campaigns[id] = c
	return nil
}

func (r *CampaignRepository) List(_ context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.campaigns))
	for id := range r.campaigns {
		if afterID != nil && bytes.Compare(id[:], afterID[:]) <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	var out []*domain.Campaign
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		c := cloneCampaign(r.campaigns[id])
		out = append(out, &c)
	}
	return out, nil
}

func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != status {
			continue
		}
		cc := cloneCampaign(c)
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Replace stores business hours on the campaign.
func (r *CampaignRepository) Replace(_ context.Context, campaignID uuid.UUID, windows []domain.BusinessHourWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return repository.ErrNotFound
	}
	c.BusinessHours = append([]domain.BusinessHourWindow(nil), windows...)
	r.campaigns[campaignID] = c
	return nil
}

func (r *CampaignRepository) listHours(campaignID uuid.UUID) []domain.BusinessHourWindow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.BusinessHourWindow(nil), r.campaigns[campaignID].BusinessHours...)
}

// BusinessHours adapts the repository to repository.BusinessHourRepository.
func (r *CampaignRepository) BusinessHours() repository.BusinessHourRepository {
	return businessHours{r}
}

type businessHours struct{ r *CampaignRepository }

func (b businessHours) Replace(ctx context.Context, campaignID uuid.UUID, windows []domain.BusinessHourWindow) error {
	return b.r.Replace(ctx, campaignID, windows)
}

func (b businessHours) List(_ context.Context, campaignID uuid.UUID) ([]domain.BusinessHourWindow, error) {
	return b.r.listHours(campaignID), nil
}

func cloneCampaign(c domain.Campaign) domain.Campaign {
	if c.DTMF != nil {
		d := *c.DTMF
		c.DTMF = &d
	}
	c.BusinessHours = append([]domain.BusinessHourWindow(nil), c.BusinessHours...)
	return c
}

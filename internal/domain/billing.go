package domain

import (
	"time"

	"github.com/google/uuid"
)

// BillingLeg identifies one side of a call's cost accounting.
type BillingLeg string

const (
	BillingLegOutbound BillingLeg = "outbound"
	BillingLegInbound  BillingLeg = "inbound"
)

// BillingLegRecord is an append-only ledger row. Duration and cost are filled once, on finalize.
type BillingLegRecord struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	CampaignID      uuid.UUID
	Leg             BillingLeg
	RatePerMinute   int64
	Currency        string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	CostMinor       int64
	FinalizedAt     *time.Time
}

// Finalized reports whether the leg has been closed.
func (r *BillingLegRecord) Finalized() bool {
	return r.FinalizedAt != nil
}

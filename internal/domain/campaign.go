package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusInactive  CampaignStatus = "inactive"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusInactive, CampaignStatusScheduled, CampaignStatusActive,
		CampaignStatusPaused, CampaignStatusCompleted:
		return true
	}
	return false
}

// DefaultHandling decides what happens right after a contact answers.
type DefaultHandling string

const (
	// DefaultHandlingAsk leaves the decision to an operator.
	DefaultHandlingAsk DefaultHandling = "ask"
	// DefaultHandlingRouteToFlow sends the call to the automated voice flow.
	DefaultHandlingRouteToFlow DefaultHandling = "route_to_flow"
	// DefaultHandlingRouteToHumanQueue sends the call to the human queue.
	DefaultHandlingRouteToHumanQueue DefaultHandling = "route_to_human_queue"
)

// Automatic returns the handling applied without operator input, if any.
func (d DefaultHandling) Automatic() (Handling, bool) {
	switch d {
	case DefaultHandlingRouteToFlow:
		return HandlingAI, true
	case DefaultHandlingRouteToHumanQueue:
		return HandlingHuman, true
	}
	return "", false
}

// Valid reports whether d is a known handling default. Empty means ask.
func (d DefaultHandling) Valid() bool {
	switch d {
	case "", DefaultHandlingAsk, DefaultHandlingRouteToFlow, DefaultHandlingRouteToHumanQueue:
		return true
	}
	return false
}

// Campaign models an outbound calling effort.
type Campaign struct {
	ID                 uuid.UUID
	Name               string
	Description        string
	TimeZone           string
	BusinessHours      []BusinessHourWindow
	MaxConcurrentCalls int
	RetryPolicy        RetryPolicy
	MaxWaitTime        time.Duration
	WrapUpDelay        time.Duration
	CallerID           string
	OperatorExtension  string
	Trunk              string
	Billing            BillingPlan
	DefaultHandling    DefaultHandling
	AIFlow             string
	QueueName          string
	DTMF               *DTMFConfig
	Status             CampaignStatus
	ScheduledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// BusinessHourWindow captures allowed calling window per day of week.
type BusinessHourWindow struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// RetryPolicy bounds how often a contact is dialed. The interval is fixed between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// BillingPlan carries per-minute rates in minor currency units.
type BillingPlan struct {
	OutboundRate int64
	AgentRate    int64
	Currency     string
	DualBilling  bool
}

// DTMFConfig configures the press-a-key self-service flow.
type DTMFConfig struct {
	Key            string
	Prompt         string
	Timeout        time.Duration
	MaxReplays     int
	TransferTarget string
}

// CallerIDFor returns the caller id presented to contacts.
func (c *Campaign) CallerIDFor() string {
	if c.CallerID != "" {
		return c.CallerID
	}
	return c.OperatorExtension
}

// InBusinessHours reports whether now falls inside one of the campaign windows.
// Campaigns without windows may dial at any time.
func (c *Campaign) InBusinessHours(now time.Time) bool {
	if len(c.BusinessHours) == 0 {
		return true
	}

	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return true
	}

	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	for _, window := range c.BusinessHours {
		start := window.Start.Hour()*60 + window.Start.Minute()
		end := window.End.Hour()*60 + window.End.Minute()

		if end <= start {
			// window spans midnight
			nextDay := time.Weekday((int(window.DayOfWeek) + 1) % 7)
			if window.DayOfWeek == weekday && minuteOfDay >= start {
				return true
			}
			if nextDay == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if window.DayOfWeek == weekday && minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	return false
}

// CampaignStats aggregates live task counts for a campaign.
type CampaignStats struct {
	Total    int64
	ByStatus map[TaskStatus]int64
}

// Count returns the number of tasks in status s.
func (s CampaignStats) Count(st TaskStatus) int64 {
	return s.ByStatus[st]
}

// Outstanding counts tasks that still need engine or operator attention.
func (s CampaignStats) Outstanding() int64 {
	return s.Count(TaskStatusPending) + s.Count(TaskStatusCalling) +
		s.Count(TaskStatusAnswered) + s.Count(TaskStatusRetryPending)
}

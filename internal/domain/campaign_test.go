package domain

import (
	"testing"
	"time"
)

func TestInBusinessHours(t *testing.T) {
	campaign := &Campaign{
		TimeZone: "UTC",
		BusinessHours: []BusinessHourWindow{
			{
				DayOfWeek: time.Monday,
				Start:     time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
				End:       time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
			},
		},
	}

	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !campaign.InBusinessHours(mondayMorning) {
		t.Fatalf("expected %v to be within business hours", mondayMorning)
	}

	mondayNight := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	if campaign.InBusinessHours(mondayNight) {
		t.Fatalf("expected %v to be outside business hours", mondayNight)
	}

	tuesdayMorning := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if campaign.InBusinessHours(tuesdayMorning) {
		t.Fatalf("expected %v to be outside business hours (wrong day)", tuesdayMorning)
	}
}

func TestInBusinessHoursSpanningMidnight(t *testing.T) {
	campaign := &Campaign{
		TimeZone: "UTC",
		BusinessHours: []BusinessHourWindow{
			{
				DayOfWeek: time.Monday,
				Start:     time.Date(0, 1, 1, 22, 0, 0, 0, time.UTC),
				End:       time.Date(0, 1, 1, 2, 0, 0, 0, time.UTC),
			},
		},
	}

	night := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	if !campaign.InBusinessHours(night) {
		t.Fatalf("expected %v to be within cross-midnight window", night)
	}

	earlyMorning := time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)
	if !campaign.InBusinessHours(earlyMorning) {
		t.Fatalf("expected %v to be within cross-midnight window", earlyMorning)
	}

	tuesdayLate := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	if campaign.InBusinessHours(tuesdayLate) {
		t.Fatalf("expected %v to be outside cross-midnight window", tuesdayLate)
	}
}

func TestInBusinessHoursUsesCampaignZone(t *testing.T) {
	campaign := &Campaign{
		TimeZone: "America/New_York",
		BusinessHours: []BusinessHourWindow{
			{
				DayOfWeek: time.Monday,
				Start:     time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
				End:       time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
			},
		},
	}

	// 15:00 UTC is 10:00 in New York during January.
	if !campaign.InBusinessHours(time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)) {
		t.Fatal("expected local morning to be inside the window")
	}
	// 10:00 UTC is 05:00 in New York.
	if campaign.InBusinessHours(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatal("expected local early morning to be outside the window")
	}
}

func TestCallerIDFallsBackToOperatorExtension(t *testing.T) {
	c := &Campaign{OperatorExtension: "2001"}
	if c.CallerIDFor() != "2001" {
		t.Fatalf("expected operator extension, got %q", c.CallerIDFor())
	}
	c.CallerID = "+15550100"
	if c.CallerIDFor() != "+15550100" {
		t.Fatalf("expected override, got %q", c.CallerIDFor())
	}
}

package calsync

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
)

func TestMapperToLocalRejectsMissingInstants(t *testing.T) {
	var mapper Mapper

	cases := []struct {
		name  string
		event *calendar.Event
	}{
		{"nil event", nil},
		{"no start", &calendar.Event{Id: "e1", End: &calendar.EventDateTime{DateTime: "2026-09-01T11:00:00Z"}}},
		{"no end", &calendar.Event{Id: "e2", Start: &calendar.EventDateTime{DateTime: "2026-09-01T10:00:00Z"}}},
		{"date only", &calendar.Event{
			Id:    "e3",
			Start: &calendar.EventDateTime{Date: "2026-09-01"},
			End:   &calendar.EventDateTime{Date: "2026-09-02"},
		}},
		{"garbage start", &calendar.Event{
			Id:    "e4",
			Start: &calendar.EventDateTime{DateTime: "not a time"},
			End:   &calendar.EventDateTime{DateTime: "2026-09-01T11:00:00Z"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mapper.ToLocal(tc.event)
			if !errors.Is(err, ErrInvalidExternalEvent) {
				t.Fatalf("expected ErrInvalidExternalEvent, got %v", err)
			}
		})
	}
}

func TestMapperToLocalFillsDefaults(t *testing.T) {
	var mapper Mapper
	input, err := mapper.ToLocal(&calendar.Event{
		Id:    "ext-1",
		Start: &calendar.EventDateTime{DateTime: "2026-09-01T10:00:00Z"},
		End:   &calendar.EventDateTime{DateTime: "2026-09-01T11:00:00Z"},
		Recurrence: []string{
			"RRULE:FREQ=WEEKLY;BYDAY=MO",
			"RRULE:FREQ=DAILY",
		},
	})
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}
	if input.Title != DefaultEventTitle {
		t.Fatalf("expected placeholder title, got %q", input.Title)
	}
	if input.ExternalID != "ext-1" {
		t.Fatalf("expected mapping to ext-1, got %q", input.ExternalID)
	}
	if input.Recurrence != "RRULE:FREQ=WEEKLY;BYDAY=MO" {
		t.Fatalf("expected first recurrence rule only, got %q", input.Recurrence)
	}
}

func TestMapperRoundTripPreservesContent(t *testing.T) {
	var mapper Mapper
	local := LocalEvent{
		ID:          "local-1",
		Title:       "Team Sync",
		Description: "weekly standup",
		StartTime:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
		Location:    "Room 4",
		Recurrence:  "RRULE:FREQ=WEEKLY",
	}
	external := mapper.ToExternal(local)
	external.Id = "ext-9"

	back, err := mapper.ToLocal(external)
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}
	if back.Title != local.Title || back.Description != local.Description || back.Location != local.Location {
		t.Fatalf("content changed in round trip: %+v", back)
	}
	if !back.StartTime.Equal(local.StartTime) || !back.EndTime.Equal(local.EndTime) {
		t.Fatalf("instants changed in round trip: start=%v end=%v", back.StartTime, back.EndTime)
	}
	if back.Recurrence != local.Recurrence {
		t.Fatalf("recurrence changed in round trip: %q", back.Recurrence)
	}
}

func TestNormalizeRecurrenceRuleDropsInvalid(t *testing.T) {
	if got := normalizeRecurrenceRule("RRULE:FREQ=BOGUS"); got != "" {
		t.Fatalf("expected invalid rule dropped, got %q", got)
	}
	if got := normalizeRecurrenceRule("FREQ=DAILY;COUNT=3"); got != "RRULE:FREQ=DAILY;COUNT=3" {
		t.Fatalf("expected prefix added to bare rule, got %q", got)
	}
}

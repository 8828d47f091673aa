package calsync

import (
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
)

func TestDetectOverlappingDuplicate(t *testing.T) {
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-1",
		UserID:    "u1",
		Title:     "Team Sync",
		StartTime: at(t, "2026-09-01T10:00:00Z"),
		EndTime:   at(t, "2026-09-01T11:00:00Z"),
	}}
	external := externalEvent("ext-1", "team sync",
		at(t, "2026-09-01T10:15:00Z"), at(t, "2026-09-01T10:45:00Z"))

	conflicts := d.Detect("u1", local, []*calendar.Event{external}, nil)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate reason, got %q", c.Reason)
	}
	if c.LocalEventID != "local-1" || c.ExternalEventID != "ext-1" {
		t.Fatalf("wrong pair: %s / %s", c.LocalEventID, c.ExternalEventID)
	}
	if c.LocalSnapshot == nil || c.ExternalSnapshot == nil {
		t.Fatalf("expected both snapshots captured")
	}
}

func TestDetectNoOverlapNoConflict(t *testing.T) {
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-1",
		Title:     "Team Sync",
		StartTime: at(t, "2026-09-01T10:00:00Z"),
		EndTime:   at(t, "2026-09-01T11:00:00Z"),
	}}
	external := externalEvent("ext-1", "Team Sync",
		at(t, "2026-09-01T12:00:00Z"), at(t, "2026-09-01T13:00:00Z"))

	if got := d.Detect("u1", local, []*calendar.Event{external}, nil); len(got) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(got))
	}
}

func TestDetectTouchingBoundariesConflict(t *testing.T) {
	// Closed intervals: an event ending exactly when the other starts still
	// overlaps.
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-1",
		Title:     "Handoff",
		StartTime: at(t, "2026-09-01T10:00:00Z"),
		EndTime:   at(t, "2026-09-01T11:00:00Z"),
	}}
	external := externalEvent("ext-1", "Handoff",
		at(t, "2026-09-01T11:00:00Z"), at(t, "2026-09-01T12:00:00Z"))

	if got := d.Detect("u1", local, []*calendar.Event{external}, nil); len(got) != 1 {
		t.Fatalf("expected boundary touch to conflict, got %d records", len(got))
	}
}

func TestDetectSkipsMappedPairs(t *testing.T) {
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:         "local-1",
		Title:      "Team Sync",
		ExternalID: "ext-1",
		StartTime:  at(t, "2026-09-01T10:00:00Z"),
		EndTime:    at(t, "2026-09-01T11:00:00Z"),
	}}
	external := externalEvent("ext-1", "Team Sync",
		at(t, "2026-09-01T10:00:00Z"), at(t, "2026-09-01T11:00:00Z"))

	if got := d.Detect("u1", local, []*calendar.Event{external}, nil); len(got) != 0 {
		t.Fatalf("mapped pair must not conflict, got %d records", len(got))
	}
}

func TestDetectSkipsIdsInMappingSet(t *testing.T) {
	// The mapping set can name external ids whose local copy lies outside the
	// windowed slice; those are reconciled, not conflicting.
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-2",
		Title:     "Team Sync",
		StartTime: at(t, "2026-09-01T10:00:00Z"),
		EndTime:   at(t, "2026-09-01T11:00:00Z"),
	}}
	external := externalEvent("ext-1", "Team Sync",
		at(t, "2026-09-01T10:00:00Z"), at(t, "2026-09-01T11:00:00Z"))

	got := d.Detect("u1", local, []*calendar.Event{external}, map[string]bool{"ext-1": true})
	if len(got) != 0 {
		t.Fatalf("externally mapped id must not conflict, got %d records", len(got))
	}
}

func TestDetectIdenticalPairReportsMissingMapping(t *testing.T) {
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-1",
		Title:     "Team Sync",
		StartTime: at(t, "2026-09-01T10:00:00Z"),
		EndTime:   at(t, "2026-09-01T11:00:00Z"),
	}}
	external := externalEvent("ext-1", "Team Sync",
		at(t, "2026-09-01T10:00:00Z"), at(t, "2026-09-01T11:00:00Z"))

	got := d.Detect("u1", local, []*calendar.Event{external}, nil)
	if len(got) != 1 || got[0].Reason != ReasonMissingMapping {
		t.Fatalf("identical unmapped pair must read as a missing mapping, got %+v", got)
	}
}

func TestDetectLocationOnlyMatch(t *testing.T) {
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-1",
		Title:     "Planning",
		Location:  "Room 4",
		StartTime: at(t, "2026-09-01T10:00:00Z"),
		EndTime:   at(t, "2026-09-01T11:00:00Z"),
	}}
	external := externalEvent("ext-1", "Budget review",
		at(t, "2026-09-01T10:30:00Z"), at(t, "2026-09-01T11:30:00Z"))
	external.Location = "Room 4"

	got := d.Detect("u1", local, []*calendar.Event{external}, nil)
	if len(got) != 1 || got[0].Reason != ReasonTimeOverlap {
		t.Fatalf("expected one time-overlap record, got %+v", got)
	}
}

func TestDetectReportsEveryPassingPair(t *testing.T) {
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-1",
		Title:     "Standup",
		StartTime: at(t, "2026-09-01T09:00:00Z"),
		EndTime:   at(t, "2026-09-01T09:30:00Z"),
	}}
	external := []*calendar.Event{
		externalEvent("ext-1", "Standup", at(t, "2026-09-01T09:00:00Z"), at(t, "2026-09-01T09:15:00Z")),
		externalEvent("ext-2", "Standup", at(t, "2026-09-01T09:10:00Z"), at(t, "2026-09-01T09:30:00Z")),
	}

	if got := d.Detect("u1", local, external, nil); len(got) != 2 {
		t.Fatalf("expected one record per passing pair, got %d", len(got))
	}
}

func TestDetectIgnoresUnparsableExternal(t *testing.T) {
	d := NewConflictDetector()
	local := []LocalEvent{{
		ID:        "local-1",
		Title:     "Standup",
		StartTime: at(t, "2026-09-01T09:00:00Z"),
		EndTime:   at(t, "2026-09-01T09:30:00Z"),
	}}
	broken := externalEvent("ext-1", "Standup", time.Time{}, time.Time{})
	broken.Start = nil
	broken.End = nil

	if got := d.Detect("u1", local, []*calendar.Event{broken}, nil); len(got) != 0 {
		t.Fatalf("unparsable event must be skipped, got %d records", len(got))
	}
}

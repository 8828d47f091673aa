package calsync

import (
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

// ConflictDetector pairs unmapped local events with unmapped external events
// that plausibly describe the same real-world event. The pass is O(L·E);
// sync windows are bounded so both sets stay small.
//
// A pair conflicts iff the closed intervals overlap AND the events are
// similar (equal case-insensitive titles, or equal non-empty locations).
// Already-mapped pairs are reconciled, not conflicting, and are skipped.
// One local event overlapping several external candidates yields one record
// per passing pair; nothing is suppressed.
type ConflictDetector struct {
	now func() time.Time
}

func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{now: time.Now}
}

// Detect returns unpersisted conflict candidates for the user. Mapped ids on
// either side exclude the event from consideration; mappedExternal carries the
// user's full mapping set, which may name external ids whose local copy lies
// outside the windowed slice.
func (d *ConflictDetector) Detect(userID string, local []LocalEvent, external []*calendar.Event, mappedExternal map[string]bool) []ConflictRecord {
	if mappedExternal == nil {
		mappedExternal = map[string]bool{}
	}
	for _, ev := range local {
		if ev.ExternalID != "" {
			mappedExternal[ev.ExternalID] = true
		}
	}

	detectedAt := d.now().UTC()
	var conflicts []ConflictRecord
	for i := range local {
		le := local[i]
		if le.ExternalID != "" {
			continue
		}
		for _, ee := range external {
			if ee == nil || ee.Id == "" || mappedExternal[ee.Id] {
				continue
			}
			start, end, ok := externalInterval(ee)
			if !ok {
				continue
			}
			if !intervalsOverlap(le.StartTime, le.EndTime, start, end) {
				continue
			}
			reason, similar := similarity(le, ee)
			if !similar {
				continue
			}
			// Same title at the exact same instants is the signature of a
			// mapping that went missing, not of a mere duplicate.
			if reason == ReasonDuplicate && le.StartTime.Equal(start) && le.EndTime.Equal(end) {
				reason = ReasonMissingMapping
			}
			snapshot := le
			conflicts = append(conflicts, ConflictRecord{
				UserID:           userID,
				LocalEventID:     le.ID,
				ExternalEventID:  ee.Id,
				Reason:           reason,
				LocalSnapshot:    &snapshot,
				ExternalSnapshot: ee,
				DetectedAt:       detectedAt,
			})
		}
	}
	return conflicts
}

// intervalsOverlap tests closed-interval overlap, symmetric in its
// arguments: aStart <= bEnd AND bStart <= aEnd.
func intervalsOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

func similarity(le LocalEvent, ee *calendar.Event) (ConflictReason, bool) {
	if strings.EqualFold(strings.TrimSpace(le.Title), strings.TrimSpace(ee.Summary)) && strings.TrimSpace(le.Title) != "" {
		return ReasonDuplicate, true
	}
	localLoc := strings.TrimSpace(le.Location)
	if localLoc != "" && localLoc == strings.TrimSpace(ee.Location) {
		return ReasonTimeOverlap, true
	}
	return "", false
}

func externalInterval(ev *calendar.Event) (time.Time, time.Time, bool) {
	start, err := parseEventInstant(ev.Start)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := parseEventInstant(ev.End)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

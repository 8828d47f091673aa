package calsync

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"google.golang.org/api/calendar/v3"
)

// DefaultEventTitle is substituted when the provider side has no summary.
const DefaultEventTitle = "(untitled event)"

// Mapper translates between the local event representation and the
// provider's. Both directions are pure; no I/O happens here. Provider events
// are validated once at this boundary and trusted downstream.
type Mapper struct{}

// ToExternal renders a local event as provider input. The event id is left
// empty; create/update calls address the provider copy separately.
func (Mapper) ToExternal(ev LocalEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.StartTime.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.EndTime.Format(time.RFC3339)},
	}
	if rule := normalizeRecurrenceRule(ev.Recurrence); rule != "" {
		out.Recurrence = []string{rule}
	}
	return out
}

// ToLocal converts a provider event into local-store input. Events without
// both a start and an end instant are rejected; date-only (all-day) events
// fall under that rule in this version. A missing summary gets a fixed
// placeholder, and only the first recurrence rule is carried.
func (Mapper) ToLocal(ev *calendar.Event) (LocalEventInput, error) {
	if ev == nil {
		return LocalEventInput{}, &InvalidEventError{Reason: "nil event"}
	}
	start, err := parseEventInstant(ev.Start)
	if err != nil {
		return LocalEventInput{}, &InvalidEventError{ExternalID: ev.Id, Reason: "missing or unparsable start: " + err.Error()}
	}
	end, err := parseEventInstant(ev.End)
	if err != nil {
		return LocalEventInput{}, &InvalidEventError{ExternalID: ev.Id, Reason: "missing or unparsable end: " + err.Error()}
	}

	title := strings.TrimSpace(ev.Summary)
	if title == "" {
		title = DefaultEventTitle
	}

	input := LocalEventInput{
		Title:       title,
		Description: ev.Description,
		StartTime:   start,
		EndTime:     end,
		Location:    ev.Location,
		ExternalID:  ev.Id,
	}
	if len(ev.Recurrence) > 0 {
		input.Recurrence = normalizeRecurrenceRule(ev.Recurrence[0])
	}
	return input, nil
}

type missingInstantError struct{ what string }

func (e *missingInstantError) Error() string { return e.what }

func parseEventInstant(dt *calendar.EventDateTime) (time.Time, error) {
	if dt == nil || strings.TrimSpace(dt.DateTime) == "" {
		return time.Time{}, &missingInstantError{what: "no dateTime value"}
	}
	return time.Parse(time.RFC3339, dt.DateTime)
}

// normalizeRecurrenceRule validates a single RRULE string and returns it in
// the provider's "RRULE:"-prefixed form. Unparsable rules are dropped rather
// than forwarded to either store.
func normalizeRecurrenceRule(rule string) string {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return ""
	}
	body := strings.TrimPrefix(rule, "RRULE:")
	if _, err := rrule.StrToRRule(body); err != nil {
		return ""
	}
	return "RRULE:" + body
}

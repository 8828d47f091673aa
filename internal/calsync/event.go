package calsync

import (
	"time"

	"google.golang.org/api/calendar/v3"
)

const ProviderGoogle = "google"

// TimeWindow bounds a sync pass. Both ends are inclusive.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

const (
	DefaultWindowPastDays   = 30
	DefaultWindowFutureDays = 90
)

// DefaultSyncWindow returns the conventional bounded window around now:
// 30 days back, 90 days forward.
func DefaultSyncWindow(now time.Time) TimeWindow {
	return TimeWindow{
		Start: now.AddDate(0, 0, -DefaultWindowPastDays),
		End:   now.AddDate(0, 0, DefaultWindowFutureDays),
	}
}

func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// LocalEvent is an event row in the authoritative local store. An empty
// ExternalID means the event is provider-unaware.
type LocalEvent struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"allDay,omitempty"`
	Recurrence  string    `json:"recurrence,omitempty"`
	ExternalID  string    `json:"externalId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LocalEventInput is the writable subset of LocalEvent used on create and
// update.
type LocalEventInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"allDay,omitempty"`
	Recurrence  string    `json:"recurrence,omitempty"`
	ExternalID  string    `json:"externalId,omitempty"`
}

// EventMapping is the 1:1 link between a local event and its provider copy.
type EventMapping struct {
	LocalEventID    string `json:"localEventId"`
	ExternalEventID string `json:"externalEventId"`
}

type ConflictReason string

const (
	ReasonDuplicate      ConflictReason = "duplicate"
	ReasonTimeOverlap    ConflictReason = "time-overlap"
	ReasonMissingMapping ConflictReason = "missing-mapping"
)

// ResolutionManual marks a conflict resolved by an explicit user decision
// with no store mutation on either side.
const ResolutionManual = "manual"

// ConflictRecord is the audit row for a detected local/external pair.
// Records are never deleted; resolution flips Resolved and stamps
// ResolvedAt.
type ConflictRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	LocalEventID     string          `json:"localEventId,omitempty"`
	ExternalEventID  string          `json:"externalEventId,omitempty"`
	Reason           ConflictReason  `json:"reason"`
	Strategy         StrategyName    `json:"strategy,omitempty"`
	Resolved         bool            `json:"resolved"`
	Resolution       string          `json:"resolution,omitempty"`
	LocalSnapshot    *LocalEvent     `json:"localSnapshot,omitempty"`
	ExternalSnapshot *calendar.Event `json:"externalSnapshot,omitempty"`
	DetectedAt       time.Time       `json:"detectedAt"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
}

// WebhookChannel is a push-notification subscription registered with the
// provider. Channels are deactivated, never deleted, so the history stays
// auditable.
type WebhookChannel struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	CalendarID  string     `json:"calendarId"`
	ChannelID   string     `json:"channelId"`
	ResourceID  string     `json:"resourceId,omitempty"`
	ResourceURI string     `json:"resourceUri,omitempty"`
	Token       string     `json:"-"`
	Expiration  time.Time  `json:"expiration"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty"`
}

// Credential holds one user's OAuth grant for one provider.
type Credential struct {
	UserID       string    `json:"userId"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope,omitempty"`
	SyncEnabled  bool      `json:"syncEnabled"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type SyncRunStatus string

const (
	RunCompleted    SyncRunStatus = "completed"
	RunFailed       SyncRunStatus = "failed"
	RunDisconnected SyncRunStatus = "disconnected"
)

// SyncRun is one line of the append-only sync log.
type SyncRun struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Status        SyncRunStatus `json:"status"`
	ExternalCount int           `json:"externalCount"`
	LocalCount    int           `json:"localCount"`
	ImportedCount int           `json:"importedCount"`
	ConflictCount int           `json:"conflictCount"`
	Errors        []string      `json:"errors,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt"`
}

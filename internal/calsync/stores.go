package calsync

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"
)

// LocalStore is the authoritative event database. Failures here are fatal to
// the operation that hit them; the local side is never best-effort.
type LocalStore interface {
	ListEvents(ctx context.Context, userID string, window TimeWindow) ([]LocalEvent, error)
	GetEvent(ctx context.Context, userID, eventID string) (LocalEvent, error)
	CreateEvent(ctx context.Context, userID string, input LocalEventInput) (LocalEvent, error)
	UpdateEvent(ctx context.Context, userID, eventID string, input LocalEventInput) (LocalEvent, error)
	DeleteEvent(ctx context.Context, userID, eventID string) error
	SetExternalID(ctx context.Context, userID, eventID, externalID string) error
	// ClearExternalIDs removes every mapping for the user without touching
	// any other field. Returns the number of events cleared.
	ClearExternalIDs(ctx context.Context, userID string) (int, error)
	ListMappings(ctx context.Context, userID string) ([]EventMapping, error)
}

type CredentialStore interface {
	Find(ctx context.Context, userID, provider string) (Credential, error)
	Upsert(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, userID, provider string) error
}

type ConflictStore interface {
	Insert(ctx context.Context, record ConflictRecord) (ConflictRecord, error)
	Get(ctx context.Context, userID, conflictID string) (ConflictRecord, error)
	// List returns the user's conflicts, optionally filtered by resolution
	// state. A nil filter returns everything.
	List(ctx context.Context, userID string, resolved *bool) ([]ConflictRecord, error)
	MarkResolved(ctx context.Context, userID, conflictID, resolution string, at time.Time) error
}

type ChannelStore interface {
	Insert(ctx context.Context, ch WebhookChannel) (WebhookChannel, error)
	Get(ctx context.Context, userID, channelID string) (WebhookChannel, error)
	FindActive(ctx context.Context, userID, calendarID string) (WebhookChannel, error)
	FindByChannelID(ctx context.Context, channelID string) (WebhookChannel, error)
	ListByUser(ctx context.Context, userID string) ([]WebhookChannel, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]WebhookChannel, error)
	Deactivate(ctx context.Context, channelID string, at time.Time) error
}

type SyncRunStore interface {
	Append(ctx context.Context, run SyncRun) (SyncRun, error)
	Latest(ctx context.Context, userID string) (SyncRun, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]SyncRun, error)
}

// ChannelSpec is the watch registration sent to the provider.
type ChannelSpec struct {
	ChannelID  string
	Token      string
	Address    string
	Expiration time.Time
}

// ProviderClient is the low-level provider API surface. Every call takes the
// caller's current access token so the authorized client underneath is
// request-scoped; no credential is ever shared across users.
type ProviderClient interface {
	ListEvents(ctx context.Context, accessToken, calendarID string, window TimeWindow) ([]*calendar.Event, error)
	CreateEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
	Watch(ctx context.Context, accessToken, calendarID string, spec ChannelSpec) (*calendar.Channel, error)
	StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error
}

// Stores bundles the persistent collaborators behind one DSN.
type Stores struct {
	Local       LocalStore
	Credentials CredentialStore
	Conflicts   ConflictStore
	Channels    ChannelStore
	Runs        SyncRunStore

	closeFn func() error
}

func (s *Stores) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

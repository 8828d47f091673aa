package calsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryStores builds the full store bundle backed by in-process maps.
// Used by tests and the memory:// profile.
func NewMemoryStores() *Stores {
	return &Stores{
		Local:       NewMemoryLocalStore(),
		Credentials: NewMemoryCredentialStore(),
		Conflicts:   NewMemoryConflictStore(),
		Channels:    NewMemoryChannelStore(),
		Runs:        NewMemorySyncRunStore(),
	}
}

type MemoryLocalStore struct {
	mu      sync.Mutex
	events  map[string]LocalEvent
	deleted map[string]bool
	now     func() time.Time
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{
		events:  map[string]LocalEvent{},
		deleted: map[string]bool{},
		now:     time.Now,
	}
}

func (s *MemoryLocalStore) ListEvents(ctx context.Context, userID string, window TimeWindow) ([]LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalEvent
	for id, ev := range s.events {
		if s.deleted[id] || ev.UserID != userID {
			continue
		}
		if !window.Start.IsZero() && ev.EndTime.Before(window.Start) {
			continue
		}
		if !window.End.IsZero() && ev.StartTime.After(window.End) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemoryLocalStore) GetEvent(ctx context.Context, userID, eventID string) (LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok || s.deleted[eventID] || ev.UserID != userID {
		return LocalEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *MemoryLocalStore) CreateEvent(ctx context.Context, userID string, input LocalEventInput) (LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	ev := LocalEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       input.Title,
		Description: input.Description,
		StartTime:   input.StartTime,
		EndTime:     input.EndTime,
		Location:    input.Location,
		AllDay:      input.AllDay,
		Recurrence:  input.Recurrence,
		ExternalID:  input.ExternalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.events[ev.ID] = ev
	return ev, nil
}

func (s *MemoryLocalStore) UpdateEvent(ctx context.Context, userID, eventID string, input LocalEventInput) (LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok || s.deleted[eventID] || ev.UserID != userID {
		return LocalEvent{}, ErrNotFound
	}
	ev.Title = input.Title
	ev.Description = input.Description
	ev.StartTime = input.StartTime
	ev.EndTime = input.EndTime
	ev.Location = input.Location
	ev.AllDay = input.AllDay
	ev.Recurrence = input.Recurrence
	ev.ExternalID = input.ExternalID
	ev.UpdatedAt = s.now().UTC()
	s.events[eventID] = ev
	return ev, nil
}

func (s *MemoryLocalStore) DeleteEvent(ctx context.Context, userID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok || s.deleted[eventID] || ev.UserID != userID {
		return ErrNotFound
	}
	s.deleted[eventID] = true
	return nil
}

func (s *MemoryLocalStore) SetExternalID(ctx context.Context, userID, eventID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok || s.deleted[eventID] || ev.UserID != userID {
		return ErrNotFound
	}
	ev.ExternalID = externalID
	ev.UpdatedAt = s.now().UTC()
	s.events[eventID] = ev
	return nil
}

func (s *MemoryLocalStore) ClearExternalIDs(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := 0
	for id, ev := range s.events {
		if ev.UserID != userID || ev.ExternalID == "" {
			continue
		}
		ev.ExternalID = ""
		ev.UpdatedAt = s.now().UTC()
		s.events[id] = ev
		cleared++
	}
	return cleared, nil
}

func (s *MemoryLocalStore) ListMappings(ctx context.Context, userID string) ([]EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventMapping
	for id, ev := range s.events {
		if s.deleted[id] || ev.UserID != userID || ev.ExternalID == "" {
			continue
		}
		out = append(out, EventMapping{LocalEventID: ev.ID, ExternalEventID: ev.ExternalID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalEventID < out[j].LocalEventID })
	return out, nil
}

type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: map[string]Credential{}}
}

func credentialKey(userID, provider string) string {
	return userID + "|" + provider
}

func (s *MemoryCredentialStore) Find(ctx context.Context, userID, provider string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[credentialKey(userID, provider)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *MemoryCredentialStore) Upsert(ctx context.Context, cred Credential) error {
	if cred.UserID == "" || cred.Provider == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[credentialKey(cred.UserID, cred.Provider)] = cred
	return nil
}

func (s *MemoryCredentialStore) Delete(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, credentialKey(userID, provider))
	return nil
}

type MemoryConflictStore struct {
	mu      sync.Mutex
	records map[string]ConflictRecord
	order   []string
}

func NewMemoryConflictStore() *MemoryConflictStore {
	return &MemoryConflictStore{records: map[string]ConflictRecord{}}
}

func (s *MemoryConflictStore) Insert(ctx context.Context, record ConflictRecord) (ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	s.records[record.ID] = record
	s.order = append(s.order, record.ID)
	return record, nil
}

func (s *MemoryConflictStore) Get(ctx context.Context, userID, conflictID string) (ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[conflictID]
	if !ok || record.UserID != userID {
		return ConflictRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryConflictStore) List(ctx context.Context, userID string, resolved *bool) ([]ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ConflictRecord
	for _, id := range s.order {
		record := s.records[id]
		if record.UserID != userID {
			continue
		}
		if resolved != nil && record.Resolved != *resolved {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *MemoryConflictStore) MarkResolved(ctx context.Context, userID, conflictID, resolution string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[conflictID]
	if !ok || record.UserID != userID {
		return ErrNotFound
	}
	record.Resolved = true
	record.Resolution = resolution
	record.ResolvedAt = &at
	s.records[conflictID] = record
	return nil
}

type MemoryChannelStore struct {
	mu       sync.Mutex
	channels map[string]WebhookChannel
	order    []string
}

func NewMemoryChannelStore() *MemoryChannelStore {
	return &MemoryChannelStore{channels: map[string]WebhookChannel{}}
}

func (s *MemoryChannelStore) Insert(ctx context.Context, ch WebhookChannel) (WebhookChannel, error) {
	if ch.ChannelID == "" {
		return WebhookChannel{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	s.channels[ch.ChannelID] = ch
	s.order = append(s.order, ch.ChannelID)
	return ch, nil
}

func (s *MemoryChannelStore) Get(ctx context.Context, userID, channelID string) (WebhookChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok || ch.UserID != userID {
		return WebhookChannel{}, ErrNotFound
	}
	return ch, nil
}

func (s *MemoryChannelStore) FindActive(ctx context.Context, userID, calendarID string) (WebhookChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		ch := s.channels[id]
		if ch.UserID == userID && ch.CalendarID == calendarID && ch.Active {
			return ch, nil
		}
	}
	return WebhookChannel{}, ErrNotFound
}

func (s *MemoryChannelStore) FindByChannelID(ctx context.Context, channelID string) (WebhookChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return WebhookChannel{}, ErrNotFound
	}
	return ch, nil
}

func (s *MemoryChannelStore) ListByUser(ctx context.Context, userID string) ([]WebhookChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WebhookChannel
	for _, id := range s.order {
		if ch := s.channels[id]; ch.UserID == userID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *MemoryChannelStore) ListExpired(ctx context.Context, asOf time.Time) ([]WebhookChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WebhookChannel
	for _, id := range s.order {
		if ch := s.channels[id]; ch.Active && ch.Expiration.Before(asOf) {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *MemoryChannelStore) Deactivate(ctx context.Context, channelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	ch.Active = false
	ch.StoppedAt = &at
	s.channels[channelID] = ch
	return nil
}

type MemorySyncRunStore struct {
	mu   sync.Mutex
	runs []SyncRun
}

func NewMemorySyncRunStore() *MemorySyncRunStore {
	return &MemorySyncRunStore{}
}

func (s *MemorySyncRunStore) Append(ctx context.Context, run SyncRun) (SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.runs = append(s.runs, run)
	return run, nil
}

func (s *MemorySyncRunStore) Latest(ctx context.Context, userID string) (SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].UserID == userID {
			return s.runs[i], nil
		}
	}
	return SyncRun{}, ErrNotFound
}

func (s *MemorySyncRunStore) ListByUser(ctx context.Context, userID string, limit int) ([]SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SyncRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].UserID != userID {
			continue
		}
		out = append(out, s.runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

package calsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Eligibility reasons reported by the sync gate when a provider-side
// mutation is skipped.
const (
	SkipNotConnected   = "provider not connected"
	SkipSyncDisabled   = "sync disabled"
	SkipTokenUnusable  = "access token unavailable"
	SkipNoMapping      = "no external mapping"
	SkipProviderFailed = "provider call failed"
)

// MutationResult reports what happened on the external side of a local
// mutation. Synced is false whenever the provider copy was not touched;
// Reason says why.
type MutationResult struct {
	Event  LocalEvent `json:"event"`
	Synced bool       `json:"synced"`
	Reason string     `json:"reason,omitempty"`
}

// PullResult summarizes a bounded pull from the provider.
type PullResult struct {
	Fetched  int      `json:"fetched"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// IncrementalSyncOptions wires the per-mutation sync service.
type IncrementalSyncOptions struct {
	Local      LocalStore
	Provider   ProviderClient
	Broker     *TokenBroker
	Runs       SyncRunStore
	Leases     *RunLeases
	CalendarID string
	Now        func() time.Time
}

// IncrementalSync propagates single local mutations to the provider. The
// local mutation always happens first and is never rolled back because of
// an external failure; the provider side is best-effort behind the
// eligibility gate (connected AND sync-enabled AND, for update/delete, a
// known mapping).
type IncrementalSync struct {
	local      LocalStore
	provider   ProviderClient
	broker     *TokenBroker
	runs       SyncRunStore
	leases     *RunLeases
	mapper     Mapper
	calendarID string
	now        func() time.Time
}

func NewIncrementalSync(opts IncrementalSyncOptions) *IncrementalSync {
	calendarID := opts.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	leases := opts.Leases
	if leases == nil {
		leases = NewRunLeases(0)
	}
	return &IncrementalSync{
		local:      opts.Local,
		provider:   opts.Provider,
		broker:     opts.Broker,
		runs:       opts.Runs,
		leases:     leases,
		calendarID: calendarID,
		now:        now,
	}
}

// eligibility runs the sync gate. It returns the access token to use and,
// when the gate fails, the reason the external side is being skipped.
func (s *IncrementalSync) eligibility(ctx context.Context, userID string) (string, string) {
	if !s.broker.IsConnected(ctx, userID) {
		return "", SkipNotConnected
	}
	if !s.broker.SyncEnabled(ctx, userID) {
		return "", SkipSyncDisabled
	}
	token, ok := s.broker.GetValidAccessToken(ctx, userID)
	if !ok {
		return "", SkipTokenUnusable
	}
	return token, ""
}

// CreateEvent inserts locally, then creates the provider copy if eligible
// and records the mapping on success.
func (s *IncrementalSync) CreateEvent(ctx context.Context, userID string, input LocalEventInput) (MutationResult, error) {
	ev, err := s.local.CreateEvent(ctx, userID, input)
	if err != nil {
		return MutationResult{}, fmt.Errorf("create local event: %w", err)
	}
	token, reason := s.eligibility(ctx, userID)
	if reason != "" {
		return MutationResult{Event: ev, Reason: reason}, nil
	}
	created, err := s.provider.CreateEvent(ctx, token, s.calendarID, s.mapper.ToExternal(ev))
	if err != nil {
		log.Printf("provider create for user %s event %s: %v", userID, ev.ID, err)
		return MutationResult{Event: ev, Reason: SkipProviderFailed}, nil
	}
	if err := s.local.SetExternalID(ctx, userID, ev.ID, created.Id); err != nil {
		return MutationResult{Event: ev, Synced: true}, fmt.Errorf("record mapping: %w", err)
	}
	ev.ExternalID = created.Id
	return MutationResult{Event: ev, Synced: true}, nil
}

// UpdateEvent updates locally, then pushes the new data onto the mapped
// provider copy if one exists and the gate passes.
func (s *IncrementalSync) UpdateEvent(ctx context.Context, userID, eventID string, input LocalEventInput) (MutationResult, error) {
	current, err := s.local.GetEvent(ctx, userID, eventID)
	if err != nil {
		return MutationResult{}, err
	}
	input.ExternalID = current.ExternalID
	ev, err := s.local.UpdateEvent(ctx, userID, eventID, input)
	if err != nil {
		return MutationResult{}, fmt.Errorf("update local event: %w", err)
	}
	if ev.ExternalID == "" {
		return MutationResult{Event: ev, Reason: SkipNoMapping}, nil
	}
	token, reason := s.eligibility(ctx, userID)
	if reason != "" {
		return MutationResult{Event: ev, Reason: reason}, nil
	}
	if _, err := s.provider.UpdateEvent(ctx, token, s.calendarID, ev.ExternalID, s.mapper.ToExternal(ev)); err != nil {
		log.Printf("provider update for user %s event %s: %v", userID, ev.ID, err)
		return MutationResult{Event: ev, Reason: SkipProviderFailed}, nil
	}
	return MutationResult{Event: ev, Synced: true}, nil
}

// DeleteEvent deletes locally, then deletes the mapped provider copy if one
// exists and the gate passes. The result reports whether the external
// deletion actually happened.
func (s *IncrementalSync) DeleteEvent(ctx context.Context, userID, eventID string) (MutationResult, error) {
	current, err := s.local.GetEvent(ctx, userID, eventID)
	if err != nil {
		return MutationResult{}, err
	}
	if err := s.local.DeleteEvent(ctx, userID, eventID); err != nil {
		return MutationResult{}, fmt.Errorf("delete local event: %w", err)
	}
	if current.ExternalID == "" {
		return MutationResult{Event: current, Reason: SkipNoMapping}, nil
	}
	token, reason := s.eligibility(ctx, userID)
	if reason != "" {
		return MutationResult{Event: current, Reason: reason}, nil
	}
	if err := s.provider.DeleteEvent(ctx, token, s.calendarID, current.ExternalID); err != nil {
		log.Printf("provider delete for user %s event %s: %v", userID, eventID, err)
		return MutationResult{Event: current, Reason: SkipProviderFailed}, nil
	}
	return MutationResult{Event: current, Synced: true}, nil
}

// Pull fetches provider events in the window and imports each valid,
// unmapped one as a new local event with its mapping. Per-event failures
// are collected, not fatal. The user's run lease is held for the duration;
// a pull concurrent with another run is rejected with ErrSyncInProgress.
func (s *IncrementalSync) Pull(ctx context.Context, userID, calendarID string, window TimeWindow) (PullResult, error) {
	token, ok := s.broker.GetValidAccessToken(ctx, userID)
	if !ok {
		return PullResult{}, ErrProviderNotConnected
	}
	if calendarID == "" {
		calendarID = s.calendarID
	}
	if !s.leases.Acquire(userID) {
		return PullResult{}, ErrSyncInProgress
	}
	defer s.leases.Release(userID)

	startedAt := s.now().UTC()
	external, err := s.provider.ListEvents(ctx, token, calendarID, window)
	if err != nil {
		s.appendPullRun(ctx, userID, RunFailed, PullResult{Errors: []string{err.Error()}}, startedAt)
		return PullResult{}, fmt.Errorf("fetch provider events: %w", err)
	}

	mappings, err := s.local.ListMappings(ctx, userID)
	if err != nil {
		s.appendPullRun(ctx, userID, RunFailed, PullResult{Errors: []string{err.Error()}}, startedAt)
		return PullResult{}, fmt.Errorf("list mappings: %w", err)
	}
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mapped[m.ExternalEventID] = true
	}

	result := PullResult{Fetched: len(external)}
	for _, ee := range external {
		if ee == nil || ee.Id == "" || mapped[ee.Id] {
			result.Skipped++
			continue
		}
		input, err := s.mapper.ToLocal(ee)
		if err != nil {
			result.Skipped++
			continue
		}
		if _, err := s.local.CreateEvent(ctx, userID, input); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("import external event %s: %v", ee.Id, err))
			continue
		}
		result.Imported++
	}
	s.appendPullRun(ctx, userID, RunCompleted, result, startedAt)
	return result, nil
}

func (s *IncrementalSync) appendPullRun(ctx context.Context, userID string, status SyncRunStatus, result PullResult, startedAt time.Time) {
	if s.runs == nil {
		return
	}
	run := SyncRun{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        status,
		ExternalCount: result.Fetched,
		ImportedCount: result.Imported,
		Errors:        result.Errors,
		StartedAt:     startedAt,
		FinishedAt:    s.now().UTC(),
	}
	if _, err := s.runs.Append(ctx, run); err != nil {
		log.Printf("append pull run for user %s: %v", userID, err)
	}
}

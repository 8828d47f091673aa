package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

// OrchestratorOptions wires the initial-sync coordinator. CalendarID
// defaults to the provider's primary calendar and the window to the
// conventional 30/90-day bounds.
type OrchestratorOptions struct {
	Local      LocalStore
	Provider   ProviderClient
	Broker     *TokenBroker
	Conflicts  ConflictStore
	Runs       SyncRunStore
	Leases     *RunLeases
	CalendarID string
	Window     func(now time.Time) TimeWindow
	Now        func() time.Time
}

// Orchestrator runs the full reconciliation pass: fetch both sides, detect
// conflicts, persist them, resolve them under the chosen strategy, import
// the remainder, and append the outcome to the sync log.
//
// Fetch and detect failures are fatal to the run and propagate after the
// run is recorded as failed. Everything after detection absorbs per-item
// failures into the run's error list so a pass always terminates.
type Orchestrator struct {
	local      LocalStore
	provider   ProviderClient
	broker     *TokenBroker
	conflicts  ConflictStore
	runs       SyncRunStore
	leases     *RunLeases
	mapper     Mapper
	detector   *ConflictDetector
	strategies map[StrategyName]Strategy
	calendarID string
	window     func(time.Time) TimeWindow
	now        func() time.Time
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	calendarID := opts.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	window := opts.Window
	if window == nil {
		window = DefaultSyncWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	leases := opts.Leases
	if leases == nil {
		leases = NewRunLeases(0)
	}
	return &Orchestrator{
		local:      opts.Local,
		provider:   opts.Provider,
		broker:     opts.Broker,
		conflicts:  opts.Conflicts,
		runs:       opts.Runs,
		leases:     leases,
		detector:   NewConflictDetector(),
		strategies: NewStrategySet(opts.Local, opts.Provider, Mapper{}),
		calendarID: calendarID,
		window:     window,
		now:        now,
	}
}

// ConnectionStatus is the upward-facing view of a user's sync state.
type ConnectionStatus struct {
	Connected   bool     `json:"connected"`
	SyncEnabled bool     `json:"syncEnabled"`
	LastRun     *SyncRun `json:"lastRun,omitempty"`
}

func (o *Orchestrator) GetConnectionStatus(ctx context.Context, userID string) (ConnectionStatus, error) {
	status := ConnectionStatus{
		Connected:   o.broker.IsConnected(ctx, userID),
		SyncEnabled: o.broker.SyncEnabled(ctx, userID),
	}
	run, err := o.runs.Latest(ctx, userID)
	switch {
	case err == nil:
		status.LastRun = &run
	case errors.Is(err, ErrNotFound):
		// no runs yet
	default:
		return ConnectionStatus{}, fmt.Errorf("load latest run: %w", err)
	}
	return status, nil
}

// PerformInitialSync executes one full reconciliation pass for the user
// under the named strategy. At most one run per user is in flight at a
// time; a concurrent invocation fails with ErrSyncInProgress.
func (o *Orchestrator) PerformInitialSync(ctx context.Context, userID string, name StrategyName) (SyncRun, error) {
	strategy, ok := o.strategies[name]
	if !ok {
		return SyncRun{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	if !o.broker.IsConnected(ctx, userID) {
		return SyncRun{}, ErrProviderNotConnected
	}
	if !o.leases.Acquire(userID) {
		return SyncRun{}, ErrSyncInProgress
	}
	defer o.leases.Release(userID)

	startedAt := o.now().UTC()
	run := SyncRun{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: startedAt,
	}

	token, tokenOK := o.broker.GetValidAccessToken(ctx, userID)
	if !tokenOK {
		// A stale grant degrades the pass to local-only rather than failing it.
		localEvents, err := o.local.ListEvents(ctx, userID, o.window(startedAt))
		if err != nil {
			return o.recordFailure(ctx, run, fmt.Errorf("fetch local events: %w", err))
		}
		run.Status = RunCompleted
		run.LocalCount = len(localEvents)
		run.Errors = []string{"access token unavailable; provider fetch skipped"}
		run.FinishedAt = o.now().UTC()
		o.appendRun(ctx, run)
		return run, nil
	}

	window := o.window(startedAt)
	localEvents, externalEvents, err := o.fetchBothSides(ctx, userID, token, window)
	if err != nil {
		return o.recordFailure(ctx, run, err)
	}
	run.LocalCount = len(localEvents)
	run.ExternalCount = len(externalEvents)

	// The mapping set comes from the full mapping listing, not the windowed
	// event slice: a mapped local event rescheduled out of the window must
	// still shield its provider copy from re-import.
	mappings, err := o.local.ListMappings(ctx, userID)
	if err != nil {
		return o.recordFailure(ctx, run, fmt.Errorf("list mappings: %w", err))
	}
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mapped[m.ExternalEventID] = true
	}

	detected := o.detector.Detect(userID, localEvents, externalEvents, mapped)
	run.ConflictCount = len(detected)

	// Persist every conflict before resolving anything so a crash mid-run
	// leaves evidence. A failed insert is logged and does not block
	// resolution of that conflict.
	persisted := make([]ConflictRecord, 0, len(detected))
	for _, c := range detected {
		c.ID = uuid.NewString()
		c.Strategy = strategy.Name()
		stored, err := o.conflicts.Insert(ctx, c)
		if err != nil {
			log.Printf("persist conflict for user %s (local=%s external=%s): %v", userID, c.LocalEventID, c.ExternalEventID, err)
			run.Errors = append(run.Errors, fmt.Sprintf("persist conflict %s/%s: %v", c.LocalEventID, c.ExternalEventID, err))
			stored = c
		}
		persisted = append(persisted, stored)
	}

	for _, c := range persisted {
		req := ResolveRequest{AccessToken: token, CalendarID: o.calendarID, Conflict: c}
		if err := strategy.Resolve(ctx, req); err != nil {
			log.Printf("resolve conflict %s for user %s: %v", c.ID, userID, err)
			run.Errors = append(run.Errors, fmt.Sprintf("resolve conflict %s: %v", c.ID, err))
			continue
		}
		if err := o.conflicts.MarkResolved(ctx, userID, c.ID, string(strategy.Name()), o.now().UTC()); err != nil {
			log.Printf("mark conflict %s resolved for user %s: %v", c.ID, userID, err)
			run.Errors = append(run.Errors, fmt.Sprintf("mark conflict %s resolved: %v", c.ID, err))
		}
	}

	run.ImportedCount = o.importRemainder(ctx, userID, externalEvents, mapped, detected, strategy.ImportsAll(), &run.Errors)

	run.Status = RunCompleted
	run.FinishedAt = o.now().UTC()
	o.appendRun(ctx, run)
	return run, nil
}

// importRemainder creates a local event, mapping included, for every valid
// external event that is neither mapped nor conflicted. Under keep-both the
// conflicted events are imported too, duplicates included.
func (o *Orchestrator) importRemainder(
	ctx context.Context,
	userID string,
	external []*calendar.Event,
	mapped map[string]bool,
	detected []ConflictRecord,
	importAll bool,
	errs *[]string,
) int {
	conflicted := make(map[string]bool, len(detected))
	for _, c := range detected {
		conflicted[c.ExternalEventID] = true
	}

	imported := 0
	for _, ee := range external {
		if ee == nil || ee.Id == "" || mapped[ee.Id] {
			continue
		}
		if conflicted[ee.Id] && !importAll {
			continue
		}
		input, err := o.mapper.ToLocal(ee)
		if err != nil {
			log.Printf("skip invalid external event %s for user %s: %v", ee.Id, userID, err)
			continue
		}
		if _, err := o.local.CreateEvent(ctx, userID, input); err != nil {
			*errs = append(*errs, fmt.Sprintf("import external event %s: %v", ee.Id, err))
			continue
		}
		mapped[ee.Id] = true
		imported++
	}
	return imported
}

// fetchBothSides runs the local-store query and the provider query
// concurrently; they are independent reads.
func (o *Orchestrator) fetchBothSides(ctx context.Context, userID, token string, window TimeWindow) ([]LocalEvent, []*calendar.Event, error) {
	type localResult struct {
		events []LocalEvent
		err    error
	}
	localCh := make(chan localResult, 1)
	go func() {
		events, err := o.local.ListEvents(ctx, userID, window)
		localCh <- localResult{events: events, err: err}
	}()

	externalEvents, externalErr := o.provider.ListEvents(ctx, token, o.calendarID, window)
	local := <-localCh

	if local.err != nil {
		return nil, nil, fmt.Errorf("fetch local events: %w", local.err)
	}
	if externalErr != nil {
		return nil, nil, fmt.Errorf("fetch provider events: %w", externalErr)
	}
	return local.events, externalEvents, nil
}

// HandleDisconnection removes every mapping for the user and nothing else:
// no local event is deleted or edited. This is the data-preservation
// guarantee of the whole subsystem. The outcome is logged as a
// "disconnected" run whose LocalCount is the number of mappings cleared.
func (o *Orchestrator) HandleDisconnection(ctx context.Context, userID string) (SyncRun, error) {
	startedAt := o.now().UTC()
	cleared, err := o.local.ClearExternalIDs(ctx, userID)
	if err != nil {
		return SyncRun{}, fmt.Errorf("clear mappings: %w", err)
	}
	run := SyncRun{
		ID:         uuid.NewString(),
		UserID:     userID,
		Status:     RunDisconnected,
		LocalCount: cleared,
		StartedAt:  startedAt,
		FinishedAt: o.now().UTC(),
	}
	o.appendRun(ctx, run)
	return run, nil
}

// ResolveConflict applies an explicit resolution to a stored conflict.
// "manual" marks it resolved with no store mutation; a strategy name applies
// that strategy to this single conflict. Resolving an already-resolved
// conflict is a no-op.
func (o *Orchestrator) ResolveConflict(ctx context.Context, userID, conflictID, resolution string) error {
	record, err := o.conflicts.Get(ctx, userID, conflictID)
	if err != nil {
		return err
	}
	if record.Resolved {
		return nil
	}
	if resolution == ResolutionManual {
		return o.conflicts.MarkResolved(ctx, userID, conflictID, ResolutionManual, o.now().UTC())
	}
	name, err := ParseStrategyName(resolution)
	if err != nil {
		return err
	}
	strategy := o.strategies[name]
	token, _ := o.broker.GetValidAccessToken(ctx, userID)
	req := ResolveRequest{AccessToken: token, CalendarID: o.calendarID, Conflict: record}
	if err := strategy.Resolve(ctx, req); err != nil {
		return err
	}
	return o.conflicts.MarkResolved(ctx, userID, conflictID, resolution, o.now().UTC())
}

func (o *Orchestrator) recordFailure(ctx context.Context, run SyncRun, cause error) (SyncRun, error) {
	run.Status = RunFailed
	run.Errors = append(run.Errors, cause.Error())
	run.FinishedAt = o.now().UTC()
	o.appendRun(ctx, run)
	return run, cause
}

func (o *Orchestrator) appendRun(ctx context.Context, run SyncRun) {
	if _, err := o.runs.Append(ctx, run); err != nil {
		log.Printf("append sync run for user %s: %v", run.UserID, err)
	}
}

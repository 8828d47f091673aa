package calsync

import (
	"context"
	"fmt"
)

type StrategyName string

const (
	StrategyPreferLocal    StrategyName = "prefer-local"
	StrategyPreferExternal StrategyName = "prefer-external"
	StrategyKeepBoth       StrategyName = "keep-both"
)

// ResolveRequest carries the per-run context a strategy needs: the caller's
// current access token and the calendar the conflict was detected against.
type ResolveRequest struct {
	AccessToken string
	CalendarID  string
	Conflict    ConflictRecord
}

// Strategy resolves one detected conflict. Implementations must treat the
// provider side as best-effort: a failed provider call is an error for the
// caller to log, never a reason to touch local state it did not intend to.
type Strategy interface {
	Name() StrategyName
	// ImportsAll reports whether the import phase should bring in every
	// valid external event instead of only the unconflicted remainder.
	ImportsAll() bool
	Resolve(ctx context.Context, req ResolveRequest) error
}

// NewStrategySet builds the three resolution policies over the given
// collaborators, keyed by name.
func NewStrategySet(local LocalStore, provider ProviderClient, mapper Mapper) map[StrategyName]Strategy {
	deps := strategyDeps{local: local, provider: provider, mapper: mapper}
	return map[StrategyName]Strategy{
		StrategyPreferLocal:    &PreferLocalStrategy{deps},
		StrategyPreferExternal: &PreferExternalStrategy{deps},
		StrategyKeepBoth:       &KeepBothStrategy{},
	}
}

// ParseStrategyName validates a wire-level strategy string.
func ParseStrategyName(raw string) (StrategyName, error) {
	switch StrategyName(raw) {
	case StrategyPreferLocal, StrategyPreferExternal, StrategyKeepBoth:
		return StrategyName(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

type strategyDeps struct {
	local    LocalStore
	provider ProviderClient
	mapper   Mapper
}

// PreferLocalStrategy overwrites the provider copy with the local event's
// data, then records the mapping.
type PreferLocalStrategy struct {
	deps strategyDeps
}

func (*PreferLocalStrategy) Name() StrategyName { return StrategyPreferLocal }
func (*PreferLocalStrategy) ImportsAll() bool   { return false }

func (s *PreferLocalStrategy) Resolve(ctx context.Context, req ResolveRequest) error {
	c := req.Conflict
	if req.AccessToken == "" {
		return fmt.Errorf("resolve %s: %w", c.ID, ErrProviderNotConnected)
	}
	ev, err := s.deps.local.GetEvent(ctx, c.UserID, c.LocalEventID)
	if err != nil {
		// The local event may have been edited away since detection; fall
		// back to the snapshot taken at detection time.
		if c.LocalSnapshot == nil {
			return fmt.Errorf("resolve %s: load local event: %w", c.ID, err)
		}
		ev = *c.LocalSnapshot
	}
	if _, err := s.deps.provider.UpdateEvent(ctx, req.AccessToken, req.CalendarID, c.ExternalEventID, s.deps.mapper.ToExternal(ev)); err != nil {
		return fmt.Errorf("resolve %s: push local copy: %w", c.ID, err)
	}
	if err := s.deps.local.SetExternalID(ctx, c.UserID, c.LocalEventID, c.ExternalEventID); err != nil {
		return fmt.Errorf("resolve %s: record mapping: %w", c.ID, err)
	}
	return nil
}

// PreferExternalStrategy overwrites the local event with the provider copy,
// which records the mapping in the same write.
type PreferExternalStrategy struct {
	deps strategyDeps
}

func (*PreferExternalStrategy) Name() StrategyName { return StrategyPreferExternal }
func (*PreferExternalStrategy) ImportsAll() bool   { return false }

func (s *PreferExternalStrategy) Resolve(ctx context.Context, req ResolveRequest) error {
	c := req.Conflict
	input, err := s.deps.mapper.ToLocal(c.ExternalSnapshot)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.ID, err)
	}
	if _, err := s.deps.local.UpdateEvent(ctx, c.UserID, c.LocalEventID, input); err != nil {
		return fmt.Errorf("resolve %s: pull external copy: %w", c.ID, err)
	}
	return nil
}

// KeepBothStrategy resolves nothing destructively. The import phase brings
// in every valid external event as an additional local event, duplicates
// included; the user reconciles manually afterward.
type KeepBothStrategy struct{}

func (*KeepBothStrategy) Name() StrategyName { return StrategyKeepBoth }
func (*KeepBothStrategy) ImportsAll() bool   { return true }

func (*KeepBothStrategy) Resolve(ctx context.Context, req ResolveRequest) error {
	return nil
}

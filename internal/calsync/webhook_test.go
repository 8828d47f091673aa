package calsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestChannelManager(t *testing.T, stores *Stores, provider *fakeProvider, ttl time.Duration) *ChannelManager {
	t.Helper()
	broker := connectBroker(t, stores, "u1")
	puller := NewIncrementalSync(IncrementalSyncOptions{
		Local:    stores.Local,
		Provider: provider,
		Broker:   broker,
		Runs:     stores.Runs,
	})
	return NewChannelManager(ChannelManagerOptions{
		Channels:   stores.Channels,
		Provider:   provider,
		Broker:     broker,
		Puller:     puller,
		Address:    "https://calsync.example.com/v1/notifications/google",
		ChannelTTL: ttl,
	})
}

func TestWatchRegistersChannel(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !channel.Active || channel.CalendarID != "primary" {
		t.Fatalf("unexpected channel: %+v", channel)
	}
	if channel.ResourceID == "" {
		t.Fatalf("expected provider resource id recorded")
	}
	if channel.Token == "" {
		t.Fatalf("expected verification token generated")
	}
}

func TestWatchIsIdempotentPerCalendar(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	first, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("first Watch: %v", err)
	}
	second, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("second Watch: %v", err)
	}
	if first.ChannelID != second.ChannelID {
		t.Fatalf("second watch must return the existing channel, got %s and %s", first.ChannelID, second.ChannelID)
	}
	channels, err := mgr.ListChannels(ctx, "u1")
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected one stored channel, got %d", len(channels))
	}
}

func TestWatchCapsExpirationAtSevenDays(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	// Provider grants ten days no matter what was asked for.
	provider.watchExpiration = time.Now().Add(10 * 24 * time.Hour).UnixMilli()
	mgr := newTestChannelManager(t, stores, provider, 10*24*time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	limit := time.Now().Add(MaxChannelTTL).Add(time.Minute)
	if channel.Expiration.After(limit) {
		t.Fatalf("expiration %v exceeds the seven-day cap", channel.Expiration)
	}
}

func TestWatchRequiresConnection(t *testing.T) {
	stores := NewMemoryStores()
	provider := newFakeProvider()
	broker := NewTokenBroker(stores.Credentials, TokenBrokerOptions{})
	mgr := NewChannelManager(ChannelManagerOptions{
		Channels: stores.Channels,
		Provider: provider,
		Broker:   broker,
		Address:  "https://calsync.example.com/v1/notifications/google",
	})

	if _, err := mgr.Watch(context.Background(), "stranger", "primary"); !errors.Is(err, ErrProviderNotConnected) {
		t.Fatalf("expected ErrProviderNotConnected, got %v", err)
	}
}

func TestStopWatchDeactivates(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := mgr.StopWatch(ctx, "u1", channel.ChannelID); err != nil {
		t.Fatalf("StopWatch: %v", err)
	}
	stored, err := stores.Channels.FindByChannelID(ctx, channel.ChannelID)
	if err != nil {
		t.Fatalf("FindByChannelID: %v", err)
	}
	if stored.Active || stored.StoppedAt == nil {
		t.Fatalf("channel must be inactive with a stop timestamp, got %+v", stored)
	}
	if len(provider.stopCalls) != 1 {
		t.Fatalf("expected one provider stop, got %d", len(provider.stopCalls))
	}

	// Stopping again is a no-op.
	if err := mgr.StopWatch(ctx, "u1", channel.ChannelID); err != nil {
		t.Fatalf("second StopWatch must be a no-op: %v", err)
	}
}

func TestStopWatchOwnershipAndExistence(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := mgr.StopWatch(ctx, "intruder", channel.ChannelID); !errors.Is(err, ErrChannelUnauthorized) {
		t.Fatalf("expected ErrChannelUnauthorized, got %v", err)
	}
	if err := mgr.StopWatch(ctx, "u1", "no-such-channel"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestStopWatchSurvivesProviderFailure(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	provider.stopErr = errors.New("channel already gone")
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := mgr.StopWatch(ctx, "u1", channel.ChannelID); err != nil {
		t.Fatalf("provider failure must not block local deactivation: %v", err)
	}
	stored, _ := stores.Channels.FindByChannelID(ctx, channel.ChannelID)
	if stored.Active {
		t.Fatalf("channel must be deactivated locally regardless")
	}
}

func TestHandleNotificationSyncStateIsHandshakeOnly(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	callsBefore := len(provider.tokensSeen)

	mgr.HandleNotification(ctx, Notification{
		ChannelID:     channel.ChannelID,
		ResourceState: ResourceStateSync,
		Token:         channel.Token,
	})
	if len(provider.tokensSeen) != callsBefore {
		t.Fatalf("sync handshake must not trigger a pull")
	}
}

func TestHandleNotificationExistsTriggersPull(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	provider.prime(externalEvent("ext-1", "Pushed event",
		time.Now().Add(time.Hour), time.Now().Add(2*time.Hour)))
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	mgr.HandleNotification(ctx, Notification{
		ChannelID:     channel.ChannelID,
		ResourceState: ResourceStateExists,
		Token:         channel.Token,
	})

	mappings, err := stores.Local.ListMappings(ctx, "u1")
	if err != nil {
		t.Fatalf("ListMappings: %v", err)
	}
	if len(mappings) != 1 || mappings[0].ExternalEventID != "ext-1" {
		t.Fatalf("expected the pushed event imported, got %v", mappings)
	}
}

func TestHandleNotificationDropsUnknownAndBadToken(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	provider.prime(externalEvent("ext-1", "Pushed event",
		time.Now().Add(time.Hour), time.Now().Add(2*time.Hour)))
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	channel, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	mgr.HandleNotification(ctx, Notification{ChannelID: "no-such-channel", ResourceState: ResourceStateExists})
	mgr.HandleNotification(ctx, Notification{
		ChannelID:     channel.ChannelID,
		ResourceState: ResourceStateExists,
		Token:         "forged",
	})

	mappings, err := stores.Local.ListMappings(ctx, "u1")
	if err != nil {
		t.Fatalf("ListMappings: %v", err)
	}
	if len(mappings) != 0 {
		t.Fatalf("dropped notifications must not import anything, got %v", mappings)
	}
}

func TestWatchReplacesExpiredChannel(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	// Still flagged active because the sweep has not run yet.
	stale := WebhookChannel{
		UserID:     "u1",
		CalendarID: "primary",
		ChannelID:  "stale-channel",
		Expiration: time.Now().Add(-time.Hour),
		Active:     true,
		CreatedAt:  time.Now().Add(-8 * 24 * time.Hour),
	}
	if _, err := stores.Channels.Insert(ctx, stale); err != nil {
		t.Fatalf("seed stale channel: %v", err)
	}

	replacement, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if replacement.ChannelID == stale.ChannelID {
		t.Fatalf("expired channel must not satisfy the idempotency lookup")
	}
	if !replacement.Expiration.After(time.Now()) {
		t.Fatalf("replacement channel already expired: %+v", replacement)
	}
	retired, err := stores.Channels.FindByChannelID(ctx, stale.ChannelID)
	if err != nil {
		t.Fatalf("FindByChannelID: %v", err)
	}
	if retired.Active {
		t.Fatalf("stale channel must be retired when replaced")
	}

	// The replacement now owns the idempotency slot.
	again, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("second Watch: %v", err)
	}
	if again.ChannelID != replacement.ChannelID {
		t.Fatalf("expected replacement channel reused, got %s", again.ChannelID)
	}
}

func TestCleanupExpiredChannels(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	provider := newFakeProvider()
	mgr := newTestChannelManager(t, stores, provider, time.Hour)

	fresh, err := mgr.Watch(ctx, "u1", "primary")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	// Seed an already-expired channel directly.
	expired := WebhookChannel{
		UserID:     "u1",
		CalendarID: "secondary",
		ChannelID:  "expired-channel",
		Expiration: time.Now().Add(-time.Hour),
		Active:     true,
		CreatedAt:  time.Now().Add(-8 * 24 * time.Hour),
	}
	if _, err := stores.Channels.Insert(ctx, expired); err != nil {
		t.Fatalf("seed expired channel: %v", err)
	}

	stopped, err := mgr.CleanupExpiredChannels(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredChannels: %v", err)
	}
	if stopped != 1 {
		t.Fatalf("expected 1 stopped channel, got %d", stopped)
	}
	still, err := stores.Channels.FindByChannelID(ctx, fresh.ChannelID)
	if err != nil || !still.Active {
		t.Fatalf("fresh channel must stay active: %+v err=%v", still, err)
	}
}

package calsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// MaxChannelTTL caps every registered channel's lifetime regardless of what
// was requested.
const MaxChannelTTL = 7 * 24 * time.Hour

// Notification is the inbound provider push, parsed off the request
// headers. Absent fields are tolerated; the handler acknowledges and drops
// anything it cannot act on.
type Notification struct {
	ChannelID     string `json:"channelId"`
	ResourceID    string `json:"resourceId"`
	ResourceState string `json:"resourceState"`
	ResourceURI   string `json:"resourceUri"`
	MessageNumber string `json:"messageNumber"`
	Token         string `json:"-"`
}

const (
	// ResourceStateSync is the provider's handshake ping sent right after
	// registration; it carries no change.
	ResourceStateSync = "sync"
	// ResourceStateExists signals the watched resource changed.
	ResourceStateExists = "exists"
)

// ChannelManagerOptions wires the webhook channel lifecycle manager.
// Address is the public callback URL registered with the provider.
type ChannelManagerOptions struct {
	Channels   ChannelStore
	Provider   ProviderClient
	Broker     *TokenBroker
	Puller     *IncrementalSync
	Address    string
	ChannelTTL time.Duration
	Window     func(now time.Time) TimeWindow
	Now        func() time.Time
}

// ChannelManager owns the channel state machine: none → active →
// (expired | stopped). There is no way back to active; resubscribing means
// a brand-new channel.
type ChannelManager struct {
	channels ChannelStore
	provider ProviderClient
	broker   *TokenBroker
	puller   *IncrementalSync
	address  string
	ttl      time.Duration
	window   func(time.Time) TimeWindow
	now      func() time.Time
}

func NewChannelManager(opts ChannelManagerOptions) *ChannelManager {
	ttl := opts.ChannelTTL
	if ttl <= 0 || ttl > MaxChannelTTL {
		ttl = MaxChannelTTL
	}
	window := opts.Window
	if window == nil {
		window = DefaultSyncWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ChannelManager{
		channels: opts.Channels,
		provider: opts.Provider,
		broker:   opts.Broker,
		puller:   opts.Puller,
		address:  opts.Address,
		ttl:      ttl,
		window:   window,
		now:      now,
	}
}

// Watch subscribes the user's calendar to provider push notifications. An
// existing active channel for the (user, calendar) pair is returned
// unchanged, making registration idempotent.
func (m *ChannelManager) Watch(ctx context.Context, userID, calendarID string) (WebhookChannel, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	// An active channel already past expiration is dead even if the sweep has
	// not caught it yet; only a live one satisfies the idempotency contract.
	if existing, err := m.channels.FindActive(ctx, userID, calendarID); err == nil {
		if existing.Expiration.After(m.now().UTC()) {
			return existing, nil
		}
		if err := m.channels.Deactivate(ctx, existing.ChannelID, m.now().UTC()); err != nil {
			log.Printf("retire expired channel %s: %v", existing.ChannelID, err)
		}
	}

	token, ok := m.broker.GetValidAccessToken(ctx, userID)
	if !ok {
		return WebhookChannel{}, ErrProviderNotConnected
	}

	now := m.now().UTC()
	spec := ChannelSpec{
		ChannelID:  uuid.NewString(),
		Token:      uuid.NewString(),
		Address:    m.address,
		Expiration: now.Add(m.ttl),
	}
	registered, err := m.provider.Watch(ctx, token, calendarID, spec)
	if err != nil {
		return WebhookChannel{}, fmt.Errorf("%w: %v", ErrChannelCreationFail, err)
	}

	expiration := spec.Expiration
	if registered.Expiration > 0 {
		expiration = time.UnixMilli(registered.Expiration).UTC()
	}
	// The provider may grant more than asked for; the cap always wins.
	if limit := now.Add(MaxChannelTTL); expiration.After(limit) {
		expiration = limit
	}

	channel := WebhookChannel{
		ID:          uuid.NewString(),
		UserID:      userID,
		CalendarID:  calendarID,
		ChannelID:   spec.ChannelID,
		ResourceID:  registered.ResourceId,
		ResourceURI: registered.ResourceUri,
		Token:       spec.Token,
		Expiration:  expiration,
		Active:      true,
		CreatedAt:   now,
	}
	stored, err := m.channels.Insert(ctx, channel)
	if err != nil {
		return WebhookChannel{}, fmt.Errorf("persist channel: %w", err)
	}
	return stored, nil
}

// StopWatch tears down the user's channel. The provider-side stop is
// best-effort; the channel is marked inactive locally regardless, so
// stopping is idempotent from the caller's perspective even when the
// provider already invalidated it.
func (m *ChannelManager) StopWatch(ctx context.Context, userID, channelID string) error {
	channel, err := m.channels.FindByChannelID(ctx, channelID)
	if err != nil {
		return ErrChannelNotFound
	}
	if channel.UserID != userID {
		return ErrChannelUnauthorized
	}
	if !channel.Active {
		return nil
	}
	if token, ok := m.broker.GetValidAccessToken(ctx, userID); ok {
		if err := m.provider.StopChannel(ctx, token, channel.ChannelID, channel.ResourceID); err != nil {
			log.Printf("provider stop for channel %s: %v", channel.ChannelID, err)
		}
	}
	return m.channels.Deactivate(ctx, channel.ChannelID, m.now().UTC())
}

// HandleNotification translates an inbound provider push into a bounded
// resync. It never fails back to the caller: an error here would only
// trigger provider retry storms, so everything is caught and logged.
func (m *ChannelManager) HandleNotification(ctx context.Context, n Notification) {
	if n.ChannelID == "" {
		return
	}
	channel, err := m.channels.FindByChannelID(ctx, n.ChannelID)
	if err != nil {
		log.Printf("notification for unknown channel %s dropped", n.ChannelID)
		return
	}
	if !channel.Active {
		return
	}
	if channel.Token != "" && n.Token != channel.Token {
		log.Printf("notification for channel %s with bad verification token dropped", n.ChannelID)
		return
	}
	switch n.ResourceState {
	case ResourceStateSync:
		// Registration handshake; nothing changed.
		return
	case ResourceStateExists:
		window := m.window(m.now())
		result, err := m.puller.Pull(ctx, channel.UserID, channel.CalendarID, window)
		if err != nil {
			log.Printf("notification pull for user %s calendar %s: %v", channel.UserID, channel.CalendarID, err)
			return
		}
		log.Printf("notification pull for user %s calendar %s: fetched=%d imported=%d skipped=%d",
			channel.UserID, channel.CalendarID, result.Fetched, result.Imported, result.Skipped)
	default:
		log.Printf("notification for channel %s with resource state %q dropped", n.ChannelID, n.ResourceState)
	}
}

// ListChannels returns all of the user's channels, active or not.
func (m *ChannelManager) ListChannels(ctx context.Context, userID string) ([]WebhookChannel, error) {
	return m.channels.ListByUser(ctx, userID)
}

// CleanupExpiredChannels sweeps channels past expiration and stops each
// one, tolerating individual failures. Returns the number stopped.
func (m *ChannelManager) CleanupExpiredChannels(ctx context.Context) (int, error) {
	expired, err := m.channels.ListExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired channels: %w", err)
	}
	stopped := 0
	for _, channel := range expired {
		if err := m.StopWatch(ctx, channel.UserID, channel.ChannelID); err != nil {
			log.Printf("cleanup channel %s: %v", channel.ChannelID, err)
			continue
		}
		stopped++
	}
	return stopped, nil
}

package calsync

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
)

// fakeProvider is an in-memory stand-in for the Google client. It records
// every mutation and can be primed with canned events and failures.
type fakeProvider struct {
	mu sync.Mutex

	events map[string]*calendar.Event
	nextID int

	listErr   error
	createErr error
	updateErr error
	deleteErr error
	watchErr  error
	stopErr   error

	watchExpiration int64

	createCalls []string
	updateCalls []string
	deleteCalls []string
	stopCalls   []string
	tokensSeen  []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: map[string]*calendar.Event{}}
}

func (p *fakeProvider) prime(events ...*calendar.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range events {
		p.events[ev.Id] = ev
	}
}

func (p *fakeProvider) ListEvents(ctx context.Context, accessToken, calendarID string, window TimeWindow) ([]*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, accessToken)
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []*calendar.Event
	for _, ev := range p.events {
		out = append(out, ev)
	}
	return out, nil
}

func (p *fakeProvider) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, accessToken)
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.nextID++
	created := *ev
	created.Id = "ext-" + strconv.Itoa(p.nextID)
	p.events[created.Id] = &created
	p.createCalls = append(p.createCalls, created.Id)
	return &created, nil
}

func (p *fakeProvider) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, accessToken)
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	updated := *ev
	updated.Id = eventID
	p.events[eventID] = &updated
	p.updateCalls = append(p.updateCalls, eventID)
	return &updated, nil
}

func (p *fakeProvider) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, accessToken)
	if p.deleteErr != nil {
		return p.deleteErr
	}
	delete(p.events, eventID)
	p.deleteCalls = append(p.deleteCalls, eventID)
	return nil
}

func (p *fakeProvider) Watch(ctx context.Context, accessToken, calendarID string, spec ChannelSpec) (*calendar.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, accessToken)
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	return &calendar.Channel{
		Id:          spec.ChannelID,
		ResourceId:  "resource-" + spec.ChannelID,
		ResourceUri: "https://www.googleapis.com/calendar/v3/calendars/" + calendarID + "/events",
		Expiration:  p.watchExpiration,
	}, nil
}

func (p *fakeProvider) StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, accessToken)
	if p.stopErr != nil {
		return p.stopErr
	}
	p.stopCalls = append(p.stopCalls, channelID)
	return nil
}

// connectBroker stores a long-lived credential so the broker hands out
// "token-<user>" without hitting any refresh endpoint.
func connectBroker(t *testing.T, stores *Stores, userID string) *TokenBroker {
	t.Helper()
	cred := Credential{
		UserID:      userID,
		Provider:    ProviderGoogle,
		AccessToken: "token-" + userID,
		Expiry:      time.Now().Add(time.Hour),
		SyncEnabled: true,
		UpdatedAt:   time.Now(),
	}
	if err := stores.Credentials.Upsert(context.Background(), cred); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	return NewTokenBroker(stores.Credentials, TokenBrokerOptions{ClientID: "test", ClientSecret: "test"})
}

func mustCreateLocal(t *testing.T, local LocalStore, userID string, input LocalEventInput) LocalEvent {
	t.Helper()
	ev, err := local.CreateEvent(context.Background(), userID, input)
	if err != nil {
		t.Fatalf("create local event: %v", err)
	}
	return ev
}

func externalEvent(id, summary string, start, end time.Time) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)},
	}
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

var _ ProviderClient = (*fakeProvider)(nil)

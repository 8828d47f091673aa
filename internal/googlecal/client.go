// Package googlecal implements the provider client against the Google
// Calendar v3 API. Every call builds a request-scoped service from the access
// token it was handed; no authorized client outlives one call and no
// credential is shared between users.
package googlecal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/syncwell/calsync/internal/calsync"
)

// ClientOptions configures the provider client. Endpoint overrides the API
// base URL, which is how the tests point the real client at a local server.
type ClientOptions struct {
	Endpoint string
}

type Client struct {
	endpoint string
}

func NewClient(opts ClientOptions) *Client {
	return &Client{endpoint: opts.Endpoint}
}

// service builds a calendar service authorized as the given token, scoped to
// this one call.
func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	if accessToken == "" {
		return nil, calsync.ErrProviderNotConnected
	}
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("build calendar service: %w", err)
	}
	return svc, nil
}

// ListEvents fetches every single-instance event in the window, following
// pagination to the end. Recurring events come back expanded.
func (c *Client) ListEvents(ctx context.Context, accessToken, calendarID string, window calsync.TimeWindow) ([]*calendar.Event, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	var out []*calendar.Event
	pageToken := ""
	for {
		call := svc.Events.List(calendarID).
			Context(ctx).
			TimeMin(window.Start.Format(time.RFC3339)).
			TimeMax(window.End.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(250)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		out = append(out, page.Items...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	created, err := svc.Events.Insert(calendarID, ev).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return created, nil
}

func (c *Client) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	updated, err := svc.Events.Update(calendarID, eventID, ev).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", eventID, err)
	}
	return updated, nil
}

// DeleteEvent removes the provider copy. An already-deleted event is not an
// error; the caller's intent is satisfied either way.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

func (c *Client) Watch(ctx context.Context, accessToken, calendarID string, spec calsync.ChannelSpec) (*calendar.Channel, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	channel := &calendar.Channel{
		Id:         spec.ChannelID,
		Type:       "web_hook",
		Address:    spec.Address,
		Token:      spec.Token,
		Expiration: spec.Expiration.UnixMilli(),
	}
	registered, err := svc.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("watch calendar %s: %w", calendarID, err)
	}
	return registered, nil
}

// StopChannel tears down a push channel. A channel the provider no longer
// knows about counts as stopped.
func (c *Client) StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	channel := &calendar.Channel{Id: channelID, ResourceId: resourceID}
	if err := svc.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("stop channel %s: %w", channelID, err)
	}
	return nil
}

func isGone(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

var _ calsync.ProviderClient = (*Client)(nil)

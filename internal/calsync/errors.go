package calsync

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrProviderNotConnected = errors.New("provider not connected")
	ErrSyncDisabled         = errors.New("sync disabled")
	ErrSyncInProgress       = errors.New("sync already in progress")
	ErrTokenRefreshFailed   = errors.New("token refresh failed")
	ErrInvalidExternalEvent = errors.New("invalid external event")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrChannelUnauthorized  = errors.New("channel unauthorized")
	ErrChannelCreationFail  = errors.New("channel creation failed")
	ErrUnknownStrategy      = errors.New("unknown sync strategy")
)

// InvalidEventError carries the reason an external event was rejected by the
// mapper. It matches ErrInvalidExternalEvent under errors.Is.
type InvalidEventError struct {
	ExternalID string
	Reason     string
}

func (e *InvalidEventError) Error() string {
	if e.ExternalID == "" {
		return "invalid external event: " + e.Reason
	}
	return "invalid external event " + e.ExternalID + ": " + e.Reason
}

func (e *InvalidEventError) Is(target error) bool {
	return target == ErrInvalidExternalEvent
}

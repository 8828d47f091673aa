package calsync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// TokenBrokerOptions configures a TokenBroker. Zero values get the usual
// defaults.
type TokenBrokerOptions struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	RedirectURL  string
	// ExpirySkew treats tokens this close to expiry as already expired so a
	// provider call never starts with a token about to die mid-flight.
	ExpirySkew time.Duration
	RevokeURL  string
	HTTPClient *http.Client
	Now        func() time.Time
}

// TokenBroker owns the OAuth credential lifecycle for user/provider pairs:
// read, expiry check, refresh, revoke. It also carries the per-user
// sync-enabled switch, which lives on the credential row.
//
// The broker never holds an authorized client; callers take the bare access
// token and scope their own client to the request.
type TokenBroker struct {
	creds      CredentialStore
	oauth      *oauth2.Config
	httpClient *http.Client
	revokeURL  string
	skew       time.Duration
	now        func() time.Time
}

func NewTokenBroker(creds CredentialStore, opts TokenBrokerOptions) *TokenBroker {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	revokeURL := strings.TrimSpace(opts.RevokeURL)
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	skew := opts.ExpirySkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenBroker{
		creds: creds,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
		},
		httpClient: httpClient,
		revokeURL:  revokeURL,
		skew:       skew,
		now:        now,
	}
}

// IsConnected reports whether a usable credential exists for the user.
func (b *TokenBroker) IsConnected(ctx context.Context, userID string) bool {
	cred, err := b.creds.Find(ctx, userID, ProviderGoogle)
	if err != nil {
		return false
	}
	return cred.AccessToken != "" || cred.RefreshToken != ""
}

// SyncEnabled reports the user's sync switch. A missing credential reads as
// disabled.
func (b *TokenBroker) SyncEnabled(ctx context.Context, userID string) bool {
	cred, err := b.creds.Find(ctx, userID, ProviderGoogle)
	if err != nil {
		return false
	}
	return cred.SyncEnabled
}

func (b *TokenBroker) SetSyncEnabled(ctx context.Context, userID string, enabled bool) error {
	cred, err := b.creds.Find(ctx, userID, ProviderGoogle)
	if err != nil {
		return fmt.Errorf("set sync enabled: %w", err)
	}
	cred.SyncEnabled = enabled
	cred.UpdatedAt = b.now().UTC()
	return b.creds.Upsert(ctx, cred)
}

// GetValidAccessToken returns the cached access token if it has not expired,
// refreshing it otherwise. ok=false means "cannot sync now": there is no
// credential, or the token is expired with no refresh token, or the refresh
// call failed. Callers degrade to local-only; this is never a fatal error.
func (b *TokenBroker) GetValidAccessToken(ctx context.Context, userID string) (string, bool) {
	cred, err := b.creds.Find(ctx, userID, ProviderGoogle)
	if err != nil {
		return "", false
	}
	if cred.AccessToken != "" && b.now().Add(b.skew).Before(cred.Expiry) {
		return cred.AccessToken, true
	}
	refreshed, err := b.Refresh(ctx, userID)
	if err != nil {
		log.Printf("token refresh unavailable for user %s: %v", userID, err)
		return "", false
	}
	return refreshed.AccessToken, true
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the new token, expiry, and scope.
func (b *TokenBroker) Refresh(ctx context.Context, userID string) (Credential, error) {
	cred, err := b.creds.Find(ctx, userID, ProviderGoogle)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	if cred.RefreshToken == "" {
		return Credential{}, fmt.Errorf("%w: no refresh token stored", ErrTokenRefreshFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	source := b.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.Expiry = token.Expiry
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		cred.Scope = scope
	}
	cred.UpdatedAt = b.now().UTC()
	if err := b.creds.Upsert(ctx, cred); err != nil {
		return Credential{}, fmt.Errorf("persist refreshed token: %w", err)
	}
	return cred, nil
}

// Disconnect revokes the grant with the provider on a best-effort basis and
// deletes the stored credential. Revocation failure is logged, never
// propagated; the deletion is what matters.
func (b *TokenBroker) Disconnect(ctx context.Context, userID string) error {
	cred, err := b.creds.Find(ctx, userID, ProviderGoogle)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if token := revocableToken(cred); token != "" {
		if err := b.revoke(ctx, token); err != nil {
			log.Printf("token revocation failed for user %s: %v", userID, err)
		}
	}
	return b.creds.Delete(ctx, userID, ProviderGoogle)
}

func revocableToken(cred Credential) string {
	if cred.RefreshToken != "" {
		return cred.RefreshToken
	}
	return cred.AccessToken
}

func (b *TokenBroker) revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

package platform

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credentials holds the current access state of one platform connection.
type Credentials struct {
	mu    sync.RWMutex
	token *oauth2.Token
	oauth *oauth2.Config
}

// NewCredentials takes an initial token (may be nil) and an optional OAuth config
// used for refresh and client-credentials grants.
func NewCredentials(token *oauth2.Token, cfg *oauth2.Config) *Credentials {
	return &Credentials{token: token, oauth: cfg}
}

// Token returns a copy of the current token, or nil.
func (c *Credentials) Token() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == nil {
		return nil
	}
	t := *c.token
	return &t
}

func (c *Credentials) CanRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.oauth != nil && c.token != nil && c.token.RefreshToken != ""
}

// Authenticate ensures a usable token exists. Without any OAuth configuration an
// empty credential state is accepted.
func (c *Credentials) Authenticate(ctx context.Context) error {
	c.mu.RLock()
	tok, cfg := c.token, c.oauth
	c.mu.RUnlock()

	if tok != nil && tok.Valid() {
		return nil
	}
	if cfg == nil {
		return nil
	}
	if tok != nil && tok.RefreshToken != "" {
		return c.Refresh(ctx)
	}
	if cfg.ClientID == "" || cfg.Endpoint.TokenURL == "" {
		return ErrNotAuthenticated
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.Endpoint.TokenURL,
		Scopes:       cfg.Scopes,
	}
	fresh, err := cc.Token(ctx)
	if err != nil {
		return fmt.Errorf("client credentials grant: %w", err)
	}

	c.mu.Lock()
	c.token = fresh
	c.mu.Unlock()
	return nil
}

// Refresh exchanges the refresh token for a new access token. Rotated refresh
// tokens replace the stored one.
func (c *Credentials) Refresh(ctx context.Context) error {
	c.mu.RLock()
	tok, cfg := c.token, c.oauth
	c.mu.RUnlock()

	if cfg == nil || tok == nil || tok.RefreshToken == "" {
		return ErrNotAuthenticated
	}

	// Expire the copy so the token source always hits the token endpoint.
	stale := &oauth2.Token{RefreshToken: tok.RefreshToken}
	fresh, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	c.mu.Lock()
	c.token = fresh
	c.mu.Unlock()
	return nil
}

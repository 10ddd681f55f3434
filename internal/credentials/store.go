// Package credentials owns the OAuth access/refresh token pair for the
// archived mailbox and serializes refreshes across callers.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// refreshSkew treats tokens expiring within this window as already invalid
// so a provider call never starts with a token about to lapse.
const refreshSkew = 30 * time.Second

// Store holds the mailbox credential in memory. It is the only owner: the
// token is mutated exclusively by Exchange and the refresh path, and is
// never persisted.
type Store struct {
	config *oauth2.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewStore creates an empty credential store around the OAuth client config.
func NewStore(config *oauth2.Config) *Store {
	return &Store{config: config}
}

// AuthURL returns the provider authorization URL requesting offline access.
func (s *Store) AuthURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token pair and installs it.
func (s *Store) Exchange(ctx context.Context, code string) error {
	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// SetToken installs a token pair directly. Used by tests and by callers that
// obtained credentials out of band.
func (s *Store) SetToken(token *oauth2.Token) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// IsValid reports whether a usable credential is present: either the access
// token is still live or a refresh token is available to get a new one.
func (s *Store) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return false
	}
	if s.token.RefreshToken != "" {
		return true
	}
	return s.token.AccessToken != "" && !s.expired(s.token)
}

// Token returns a valid access token, refreshing it first if needed. The
// refresh is serialized: concurrent callers block on the mutex and the first
// one through performs the single provider round trip, so the rest observe
// the already-renewed token and return immediately.
func (s *Store) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil, fmt.Errorf("no credential: complete the OAuth flow first")
	}
	if s.token.AccessToken != "" && !s.expired(s.token) {
		return s.token, nil
	}
	if s.token.RefreshToken == "" {
		return nil, fmt.Errorf("access token expired and no refresh token available")
	}

	refreshed, err := s.config.TokenSource(ctx, s.token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token rejected: %w", err)
	}
	// The provider may omit the refresh token on renewal; keep the old one.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = s.token.RefreshToken
	}
	s.token = refreshed
	return s.token, nil
}

// TokenSource adapts the store to oauth2.TokenSource so provider SDK
// clients pull refreshed tokens straight from it.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSourceFunc(func() (*oauth2.Token, error) {
		return s.Token(ctx)
	})
}

func (s *Store) expired(t *oauth2.Token) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Until(t.Expiry) < refreshSkew
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

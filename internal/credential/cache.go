// Package credential holds the capability token used for external document
// fetches and refreshes it through a single path when it goes stale.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoCredential is returned when no usable token exists and none can be
// obtained by refreshing.
var ErrNoCredential = errors.New("no credential available")

// DefaultSkew treats a token as stale this long before it actually expires.
const DefaultSkew = time.Minute

type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// IsStale reports whether the token is missing or expires within skew of
// now. A token without an expiry is not stale on its own; Cache refreshes it
// once when it holds a refresh credential, to learn the real expiry.
func (t Token) IsStale(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(skew))
}

// Refresher exchanges a refresh credential for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Cache is shared by reference between the components that need the token.
// Concurrent callers that find it stale wait on one refresh.
type Cache struct {
	mu        sync.Mutex
	token     Token
	refresher Refresher
	skew      time.Duration
	// refreshed is set once a refresh succeeded for the current token.
	refreshed bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewCache creates a cache seeded with initial. refresher may be nil.
func NewCache(initial Token, refresher Refresher, skew time.Duration) *Cache {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Cache{
		token:     initial,
		refresher: refresher,
		skew:      skew,
		now:       time.Now,
		logger:    slog.Default().With("component", "credential"),
	}
}

// Token returns a usable access token, refreshing first when stale.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.staleLocked() {
		return c.token.AccessToken, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		// A configured token of unknown age is still worth trying.
		if c.token.AccessToken != "" && c.token.ExpiresAt.IsZero() {
			return c.token.AccessToken, nil
		}
		return "", err
	}
	return c.token.AccessToken, nil
}

// Refresh forces a refresh regardless of staleness.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// RefreshIfStale refreshes only when the token is stale. It is a no-op when
// there is nothing to refresh with.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.staleLocked() || !c.canRefresh() {
		return nil
	}
	return c.refreshLocked(ctx)
}

// Stale reports whether the next Token call would have to refresh.
func (c *Cache) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleLocked()
}

// Set replaces the cached token.
func (c *Cache) Set(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t
	c.refreshed = false
}

func (c *Cache) staleLocked() bool {
	if c.token.IsStale(c.now(), c.skew) {
		return true
	}
	return c.token.ExpiresAt.IsZero() && c.canRefresh() && !c.refreshed
}

func (c *Cache) canRefresh() bool {
	return c.refresher != nil && c.token.RefreshToken != ""
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	if !c.canRefresh() {
		return fmt.Errorf("%w: token missing or expired and no refresh credential", ErrNoCredential)
	}

	fresh, err := c.refresher.Refresh(ctx, c.token.RefreshToken)
	if err != nil {
		c.logger.Warn("token refresh failed", "error", err)
		return fmt.Errorf("refreshing token: %w", err)
	}
	if fresh.AccessToken == "" {
		return fmt.Errorf("%w: refresh returned no access token", ErrNoCredential)
	}
	// Providers may omit the refresh token when it is not rotated.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = c.token.RefreshToken
	}
	c.token = fresh
	c.refreshed = true
	c.logger.Info("token refreshed", "expires_at", fresh.ExpiresAt)
	return nil
}

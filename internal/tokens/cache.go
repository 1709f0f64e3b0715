package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/snarg/motion-engine/internal/metrics"
	"github.com/snarg/motion-engine/internal/secrets"
	"github.com/snarg/motion-engine/internal/spotify"
)

// cacheTTL caps how long an entry is served without re-reading the secret
// store, independent of the token's own expiry.
const cacheTTL = 5 * time.Minute

// expirySkew treats tokens this close to expiry as already expired, so a
// consumer never walks out with a token that dies mid-request.
const expirySkew = 30 * time.Second

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*spotify.TokenResponse, error)
}

type cacheEntry struct {
	token       string
	expiresAt   time.Time
	cachedUntil time.Time
}

// Cache is the in-process read-through access-token cache. Consumers always go
// through it; when they observe an expired token it refreshes synchronously
// rather than waiting for the warden's next tick. Refreshes for the same user
// are coalesced with singleflight so concurrent handlers cannot race each
// other into duplicate token grants.
type Cache struct {
	store     secrets.Store
	refresher Refresher
	clock     clockwork.Clock
	log       zerolog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(store secrets.Store, refresher Refresher, clock clockwork.Clock, log zerolog.Logger) *Cache {
	return &Cache{
		store:     store,
		refresher: refresher,
		clock:     clock,
		log:       log.With().Str("component", "token-cache").Logger(),
		entries:   make(map[string]cacheEntry),
	}
}

// AccessToken returns a usable access token for the user, refreshing through
// the singleflight path when the cached or stored token is expired.
func (c *Cache) AccessToken(ctx context.Context, userID, tokenRef string) (string, error) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && now.Before(e.cachedUntil) && now.Add(expirySkew).Before(e.expiresAt) {
		metrics.TokenCacheHitsTotal.Inc()
		return e.token, nil
	}
	metrics.TokenCacheMissesTotal.Inc()

	v, err, _ := c.group.Do(userID, func() (any, error) {
		return c.load(ctx, userID, tokenRef)
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return v.(string), nil
}

// load re-reads the secret store and refreshes if the stored token is stale.
// Runs under singleflight: one flight per user at a time.
func (c *Cache) load(ctx context.Context, userID, tokenRef string) (string, error) {
	rec, err := LoadRecord(ctx, c.store, tokenRef)
	if err != nil {
		return "", trace.Wrap(err)
	}

	now := c.clock.Now()
	if now.Add(expirySkew).Before(rec.Expiry()) {
		c.put(userID, rec.AccessToken, rec.Expiry())
		return rec.AccessToken, nil
	}

	// Stored token is expired (or about to be): refresh inline.
	rec, err = RefreshAndSave(ctx, c.store, c.refresher, tokenRef, rec, now)
	if err != nil {
		return "", trace.Wrap(err)
	}
	metrics.TokenRefreshTotal.WithLabelValues("inline").Inc()
	c.log.Debug().Str("user_id", userID).Msg("refreshed expired token inline")

	c.put(userID, rec.AccessToken, rec.Expiry())
	return rec.AccessToken, nil
}

func (c *Cache) put(userID, token string, expiresAt time.Time) {
	now := c.clock.Now()
	until := now.Add(cacheTTL)
	if expiresAt.Before(until) {
		until = expiresAt
	}
	c.mu.Lock()
	c.entries[userID] = cacheEntry{token: token, expiresAt: expiresAt, cachedUntil: until}
	c.mu.Unlock()
}

// Invalidate drops the cached entry for a user. The warden calls this after
// every successful write-back so consumers pick up the new token immediately.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// RefreshAndSave calls the OAuth refresh endpoint and persists the result.
// The refresh token is preserved unless the service issued a replacement.
func RefreshAndSave(ctx context.Context, store secrets.Store, refresher Refresher, tokenRef string, rec *Record, now time.Time) (*Record, error) {
	tok, err := refresher.RefreshAccessToken(ctx, rec.RefreshToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	updated := &Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tok.ExpiresIn) * time.Second).Unix(),
	}
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}

	if err := SaveRecord(ctx, store, tokenRef, updated); err != nil {
		return nil, trace.Wrap(err)
	}
	return updated, nil
}

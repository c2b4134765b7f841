// ============================================================================
// Falcon Worker - Token Cache
// ============================================================================
//
// Package: internal/auth
// File: token_cache.go
// Purpose: Cache the short-lived server credential and keep it fresh
//
// Lifecycle:
//   1. Start(ctx) refreshes every RefreshInterval in the background so that
//      foreground Get() calls rarely wait on the network
//   2. Get() returns the cached token; on a miss it refreshes synchronously.
//      Concurrent misses share a single refresh (singleflight)
//   3. Flush() drops the token after an authentication failure, at most once
//      per FlushInterval no matter how many callers react to the same failure
//
// Expiry:
//   A token expires RefreshInterval + ExpiryGrace after it was fetched, so a
//   missed background cycle costs at most one synchronous refresh.
//
// Security disabled:
//   With no key id/secret configured Get() returns "" and never refreshes.
//
// ============================================================================

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults.
const (
	DefaultRefreshInterval = 30 * time.Minute
	DefaultExpiryGrace     = time.Minute
	DefaultFlushInterval   = 30 * time.Second
)

const flightKey = "token"

// ErrEmptyToken is returned when the credential source answers with no token.
var ErrEmptyToken = errors.New("credential source returned an empty token")

// Refresher exchanges a key pair for a token.
type Refresher interface {
	Refresh(ctx context.Context, keyID, keySecret string) (string, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, keyID, keySecret string) (string, error)

func (f RefresherFunc) Refresh(ctx context.Context, keyID, keySecret string) (string, error) {
	return f(ctx, keyID, keySecret)
}

// Config configures a TokenCache.
type Config struct {
	KeyID           string
	KeySecret       string
	RefreshInterval time.Duration
	ExpiryGrace     time.Duration
	FlushInterval   time.Duration
	Logger          *slog.Logger
	// OnRefresh is called after every refresh attempt.
	OnRefresh func(err error)
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenCache holds at most one token.
type TokenCache struct {
	cfg       Config
	refresher Refresher
	logger    *slog.Logger

	token     atomic.Pointer[cachedToken]
	group     singleflight.Group
	lastFlush atomic.Int64 // unix nanos
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTokenCache creates a cache backed by refresher.
func NewTokenCache(refresher Refresher, cfg Config) *TokenCache {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = DefaultExpiryGrace
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		cfg:       cfg,
		refresher: refresher,
		logger:    logger.With("component", "token_cache"),
		now:       time.Now,
	}
}

// Enabled reports whether a key pair is configured.
func (c *TokenCache) Enabled() bool {
	return c != nil && c.cfg.KeyID != "" && c.cfg.KeySecret != ""
}

// Get returns a valid token, refreshing if needed. It returns "" when
// security is disabled.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", nil
	}
	if tok := c.token.Load(); tok != nil && c.now().Before(tok.expiresAt) {
		return tok.value, nil
	}
	return c.refresh(ctx)
}

// Flush invalidates the cached token. Calls within FlushInterval of the last
// effective flush are ignored; the return value reports whether this call
// invalidated the cache.
func (c *TokenCache) Flush() bool {
	if !c.Enabled() {
		return false
	}
	now := c.now().UnixNano()
	last := c.lastFlush.Load()
	if last != 0 && now-last < int64(c.cfg.FlushInterval) {
		return false
	}
	if !c.lastFlush.CompareAndSwap(last, now) {
		return false
	}
	c.token.Store(nil)
	c.logger.Info("token flushed")
	return true
}

// refresh fetches a new token; concurrent callers share one call.
func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		value, err := c.refresher.Refresh(ctx, c.cfg.KeyID, c.cfg.KeySecret)
		if err == nil && value == "" {
			err = ErrEmptyToken
		}
		if c.cfg.OnRefresh != nil {
			c.cfg.OnRefresh(err)
		}
		if err != nil {
			return "", fmt.Errorf("refresh token: %w", err)
		}
		c.token.Store(&cachedToken{
			value:     value,
			expiresAt: c.now().Add(c.cfg.RefreshInterval + c.cfg.ExpiryGrace),
		})
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Start launches the background refresher. It is a no-op when security is
// disabled or the refresher is already running.
func (c *TokenCache) Start(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.refresh(ctx); err != nil {
					c.logger.Warn("background token refresh failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the background refresher and waits for it to exit.
func (c *TokenCache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

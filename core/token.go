package core

import (
	"context"
	"sync"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

// tokenCache serves the connection token for one session. Resolution
// is lazy and single-flight: concurrent callers during a resolve share
// one upstream call. Refresh is reactive only; nothing here runs on a
// timer.
type tokenCache struct {
	resolver TokenResolver
	session  schema.SessionID
	log      pslog.Logger

	mu     sync.Mutex
	token  string
	flight *tokenFlight
}

type tokenFlight struct {
	done  chan struct{}
	token string
	err   error
}

func newTokenCache(resolver TokenResolver, session schema.SessionID, logger pslog.Logger) *tokenCache {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &tokenCache{
		resolver: resolver,
		session:  session,
		log:      logger.With("session", session),
	}
}

// Token returns the cached token, resolving it first if needed.
func (c *tokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	if c.flight != nil {
		flight := c.flight
		c.mu.Unlock()
		select {
		case <-flight.done:
			return flight.token, flight.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	flight := &tokenFlight{done: make(chan struct{})}
	c.flight = flight
	c.mu.Unlock()

	c.log.Debug("resolving connection token")
	token, err := c.resolver.Resolve(ctx, c.session)

	c.mu.Lock()
	c.flight = nil
	if err == nil {
		c.token = token
	}
	c.mu.Unlock()
	flight.token = token
	flight.err = err
	close(flight.done)
	if err != nil {
		c.log.Warn("token resolve failed", "err", err)
		return "", err
	}
	return token, nil
}

// Invalidate discards the cached token if it still matches stale. A
// token refreshed by a racing channel survives, so N rejections of the
// same token cost one re-resolve.
func (c *tokenCache) Invalidate(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stale != "" && c.token == stale {
		c.token = ""
		c.log.Debug("connection token invalidated")
	}
}

// Clear drops the token unconditionally. Used on detach.
func (c *tokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}
